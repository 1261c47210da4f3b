package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/selah/internal/memory"
	"github.com/rcliao/selah/internal/model"
)

func init() {
	memCmd := &cobra.Command{
		Use:   "memory",
		Short: "Manage what the assistant remembers about the user",
	}

	add := &cobra.Command{
		Use:   "add [content]",
		Short: "Store a memory",
		Long:  "Store a memory. Content can be a positional arg or piped via stdin.",
		Run:   runMemoryAdd,
	}
	add.Flags().String("type", "fact", "Type: fact, preference, prayer_request, life_event, insight")
	add.Flags().StringP("tags", "t", "", "Comma-separated tags")
	add.Flags().String("verses", "", "Comma-separated related verses (default: references found in content)")

	get := &cobra.Command{
		Use:   "get [id]",
		Short: "Get a memory by id",
		Args:  cobra.ExactArgs(1),
		Run:   runMemoryGet,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List memories by importance",
		Run:   runMemoryList,
	}
	list.Flags().String("type", "", "Filter by type")
	list.Flags().String("tag", "", "Filter by tag")
	list.Flags().Bool("all", false, "Include inactive memories")
	list.Flags().IntP("limit", "l", 20, "Max results")

	search := &cobra.Command{
		Use:   "search [keyword]",
		Short: "Keyword search over content, tags and verses",
		Args:  cobra.MinimumNArgs(1),
		Run:   runMemorySearch,
	}
	search.Flags().IntP("limit", "l", 20, "Max results")

	relevant := &cobra.Command{
		Use:   "relevant [query]",
		Short: "Show the memories a question would pull into the prompt",
		Args:  cobra.MinimumNArgs(1),
		Run:   runMemoryRelevant,
	}
	relevant.Flags().IntP("limit", "l", 3, "Max results")

	rm := &cobra.Command{
		Use:   "rm [id]",
		Short: "Deactivate a memory (use --purge to delete it)",
		Args:  cobra.ExactArgs(1),
		Run:   runMemoryRm,
	}
	rm.Flags().Bool("purge", false, "Delete permanently")
	rm.Flags().Bool("restore", false, "Reactivate instead")

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Permanently delete every inactive memory",
		Run:   runMemoryPurge,
	}

	backfill := &cobra.Command{
		Use:   "backfill",
		Short: "Embed memories stored without a vector",
		Run:   runMemoryBackfill,
	}

	memCmd.AddCommand(add, get, list, search, relevant, rm, purge, backfill)
	RootCmd.AddCommand(memCmd)
}

func splitList(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func printMemories(mems []model.Memory) {
	for i := range mems {
		mems[i].Embedding = nil
	}
	if textOutput() {
		for _, m := range mems {
			state := ""
			if !m.IsActive {
				state = " (inactive)"
			}
			fmt.Printf("%s  %-14s %.2f  %s%s\n", m.ID, m.Type, m.ImportanceScore, m.Content, state)
		}
		return
	}
	if mems == nil {
		mems = []model.Memory{}
	}
	printJSON(mems)
}

func runMemoryAdd(cmd *cobra.Command, args []string) {
	typ, _ := cmd.Flags().GetString("type")
	tags, _ := cmd.Flags().GetString("tags")
	verses, _ := cmd.Flags().GetString("verses")

	content := joinArgs(args)
	if content == "" {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			content = strings.TrimSpace(string(b))
		}
	}
	if content == "" {
		exitErr("memory add", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	a := openApp(cmd.Context())
	defer a.Close()

	m, err := a.Memory.Add(cmd.Context(), model.Memory{
		Type:          model.MemoryType(typ),
		Content:       content,
		Tags:          splitList(tags),
		RelatedVerses: splitList(verses),
	})
	if err != nil {
		exitErr("memory add", err)
	}
	printMemories([]model.Memory{*m})
}

func runMemoryGet(cmd *cobra.Command, args []string) {
	a := openApp(cmd.Context())
	defer a.Close()

	m, err := a.Memory.Get(cmd.Context(), args[0])
	if err != nil {
		exitErr("memory get", err)
	}
	m.Embedding = nil
	printJSON(m)
}

func runMemoryList(cmd *cobra.Command, args []string) {
	typ, _ := cmd.Flags().GetString("type")
	tag, _ := cmd.Flags().GetString("tag")
	all, _ := cmd.Flags().GetBool("all")
	limit, _ := cmd.Flags().GetInt("limit")

	a := openApp(cmd.Context())
	defer a.Close()

	mems, err := a.Memory.List(cmd.Context(), memory.Filter{
		Type:            model.MemoryType(typ),
		Tag:             tag,
		IncludeInactive: all,
		Limit:           limit,
	})
	if err != nil {
		exitErr("memory list", err)
	}
	printMemories(mems)
}

func runMemorySearch(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	a := openApp(cmd.Context())
	defer a.Close()

	mems, err := a.Memory.Search(cmd.Context(), joinArgs(args), limit)
	if err != nil {
		exitErr("memory search", err)
	}
	printMemories(mems)
}

func runMemoryRelevant(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	a := openApp(cmd.Context())
	defer a.Close()

	mems, err := a.Memory.FindRelevant(cmd.Context(), joinArgs(args), limit)
	if err != nil {
		exitErr("memory relevant", err)
	}
	printMemories(mems)
}

func runMemoryRm(cmd *cobra.Command, args []string) {
	purge, _ := cmd.Flags().GetBool("purge")
	restore, _ := cmd.Flags().GetBool("restore")

	a := openApp(cmd.Context())
	defer a.Close()

	var err error
	action := "deactivated"
	switch {
	case purge:
		_, err = a.Memory.Purge(cmd.Context(), args[0])
		action = "purged"
	case restore:
		err = a.Memory.Reactivate(cmd.Context(), args[0])
		action = "reactivated"
	default:
		err = a.Memory.Deactivate(cmd.Context(), args[0])
	}
	if err != nil {
		exitErr("memory rm", err)
	}
	printJSON(map[string]string{"id": args[0], "status": action})
}

func runMemoryPurge(cmd *cobra.Command, args []string) {
	a := openApp(cmd.Context())
	defer a.Close()

	n, err := a.Memory.Purge(cmd.Context(), "")
	if err != nil {
		exitErr("memory purge", err)
	}
	printJSON(map[string]int{"purged": n})
}

func runMemoryBackfill(cmd *cobra.Command, args []string) {
	a := openApp(cmd.Context())
	defer a.Close()

	n, err := a.Memory.BackfillEmbeddings(cmd.Context())
	if err != nil {
		exitErr("memory backfill", err)
	}
	printJSON(map[string]int{"embedded": n})
}
