package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the offline answer cache",
	}

	get := &cobra.Command{
		Use:   "get [question]",
		Short: "Look a question up the way an offline request would",
		Args:  cobra.MinimumNArgs(1),
		Run:   runCacheGet,
	}

	put := &cobra.Command{
		Use:   "put [question]",
		Short: "Cache an answer for a question",
		Args:  cobra.MinimumNArgs(1),
		Run:   runCachePut,
	}
	put.Flags().StringP("answer", "a", "", "Answer text (required)")
	put.MarkFlagRequired("answer")

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Trim the cache to its size bound by relevance",
		Run:   runCachePrune,
	}

	cacheCmd.AddCommand(get, put, prune)
	RootCmd.AddCommand(cacheCmd)
}

func runCacheGet(cmd *cobra.Command, args []string) {
	a := openApp(cmd.Context())
	defer a.Close()

	hit, ok := a.Cache.Get(cmd.Context(), joinArgs(args))
	if !ok {
		exitErr("cache get", fmt.Errorf("no cached answer"))
	}
	hit.Entry.QuestionEmbedding = nil
	if textOutput() {
		fmt.Printf("[%s %.2f] %s\n\n%s\n", hit.Tier, hit.Score, hit.Entry.Question, hit.Entry.Answer)
		return
	}
	printJSON(hit)
}

func runCachePut(cmd *cobra.Command, args []string) {
	answer, _ := cmd.Flags().GetString("answer")

	a := openApp(cmd.Context())
	defer a.Close()

	if err := a.Cache.Put(cmd.Context(), joinArgs(args), answer); err != nil {
		exitErr("cache put", err)
	}
	n, _ := a.Cache.Len(cmd.Context())
	printJSON(map[string]int{"entries": n})
}

func runCachePrune(cmd *cobra.Command, args []string) {
	a := openApp(cmd.Context())
	defer a.Close()

	n, err := a.Cache.Prune(cmd.Context())
	if err != nil {
		exitErr("cache prune", err)
	}
	printJSON(map[string]int{"pruned": n})
}
