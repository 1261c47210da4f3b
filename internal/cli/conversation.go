package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	convCmd := &cobra.Command{
		Use:     "conv",
		Aliases: []string{"conversation"},
		Short:   "List, show or delete conversations",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List conversation ids",
		Run:   runConvList,
	}

	show := &cobra.Command{
		Use:   "show [id]",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		Run:   runConvShow,
	}

	rm := &cobra.Command{
		Use:   "rm [id]",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		Run:   runConvRm,
	}

	convCmd.AddCommand(list, show, rm)
	RootCmd.AddCommand(convCmd)
}

func runConvList(cmd *cobra.Command, args []string) {
	a := openApp(cmd.Context())
	defer a.Close()

	ids, err := a.Orchestrator.Conversations().List(cmd.Context())
	if err != nil {
		exitErr("conv list", err)
	}
	if textOutput() {
		for _, id := range ids {
			fmt.Println(id)
		}
		return
	}
	if ids == nil {
		ids = []string{}
	}
	printJSON(ids)
}

func runConvShow(cmd *cobra.Command, args []string) {
	a := openApp(cmd.Context())
	defer a.Close()

	conv, err := a.Orchestrator.Conversations().Load(cmd.Context(), args[0])
	if err != nil {
		exitErr("conv show", err)
	}
	if !textOutput() {
		printJSON(conv)
		return
	}
	for _, m := range conv.Messages {
		fmt.Printf("%s [%s]\n%s\n\n", m.Role, m.CreatedAt.Local().Format("Jan 2 15:04"), m.Content)
	}
}

func runConvRm(cmd *cobra.Command, args []string) {
	a := openApp(cmd.Context())
	defer a.Close()

	if err := a.Orchestrator.Conversations().Delete(cmd.Context(), args[0]); err != nil {
		exitErr("conv rm", err)
	}
	printJSON(map[string]string{"id": args[0], "status": "deleted"})
}
