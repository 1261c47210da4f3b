package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ground [text]",
		Short: "Show the scripture context a question would be grounded in",
		Long: "Resolve the references named in text against the content source. With no " +
			"references, the source's verse search is used instead.",
		Args: cobra.MinimumNArgs(1),
		Run:  runGround,
	}

	cmd.Flags().String("translation", "", "Translation id (default: preference)")
	cmd.Flags().Int("max", 0, "Max references to resolve (default: $SELAH_MAX_GROUNDING_REFS)")

	RootCmd.AddCommand(cmd)
}

func runGround(cmd *cobra.Command, args []string) {
	translation, _ := cmd.Flags().GetString("translation")
	max, _ := cmd.Flags().GetInt("max")

	a := openApp(cmd.Context())
	defer a.Close()

	if translation == "" {
		p, _ := a.Orchestrator.Settings().Preferences(cmd.Context())
		translation = p.Translation
	}
	if max <= 0 {
		max = a.Config.MaxGroundRefs
	}

	gc, err := a.Grounding.BuildGroundingContext(cmd.Context(), joinArgs(args), translation, max)
	if err != nil {
		exitErr("ground", err)
	}

	if !textOutput() {
		printJSON(gc)
		return
	}
	for _, c := range gc.Citations {
		fmt.Printf("%s [%s]\n", c.Canonical(), c.Status)
		if t := c.Text(); t != "" {
			fmt.Printf("  %s\n", t)
		}
	}
	for _, h := range gc.SearchResults {
		fmt.Printf("%s (search)\n  %s\n", h.Reference, h.Text)
	}
}
