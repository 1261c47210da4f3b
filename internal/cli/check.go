package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/selah/internal/reference"
	"github.com/rcliao/selah/internal/safety"
)

func init() {
	parseCmd := &cobra.Command{
		Use:   "parse [text]",
		Short: "Find and validate scripture references in text",
		Args:  cobra.MinimumNArgs(1),
		Run:   runParse,
	}

	classifyCmd := &cobra.Command{
		Use:   "classify [text]",
		Short: "Classify a message for safety",
		Args:  cobra.MinimumNArgs(1),
		Run:   runClassify,
	}
	classifyCmd.Flags().StringArray("history", nil, "Earlier user turns, oldest first (repeatable)")

	RootCmd.AddCommand(parseCmd, classifyCmd)
}

type parsedRef struct {
	Canonical string `json:"canonical"`
	BookID    string `json:"book_id,omitempty"`
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
}

func runParse(cmd *cobra.Command, args []string) {
	p := reference.NewParser(nil)
	var out []parsedRef
	for _, r := range p.Scan(joinArgs(args)) {
		pr := parsedRef{Canonical: r.Reference.Canonical(), BookID: r.Reference.BookID, Valid: r.Valid()}
		if r.Err != nil {
			pr.Error = r.Err.Error()
		}
		out = append(out, pr)
	}

	if textOutput() {
		for _, r := range out {
			if r.Valid {
				fmt.Println(r.Canonical)
			} else {
				fmt.Printf("%s\tinvalid: %s\n", r.Canonical, r.Error)
			}
		}
		return
	}
	if out == nil {
		out = []parsedRef{}
	}
	printJSON(out)
}

func runClassify(cmd *cobra.Command, args []string) {
	history, _ := cmd.Flags().GetStringArray("history")
	a := safety.New().Assess(joinArgs(args), history)

	if textOutput() {
		line := a.Category.String()
		if a.Matched != "" {
			line += "\tmatched: " + a.Matched
		}
		if len(a.Masked) > 0 {
			line += "\tfigurative: " + strings.Join(a.Masked, ", ")
		}
		fmt.Println(line)
		if a.Category.RequiresIntervention() {
			fmt.Println()
			fmt.Println(safety.InterventionResponse(a.Category))
		}
		return
	}
	printJSON(struct {
		safety.Assessment
		Intervention bool `json:"intervention"`
	}{a, a.Category.RequiresIntervention()})
}
