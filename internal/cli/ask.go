package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/selah/internal/orchestrator"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the assistant a question",
		Long: "Ask a question. The answer streams to stdout; retries are reported on stderr. " +
			"Interrupting cancels the request.",
		Run: runAsk,
	}

	cmd.Flags().StringP("conversation", "c", "", "Conversation id (default: a new conversation)")
	cmd.Flags().StringP("type", "t", "normal", "Request type: normal, deeper, shorter, continuation, follow_up")
	cmd.Flags().String("translation", "", "Translation id (default: preference)")
	cmd.Flags().String("request-id", "", "Idempotency key for the stored reply")

	RootCmd.AddCommand(cmd)
}

func runAsk(cmd *cobra.Command, args []string) {
	conv, _ := cmd.Flags().GetString("conversation")
	typ, _ := cmd.Flags().GetString("type")
	translation, _ := cmd.Flags().GetString("translation")
	requestID, _ := cmd.Flags().GetString("request-id")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a := openApp(ctx)
	defer a.Close()

	streamed := false
	res, err := a.Orchestrator.Ask(ctx, orchestrator.Request{
		ID:             requestID,
		ConversationID: conv,
		Text:           joinArgs(args),
		Type:           orchestrator.RequestType(typ),
		Translation:    translation,
	}, orchestrator.Observer{
		OnToken: func(tok string) {
			if textOutput() {
				streamed = true
				fmt.Print(tok)
			}
		},
		OnRetry: func(attempt, max int, err error, wait time.Duration) {
			fmt.Fprintf(os.Stderr, "\nretrying (%d/%d) in %s: %v\n", attempt, max, wait.Round(time.Millisecond), err)
		},
	})
	if err != nil {
		exitErr("ask", err)
	}

	if !textOutput() {
		printJSON(res)
		return
	}
	if !streamed {
		fmt.Print(res.Text)
	}
	fmt.Println()
	if res.Status != orchestrator.StatusSuccess {
		fmt.Fprintf(os.Stderr, "[%s]\n", res.Status)
	}
	if len(res.Citations) > 0 {
		var refs []string
		for _, c := range res.Citations {
			refs = append(refs, fmt.Sprintf("%s (%s)", c.Canonical(), c.Status))
		}
		fmt.Println("\nCitations: " + strings.Join(refs, ", "))
	}
	if len(res.FollowUps) > 0 {
		fmt.Println("\nYou might also ask:")
		for _, q := range res.FollowUps {
			fmt.Println("  - " + q)
		}
	}
	fmt.Fprintf(os.Stderr, "\nconversation %s\n", res.ConversationID)
}
