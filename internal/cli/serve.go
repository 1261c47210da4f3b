package cli

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long:  "Serve the HTTP API with streaming answers and Prometheus metrics at /metrics.",
		Run:   runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (default: $SELAH_HTTP_ADDR)")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("addr")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := openApp(ctx)
	defer a.Close()
	if addr == "" {
		addr = a.Config.HTTPAddr
	}

	if err := a.HTTP().ListenAndServe(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		exitErr("serve", err)
	}
	a.Log.Info().Msg("server stopped")
}
