package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/selah/internal/app"
	"github.com/rcliao/selah/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show storage statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	cfg, _ := loadConfig()
	s, err := app.OpenStore(cmd.Context(), cfg)
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	stats, err := store.CollectStats(cmd.Context(), s)
	if err != nil {
		exitErr("stats", err)
	}
	printJSON(stats)
}
