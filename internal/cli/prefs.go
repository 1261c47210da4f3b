package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show or change preferences",
		Long:  "Show preferences. Any flag given is changed and the result printed.",
		Run:   runPrefs,
	}

	cmd.Flags().Bool("memory", true, "Let the assistant use stored memories")
	cmd.Flags().String("tone", "", "Tone: warm, scholarly, concise, pastoral")
	cmd.Flags().String("translation", "", "Default translation id")
	cmd.Flags().Int("daily-limit", 0, "Requests per day, 0 for the configured default")

	RootCmd.AddCommand(cmd)
}

func runPrefs(cmd *cobra.Command, args []string) {
	a := openApp(cmd.Context())
	defer a.Close()

	settings := a.Orchestrator.Settings()
	p, err := settings.Preferences(cmd.Context())
	if err != nil {
		exitErr("prefs", err)
	}

	changed := false
	if cmd.Flags().Changed("memory") {
		p.MemoryEnabled, _ = cmd.Flags().GetBool("memory")
		changed = true
	}
	if cmd.Flags().Changed("tone") {
		p.Tone, _ = cmd.Flags().GetString("tone")
		changed = true
	}
	if cmd.Flags().Changed("translation") {
		p.Translation, _ = cmd.Flags().GetString("translation")
		changed = true
	}
	if cmd.Flags().Changed("daily-limit") {
		p.DailyLimit, _ = cmd.Flags().GetInt("daily-limit")
		changed = true
	}
	if changed {
		if err := settings.SetPreferences(cmd.Context(), p); err != nil {
			exitErr("prefs", err)
		}
		if p, err = settings.Preferences(cmd.Context()); err != nil {
			exitErr("prefs", err)
		}
	}

	used, _ := settings.Usage(cmd.Context())
	if textOutput() {
		fmt.Printf("memory: %t\ntone: %s\ntranslation: %s\ndaily limit: %d\nused today: %d\n",
			p.MemoryEnabled, p.Tone, p.Translation, p.DailyLimit, used)
		return
	}
	printJSON(struct {
		Preferences any `json:"preferences"`
		UsedToday   int `json:"used_today"`
	}{p, used})
}
