package cli

import (
	"fmt"
	"strings"

	"templatehumidifier/internal/ha"
	"templatehumidifier/internal/state"
	"templatehumidifier/internal/template"

	"github.com/spf13/cobra"
)

func renderCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "render <template>",
		Short: "Render a template against the live Home Assistant state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			client := ha.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
			if err := client.Connect(); err != nil {
				return fmt.Errorf("failed to connect to Home Assistant: %w", err)
			}
			defer client.Disconnect() //nolint:errcheck

			states := state.NewManager(client, logger)
			defer states.Close()
			if err := states.SyncFromHA(); err != nil {
				return err
			}

			return printRender(cmd, template.NewEngine(states), args[0])
		},
	}
}

func printRender(cmd *cobra.Command, engine *template.Engine, source string) error {
	result, entities, err := engine.RenderString(source, nil)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "result:   %s\n", result.Raw)
	fmt.Fprintf(out, "type:     %T\n", result.Value)
	fmt.Fprintf(out, "entities: %s\n", strings.Join(entities, ", "))
	return nil
}
