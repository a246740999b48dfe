package cli

import (
	"fmt"
	"sort"
	"strings"

	"templatehumidifier/internal/config"
	"templatehumidifier/internal/humidifier"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func validateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without connecting to anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := bootstrapLogger(opts.debug)
			defer logger.Sync() //nolint:errcheck

			config.LoadDotEnv(logger, opts.envFiles...)
			cfg, err := config.Load(opts.configPath, logger)
			if err != nil {
				return err
			}

			platform, err := humidifier.NewPlatform(cfg.Humidifiers, nil, nil, nil, nil, zap.NewNop())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, h := range platform.Humidifiers() {
				fmt.Fprintln(out, describe(h))
			}
			fmt.Fprintf(out, "OK: %d humidifier(s)\n", len(platform.Humidifiers()))
			return nil
		},
	}
}

func describe(h *humidifier.Humidifier) string {
	cfg := h.Config()

	var templates, actions []string
	for name, set := range map[string]bool{
		"state":            cfg.StateTemplate != nil,
		"target_humidity":  cfg.TargetHumidityTemplate != nil,
		"current_humidity": cfg.CurrentHumidityTemplate != nil,
		"mode":             cfg.ModeTemplate != nil,
		"action":           cfg.ActionTemplate != nil,
		"availability":     cfg.AvailabilityTemplate != nil,
	} {
		if set {
			templates = append(templates, name)
		}
	}
	for name, set := range map[string]bool{
		"turn_on":             cfg.TurnOnAction != nil,
		"turn_off":            cfg.TurnOffAction != nil,
		"set_target_humidity": cfg.SetTargetHumidityAction != nil,
		"set_mode":            cfg.SetModeAction != nil,
	} {
		if set {
			actions = append(actions, name)
		}
	}

	sort.Strings(templates)
	sort.Strings(actions)

	return fmt.Sprintf("%s (%s) %s %.0f-%.0f%% templates=[%s] actions=[%s]",
		h.EntityID(), cfg.Name, cfg.DeviceClass, cfg.MinHumidity, cfg.MaxHumidity,
		strings.Join(templates, ","), strings.Join(actions, ","))
}
