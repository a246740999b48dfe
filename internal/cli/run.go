package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"templatehumidifier/internal/api"
	"templatehumidifier/internal/clock"
	"templatehumidifier/internal/config"
	"templatehumidifier/internal/discovery"
	"templatehumidifier/internal/ha"
	"templatehumidifier/internal/history"
	"templatehumidifier/internal/humidifier"
	"templatehumidifier/internal/mqtt"
	"templatehumidifier/internal/shadowstate"
	"templatehumidifier/internal/state"
	"templatehumidifier/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func runCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to Home Assistant and serve the configured humidifiers",
		Args:  cobra.NoArgs,
		RunE:  runE(opts),
	}
}

// runE starts the service; it backs both `run` and the bare root command
func runE(opts *rootOptions) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig(opts)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runService(ctx, cfg, logger)
	}
}

// loadConfig loads .env files and the configuration, then builds the
// logger at the configured level
func loadConfig(opts *rootOptions) (*config.Config, *zap.Logger, error) {
	boot := bootstrapLogger(opts.debug)
	config.LoadDotEnv(boot, opts.envFiles...)

	cfg, err := config.Load(opts.configPath, boot)
	if err != nil {
		return nil, nil, err
	}

	logger, err := newLogger(cfg.Logging.Level, opts.debug)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// cleanup runs shutdown steps in reverse order of registration
type cleanup struct {
	steps  []func()
	logger *zap.Logger
}

func (c *cleanup) add(name string, fn func() error) {
	c.steps = append(c.steps, func() {
		if err := fn(); err != nil {
			c.logger.Warn("Shutdown step failed", zap.String("step", name), zap.Error(err))
		}
	})
}

func (c *cleanup) run() {
	for i := len(c.steps) - 1; i >= 0; i-- {
		c.steps[i]()
	}
}

func runService(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting template humidifier service",
		zap.String("url", cfg.HomeAssistant.URL),
		zap.Bool("read_only", cfg.HomeAssistant.ReadOnly),
		zap.Int("humidifiers", len(cfg.Humidifiers)))

	shutdown := &cleanup{logger: logger}
	defer func() {
		logger.Info("Shutting down gracefully...")
		shutdown.run()
	}()

	client := ha.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to Home Assistant: %w", err)
	}
	shutdown.add("home assistant", client.Disconnect)

	states := state.NewManager(client, logger)
	if err := states.SyncFromHA(); err != nil {
		return fmt.Errorf("failed to sync state from Home Assistant: %w", err)
	}
	shutdown.add("state", func() error { states.Close(); return nil })

	client.SetOnReconnect(func() {
		if err := states.SyncFromHA(); err != nil {
			logger.Error("Failed to resync state after reconnect", zap.Error(err))
		}
	})

	shadow := shadowstate.NewTracker()
	platform, err := humidifier.NewPlatform(cfg.Humidifiers, states, client, clock.NewRealClock(), shadow, logger)
	if err != nil {
		return err
	}

	var db *store.Store
	if cfg.Storage.Path != "" {
		db, err = store.Open(cfg.Storage.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open state database: %w", err)
		}
		shutdown.add("store", db.Close)
		platform.RestoreFrom(db)
		db.Attach(platform)
	}

	if cfg.InfluxDB.Enabled {
		writer, err := history.Connect(cfg.InfluxDB, logger)
		if err != nil {
			logger.Warn("InfluxDB unavailable, history disabled", zap.Error(err))
		} else {
			shutdown.add("influxdb", writer.Close)
			writer.Attach(platform)
		}
	}

	var broker *mqtt.Client
	var bridge *discovery.Bridge
	if cfg.MQTT.Enabled {
		broker, err = mqtt.Connect(cfg.MQTT, logger)
		if err != nil {
			return err
		}
		shutdown.add("mqtt", broker.Close)

		bridge = discovery.NewBridge(broker, platform, cfg.MQTT, cfg.HomeAssistant.ReadOnly, logger)
	}

	if err := platform.Start(); err != nil {
		return err
	}
	shutdown.add("platform", func() error { platform.Stop(); return nil })

	if bridge != nil {
		if err := bridge.Start(ctx); err != nil {
			return err
		}
		broker.SetOnConnect(bridge.Announce)
		shutdown.add("discovery", func() error { bridge.Stop(); return nil })
	}

	if cfg.API.Enabled {
		server := api.NewServer(platform, shadow, cfg.API, cfg.HomeAssistant.ReadOnly, logger)
		server.AddHealthCheck("home_assistant", func(context.Context) error {
			if !client.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})
		if db != nil {
			server.AddHealthCheck("store", db.HealthCheck)
		}
		if broker != nil {
			server.AddHealthCheck("mqtt", func(context.Context) error {
				if !broker.IsConnected() {
					return mqtt.ErrNotConnected
				}
				return nil
			})
		}
		if err := server.Start(); err != nil {
			return err
		}
		shutdown.add("api", server.Stop)
	}

	if cfg.HomeAssistant.ReadOnly {
		logger.Info("Running in READ-ONLY mode, commands are rejected")
	}
	logger.Info("Application running. Press Ctrl+C to exit.")

	<-ctx.Done()
	return nil
}
