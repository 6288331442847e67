// Command le-audio-endpoint registers an LE Audio (BAP) endpoint with BlueZ
// and streams LC3 frames over the ISO channel BlueZ hands it.
//
// Usage:
//
//	le-audio-endpoint [--config file.yaml] [--log-level level] <command>
//
// Commands:
//
//	serve         - Register the endpoint and stream until interrupted
//	check-config  - Validate the configuration and print the capabilities
//	version       - Show version information
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/silviot/le_audio_endpoint_go/pkg/codec"
	"github.com/silviot/le_audio_endpoint_go/pkg/config"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "le-audio-endpoint",
	Short: "LE Audio BAP endpoint for BlueZ",
	Long: `le-audio-endpoint exposes one org.bluez.MediaEndpoint1 object (PAC sink or
PAC source) on the system bus. When a remote device configures it, the daemon
acquires the ISO transport and decodes (sink) or encodes (source) LC3 frames
at a fixed 7.5 or 10 ms cadence.

Configuration is read from the YAML file given with --config, then from the
environment (LE_AUDIO_ADAPTER, LE_AUDIO_HTTP_ADDR, LOG_LEVEL), then from flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), checkConfigCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the file and applies the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration:\n%w", err)
		}

		ec, _ := cfg.Endpoint()
		caps, err := ec.Capabilities()
		if err != nil {
			return err
		}
		conf, err := ec.LTV().Bytes()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		enc.Close()
		fmt.Fprintf(out, "# params:        %s\n", ec.Params())
		fmt.Fprintf(out, "# capabilities:  % x\n", caps)
		fmt.Fprintf(out, "# configuration: % x\n", conf)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "le-audio-endpoint %s (codecs: %v)\n", version, codec.Names())
	},
}

// setupLogger creates a structured logger
func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
