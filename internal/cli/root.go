// Package cli implements the navcache command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/navcache/navcache/internal/config"
)

var (
	configFile string
	logLevel   string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "navcache",
	Short: "Predictive two-tier cache and navigation preloader",
	Long: "navcache keeps a bounded fast tier and a durable tier of fetched data, learns " +
		"navigation patterns and preloads the data of the routes a user is likely to visit next.",
	SilenceUsage: true,
}

func init() {
	flags := RootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Config file (default: $NAVCACHE_CONFIG)")
	flags.StringVar(&logLevel, "log-level", "", "Log level: TRACE, DEBUG, INFO, WARN or ERROR (default: $NAVCACHE_LOG_LEVEL)")

	viper.SetEnvPrefix(strings.TrimSuffix(config.EnvPrefix, "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("log_level", flags.Lookup("log-level"))
}

// loadConfig layers defaults, the config file, NAVCACHE_* variables and
// command line flags, then validates the result.
func loadConfig() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if path := viper.GetString("config"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log_level"); lvl != "" {
		cfg.Global.LogLevel = strings.ToUpper(lvl)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
