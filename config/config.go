package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "MAIL_EXTRACT"

// Config captures all options required to run an extraction batch.
type Config struct {
	Sources    []string
	Workers    int
	Root       string
	StateDir   string
	LogLevel   string
	LogDir     string
	Include    []string
	Exclude    []string
	Watch      bool
	NoProgress bool
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("config", "", "Optional YAML config file; flags and "+envPrefix+"_* env vars take precedence")
	flags.Int("workers", runtime.NumCPU(), "Number of sources extracted in parallel")
	flags.String("root", "", "Refuse sources outside this directory")
	flags.String("state-dir", defaultStateDir, "Directory for the extraction journal")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.StringArray("include", nil, "Regex allow-list applied to source paths (mutually exclusive with --exclude)")
	flags.StringArray("exclude", nil, "Regex block-list applied to source paths (mutually exclusive with --include)")
	flags.Bool("watch", false, "Keep watching source directories and extract new files")
	flags.Bool("no-progress", false, "Disable the progress bar")

	return nil
}

// LoadConfig merges flags, environment and the optional config file into a
// validated Config. args are the source files and directories.
func LoadConfig(cmd *cobra.Command, args []string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	sources := args
	if len(sources) == 0 {
		sources = v.GetStringSlice("sources")
	}

	stateDir := v.GetString("state-dir")
	if stateDir == "" {
		var err error
		stateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}

	logLevel := strings.ToLower(v.GetString("log-level"))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	root := v.GetString("root")
	if root != "" {
		root = filepath.Clean(root)
	}

	cfg := Config{
		Sources:    sources,
		Workers:    v.GetInt("workers"),
		Root:       root,
		StateDir:   filepath.Clean(stateDir),
		LogLevel:   logLevel,
		LogDir:     v.GetString("log-dir"),
		Include:    stringList(cmd, v, "include"),
		Exclude:    stringList(cmd, v, "exclude"),
		Watch:      v.GetBool("watch"),
		NoProgress: v.GetBool("no-progress"),
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stringList prefers the raw flag values so regex patterns with commas are
// not split as CSV.
func stringList(cmd *cobra.Command, v *viper.Viper, key string) []string {
	if f := cmd.Flags().Lookup(key); f != nil && f.Changed {
		if values, err := cmd.Flags().GetStringArray(key); err == nil {
			return values
		}
	}
	return v.GetStringSlice(key)
}

func validateConfig(cfg Config) error {
	if len(cfg.Sources) == 0 {
		return errors.New("at least one source file or directory is required")
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("--workers must be at least 1")
	}
	if len(cfg.Include) > 0 && len(cfg.Exclude) > 0 {
		return fmt.Errorf("--include and --exclude are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mail-extract", "state"), nil
}
