package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/packfetch/packfetch/pkg/config"
)

var (
	jsonOutput bool
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "packfetch",
		Short: "packfetch - asset pack acquisition",
		Long: `packfetch downloads asset packs and their dependencies from a remote
directory, verifies each archive against its CRC32 side-file and mounts it
into a virtual filesystem. Requests are served one download at a time in
priority order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFile, "path to the config file")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmtErr("%v", err)
		os.Exit(1)
	}
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fmtErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, errorStyle.Render("packfetch:")+" "+format+"\n", args...)
}
