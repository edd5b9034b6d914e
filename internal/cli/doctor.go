package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/packfetch/packfetch/internal/doctor"
)

var (
	doctorStrict bool
	doctorFix    bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the packs directory for problems",
	Long: `Check the packs directory for interrupted downloads, orphan temp files,
archives of packs missing from the manifest and stale state entries.

Examples:
  packfetch doctor              # Quick check
  packfetch doctor --strict     # Also verify every archive checksum
  packfetch doctor --fix        # Remove leftover and orphan files`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := loadRegistry(cfg)
		if err != nil {
			return err
		}

		doc := doctor.NewDoctor(cfg.LocalDir, cfg.StateFile, reg, cfg.Journal)
		result, err := doc.Check(doctorStrict)
		if err != nil {
			return err
		}

		var removed []string
		if doctorFix {
			removed, err = doc.Fix(result)
			if err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			if err := outputJSON(out, map[string]any{"result": result, "removed": removed}); err != nil {
				return err
			}
		} else {
			if len(result.Findings) == 0 {
				fmt.Fprintln(out, okStyle.Render("Packs directory is healthy."))
			}
			for _, f := range result.Findings {
				sev := dimStyle
				switch f.Severity {
				case "critical", "error":
					sev = errorStyle
				case "warning":
					sev = warnStyle
				}
				fmt.Fprintf(out, "[%s] %s: %s\n", sev.Render(f.Severity), f.Category, f.Description)
			}
			for _, path := range removed {
				fmt.Fprintf(out, "removed %s\n", path)
			}
		}

		if !result.Healthy {
			return fmt.Errorf("packs directory is unhealthy")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "verify every archive checksum")
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "remove interrupted downloads and orphan files")
	rootCmd.AddCommand(doctorCmd)
}
