package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/packfetch/packfetch/internal/lock"
	"github.com/packfetch/packfetch/pkg/fsutil"
	"github.com/packfetch/packfetch/pkg/model"
)

// PackStatus is one row of the status listing.
type PackStatus struct {
	Name         string   `json:"name"`
	Dependencies []string `json:"dependencies,omitempty"`
	CRC32        string   `json:"crc32,omitempty"`
	Virtual      bool     `json:"virtual"`
	Local        bool     `json:"local"`
	SizeBytes    int64    `json:"size_bytes,omitempty"`
	State        string   `json:"state"`
}

// StatusReport is the result of the status command.
type StatusReport struct {
	LocalDir string       `json:"local_dir"`
	Locked   bool         `json:"locked"`
	LockedBy *lock.Record `json:"locked_by,omitempty"`
	Packs    []PackStatus `json:"packs"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show packs and their local state",
	Long: `List every pack in the manifest with its dependencies, expected checksum,
whether its archive is present locally and whether the last run left it
mounted. Also reports whether another process holds the packs directory.`,
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
		mounted, err := reg.LoadState(cfg.StateFile)
		if err != nil {
			return err
		}
		isMounted := make(map[string]bool, len(mounted))
		for _, name := range mounted {
			isMounted[name] = true
		}

		report := StatusReport{LocalDir: cfg.LocalDir}
		report.Locked, report.LockedBy, err = lock.Status(cfg.LocalDir)
		if err != nil {
			return err
		}
		for _, p := range reg.Snapshot() {
			st := PackStatus{
				Name:         p.Name,
				Dependencies: p.Dependencies,
				Virtual:      p.IsVirtual(),
				State:        model.PackNotRequested.String(),
			}
			if !st.Virtual {
				st.CRC32 = model.FormatCRC32(p.CRC32FromDB)
				if size, err := fsutil.SizeOf(filepath.Join(cfg.LocalDir, p.Name)); err == nil {
					st.Local = true
					st.SizeBytes = size
				} else if !os.IsNotExist(err) {
					return err
				}
			}
			if isMounted[p.Name] {
				st.State = model.PackMounted.String()
			}
			report.Packs = append(report.Packs, st)
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, report)
		}

		rows := [][]string{{"PACK", "STATE", "CRC32", "LOCAL", "DEPENDS ON"}}
		for _, st := range report.Packs {
			crc, local := st.CRC32, "no"
			if st.Virtual {
				crc, local = "virtual", "-"
			} else if st.Local {
				local = formatBytes(st.SizeBytes)
			}
			rows = append(rows, []string{st.Name, st.State, crc, local, strings.Join(st.Dependencies, ", ")})
		}
		fmt.Fprintln(out, renderTable(rows, func(r, c int) lipgloss.Style {
			if c == 1 {
				return stateStyle(model.PackState(report.Packs[r-1].State))
			}
			return lipgloss.NewStyle()
		}))

		if report.Locked {
			holder := "another process"
			if report.LockedBy != nil {
				holder = fmt.Sprintf("pid %d (%s)", report.LockedBy.PID, report.LockedBy.Purpose)
			}
			fmt.Fprintf(out, "\n%s %s is in use by %s\n", warnStyle.Render("locked:"), cfg.LocalDir, holder)
		}
		return nil
	},
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
