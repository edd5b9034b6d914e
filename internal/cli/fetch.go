package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/packfetch/packfetch/internal/events"
	"github.com/packfetch/packfetch/pkg/model"
	"github.com/packfetch/packfetch/pkg/progress"
)

var (
	fetchPriority   float32
	fetchNoProgress bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <pack>[:priority]...",
	Short: "Download and mount packs",
	Long: `Download packs together with their dependencies, verify them and mount
them. Packs already mounted by an earlier run are mounted again from the
local directory without downloading.

A priority may follow a pack name after a colon; higher priorities are
fetched first and preempt lower ones.

Examples:
  packfetch fetch maps
  packfetch fetch maps:10 sounds:1
  packfetch fetch --priority 5 ui fonts`,
	Args:              cobra.MinimumNArgs(1),
	ValidArgsFunction: completePackNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		type target struct {
			name     string
			priority float32
		}
		targets := make([]target, 0, len(args))
		for _, arg := range args {
			name, prio, err := parsePackArg(arg, fetchPriority)
			if err != nil {
				return err
			}
			targets = append(targets, target{name, prio})
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		m, err := openManager(cfg, newLogger(cfg))
		if err != nil {
			return err
		}
		defer m.Close()

		out := cmd.OutOrStdout()
		bars := progress.NewPackBars(out, !jsonOutput && !fetchNoProgress)
		unsubscribe := m.Subscribe(func(ev events.Event) {
			p := ev.Pack
			switch {
			case ev.Kind == model.ChangeDownloadProgress:
				bars.Update(p.Name, p.DownloadProgress)
			case ev.Kind == model.ChangeState && p.State == model.PackMounted:
				bars.Finish(p.Name, "mounted")
			case ev.Kind == model.ChangeState && p.State.IsFailed():
				bars.Finish(p.Name, "failed")
			}
		})
		defer unsubscribe()

		names := make([]string, 0, len(targets))
		for _, t := range targets {
			if err := m.RequestPack(t.name, t.priority); err != nil {
				return err
			}
			names = append(names, t.name)
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		waitErr := m.Wait(ctx, names...)

		if jsonOutput {
			var packs []model.Pack
			for _, p := range m.Packs() {
				if p.State != model.PackNotRequested {
					packs = append(packs, p)
				}
			}
			if err := outputJSON(out, packs); err != nil {
				return err
			}
			return waitErr
		}
		if waitErr != nil {
			return waitErr
		}
		fmt.Fprintf(out, "%s %s\n", okStyle.Render("Mounted"), strings.Join(names, ", "))
		return nil
	},
}

// parsePackArg splits "name[:priority]".
func parsePackArg(arg string, def float32) (string, float32, error) {
	name, prio, ok := strings.Cut(arg, ":")
	if name == "" {
		return "", 0, fmt.Errorf("invalid pack argument %q", arg)
	}
	if !ok {
		return name, def, nil
	}
	v, err := strconv.ParseFloat(prio, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid priority in %q: %w", arg, err)
	}
	return name, float32(v), nil
}

func init() {
	fetchCmd.Flags().Float32VarP(&fetchPriority, "priority", "p", 1, "priority for packs given without one")
	fetchCmd.Flags().BoolVar(&fetchNoProgress, "no-progress", false, "disable progress bars")
	rootCmd.AddCommand(fetchCmd)
}

// completePackNames offers manifest pack names for shell completion.
func completePackNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	reg, err := loadRegistry(cfg)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var names []string
	for _, name := range reg.Names() {
		if strings.HasPrefix(name, toComplete) {
			names = append(names, name)
		}
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}
