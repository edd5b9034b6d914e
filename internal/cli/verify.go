package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/packfetch/packfetch/internal/events"
	"github.com/packfetch/packfetch/internal/verify"
	"github.com/packfetch/packfetch/pkg/metrics"
	"github.com/packfetch/packfetch/pkg/model"
	"github.com/packfetch/packfetch/pkg/progress"
)

var (
	verifyJournal bool
)

// errTampered makes verify exit non-zero after printing its report.
var errTampered = errors.New("verification failed")

var verifyCmd = &cobra.Command{
	Use:   "verify [<pack>]",
	Short: "Verify downloaded pack archives",
	Long: `Verify downloaded pack archives against their CRC32 side-files and the
checksums in the manifest. Packs without a local archive are skipped.

Examples:
  packfetch verify              # Verify every local pack
  packfetch verify maps         # Verify one pack
  packfetch verify --journal    # Also check the event journal chain`,
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completePackNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := loadRegistry(cfg)
		if err != nil {
			return err
		}
		verifier := verify.NewVerifier(cfg.LocalDir)
		out := cmd.OutOrStdout()

		var results []*verify.Result
		if len(args) == 1 {
			p, err := reg.GetPack(args[0])
			if err != nil {
				return err
			}
			res, err := verifier.VerifyPack(p)
			if err != nil {
				return err
			}
			results = append(results, res)
		} else {
			packs := reg.Packs()
			bar := progress.NewTerminalTo(cmd.ErrOrStderr(), "verify", len(packs), !jsonOutput)
			prog := progress.New("verify", len(packs), bar.Callback())
			for _, p := range packs {
				rs, err := verifier.VerifyAll([]*model.Pack{p})
				if err != nil {
					return err
				}
				results = append(results, rs...)
				prog.Increment(p.Name)
			}
			bar.Done(fmt.Sprintf("%d archives", len(results)))
		}

		tampered := false
		for _, res := range results {
			metrics.Default().RecordVerify(res.ChecksumValid)
			if !res.ChecksumValid {
				tampered = true
			}
		}

		var journalErr error
		journalRecords := 0
		if verifyJournal && cfg.Journal != "" {
			journalRecords, journalErr = events.NewJournal(cfg.Journal, nil).VerifyChain()
		}

		if jsonOutput {
			report := map[string]any{"packs": results}
			if verifyJournal {
				report["journal_records"] = journalRecords
				if journalErr != nil {
					report["journal_error"] = journalErr.Error()
				}
			}
			if err := outputJSON(out, report); err != nil {
				return err
			}
		} else {
			for _, res := range results {
				status := okStyle.Render("OK")
				if !res.ChecksumValid {
					status = errorStyle.Render("TAMPERED") + " " + res.Error
				}
				fmt.Fprintf(out, "%s  %s\n", res.Pack, status)
			}
			if verifyJournal {
				if journalErr != nil {
					fmt.Fprintf(out, "journal  %s %v\n", errorStyle.Render("BROKEN"), journalErr)
				} else {
					fmt.Fprintf(out, "journal  %s (%d records)\n", okStyle.Render("OK"), journalRecords)
				}
			}
		}

		if tampered || journalErr != nil {
			return errTampered
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyJournal, "journal", false, "also verify the event journal hash chain")
	rootCmd.AddCommand(verifyCmd)
}
