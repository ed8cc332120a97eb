// The apply-delta command replays a deltafile against a project data file on
// disk, without a server or job queue. It is the offline counterpart of an
// apply job: same engine, same per-delta results.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tmelliott/fieldsync/internal/delta"
	"github.com/tmelliott/fieldsync/internal/deltafile"
)

var (
	flagInverse            bool
	flagOverwriteConflicts bool
	flagFeedback           string
)

func main() {
	cmd := &cobra.Command{
		Use:   "apply-delta <project-data> <deltafile>",
		Short: "Apply a deltafile to a project data file",
		Long: `Apply a deltafile to a project data file in place.

Each delta is applied atomically: a conflict or error rejects that delta as a
whole without touching the data, and never blocks the deltas after it. The
per-delta results are printed as JSON, or written to a file with --feedback.

The command exits 0 when every delta was applied (cleanly, forced, or as a
no-op) and 1 when any delta ended in conflict or error.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	cmd.Flags().BoolVar(&flagInverse, "inverse", false, "apply the deltafile's inverse, rolling its changes back")
	cmd.Flags().BoolVar(&flagOverwriteConflicts, "overwrite-conflicts", false, "force-apply new values over diverged canonical data")
	cmd.Flags().StringVar(&flagFeedback, "feedback", "", "write per-delta results to this file instead of stdout")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "apply-delta:", err)
		os.Exit(2)
	}
}

func run(cmd *cobra.Command, args []string) error {
	dataPath, deltaPath := args[0], args[1]

	pd, err := delta.Load(dataPath)
	if err != nil {
		return err
	}

	df, err := os.Open(deltaPath)
	if err != nil {
		return fmt.Errorf("open deltafile: %w", err)
	}
	file, err := deltafile.Parse(df)
	df.Close()
	if err != nil {
		return err
	}

	results := delta.Apply(pd, file, delta.Options{
		Inverse:            flagInverse,
		OverwriteConflicts: flagOverwriteConflicts,
	})

	if err := pd.Save(dataPath); err != nil {
		return err
	}
	if err := writeResults(results); err != nil {
		return err
	}

	if !delta.AllApplied(results) {
		// Feedback already carries the detail; the exit code is the signal.
		os.Exit(1)
	}
	return nil
}

func writeResults(results []delta.Result) error {
	b, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	b = append(b, '\n')

	if flagFeedback == "" {
		_, err := os.Stdout.Write(b)
		return err
	}
	if err := os.WriteFile(flagFeedback, b, 0o644); err != nil {
		return fmt.Errorf("write feedback: %w", err)
	}
	return nil
}
