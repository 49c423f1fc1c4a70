package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/casefile-hq/casefile/internal/pipeline"
	"github.com/casefile-hq/casefile/internal/types"
)

var (
	processDryRun    bool
	processNoDedup   bool
	processNoLinks   bool
	processThreshold float64
	processSource    string
	processKinds     []string
	batchConcurrency int
)

var processCmd = &cobra.Command{
	Use:   "process <transcript.json>",
	Short: "Process a single transcript synchronously",
	Long: `Reads one transcript from a JSON file (or stdin with "-") and runs it
through the pipeline, printing the per-entity outcome. Use --dry-run to
preview the create/update/relate decisions without writing anything.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var transcript types.Transcript
		if err := readJSONFile(args[0], &transcript); err != nil {
			return err
		}

		comps, err := buildComponents()
		if err != nil {
			return err
		}
		defer comps.Close()

		result, err := comps.processor.Process(cmd.Context(), &transcript, buildOptions())
		if err != nil {
			return err
		}
		printResult(result)
		if len(result.Errors) > 0 {
			os.Exit(1)
		}
		return nil
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <transcripts.json>",
	Short: "Process a batch of transcripts",
	Long: `Reads a JSON array of transcripts from a file (or stdin with "-") and
processes them concurrently, printing aggregate counters when done.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var transcripts []*types.Transcript
		if err := readJSONFile(args[0], &transcripts); err != nil {
			return err
		}
		if len(transcripts) == 0 {
			return fmt.Errorf("no transcripts in %s", args[0])
		}

		comps, err := buildComponents()
		if err != nil {
			return err
		}
		defer comps.Close()

		concurrency := batchConcurrency
		if concurrency == 0 {
			concurrency = comps.cfg.Concurrency
		}
		runner := pipeline.NewBatchRunner(comps.processor, concurrency)

		result := runner.Run(cmd.Context(), transcripts, buildOptions(), func(done, total int) {
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "\rprocessed %d/%d", done, total)
			}
		})
		if !jsonOutput {
			fmt.Fprintln(os.Stderr)
		}

		if jsonOutput {
			outputJSON(result)
		} else {
			c := result.Counters
			fmt.Printf("transcripts: %d  created: %d  updated: %d  skipped: %d  relationships: %d  failed: %d\n",
				c.Transcripts, c.Created, c.Updated, c.Skipped, c.RelationshipsCreated, c.Failed)
		}
		if result.Counters.Failed > 0 {
			os.Exit(1)
		}
		return nil
	},
}

func buildOptions() pipeline.Options {
	opts := pipeline.Options{
		DryRun:                 processDryRun,
		DeduplicationThreshold: processThreshold,
		SourceOverride:         types.SourceTag(processSource),
	}
	if processNoDedup {
		opts.EnableDeduplication = pipeline.Bool(false)
	}
	if processNoLinks {
		opts.CreateRelationships = pipeline.Bool(false)
	}
	for _, kind := range processKinds {
		opts.AllowedKinds = append(opts.AllowedKinds, types.EntityKind(kind))
	}
	return opts
}

func readJSONFile(path string, into any) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path) // #nosec G304 - input path from CLI arg
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func printResult(result *types.ProcessingResult) {
	if jsonOutput {
		outputJSON(result)
		return
	}

	if result.DryRun {
		fmt.Println("dry run: no changes written")
		for _, op := range result.PlannedOps {
			if op.MatchScore > 0 {
				fmt.Printf("  would %s %s %q (score %.1f)\n", op.Op, op.EntityKind, op.EntityName, op.MatchScore)
			} else {
				fmt.Printf("  would %s %s %q\n", op.Op, op.EntityKind, op.EntityName)
			}
		}
	}
	for _, ref := range result.Created {
		fmt.Printf("created %q (%s)\n", ref.Title, ref.ID)
	}
	for _, ref := range result.Updated {
		fmt.Printf("updated %q (%s)\n", ref.Title, ref.ID)
	}
	for _, skip := range result.Skipped {
		fmt.Printf("skipped %s %q: %s\n", skip.EntityKind, skip.EntityName, skip.Reason)
	}
	if result.RelationshipsCreated > 0 {
		fmt.Printf("relationships created: %d\n", result.RelationshipsCreated)
	}
	for _, warning := range result.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
	for _, rec := range result.Errors {
		fmt.Printf("error (%s): %s\n", rec.Kind, rec.Message)
	}
}

func init() {
	for _, cmd := range []*cobra.Command{processCmd, batchCmd} {
		cmd.Flags().BoolVar(&processDryRun, "dry-run", false, "Preview decisions without writing to the store")
		cmd.Flags().BoolVar(&processNoDedup, "no-dedup", false, "Skip deduplication; always create new pages")
		cmd.Flags().BoolVar(&processNoLinks, "no-links", false, "Skip relationship creation")
		cmd.Flags().Float64Var(&processThreshold, "threshold", 0, "Deduplication match threshold override (0-100)")
		cmd.Flags().StringVar(&processSource, "source", "", "Source tag override (voice_memo, google_meet, ...)")
		cmd.Flags().StringSliceVar(&processKinds, "kinds", nil, "Restrict extraction to these entity kinds")
	}
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "Concurrent transcripts (default: config concurrency)")
}
