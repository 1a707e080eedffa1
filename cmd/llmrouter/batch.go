package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-llmrouter/internal/llm"
	"github.com/ahrav/go-llmrouter/internal/llm/batch"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

var (
	batchFile     string
	maxConcurrent int
	batchTimeout  time.Duration
	failFast      bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run one inference per input line concurrently",
	Long: `Run one inference request per non-empty line of the input file
(or standard input) and report each outcome in input order.

Examples:
  llmrouter batch --file prompts.txt --max-concurrent 8
  cat prompts.txt | llmrouter batch --fail-fast`,
	Args: cobra.NoArgs,
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().StringVar(&batchFile, "file", "", "file with one prompt per line (default stdin)")
	batchCmd.Flags().StringVar(&model, "model", "", "model id for every request")
	batchCmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "concurrent requests (0 = config default)")
	batchCmd.Flags().DurationVar(&batchTimeout, "timeout", 0, "overall batch deadline (0 = config default)")
	batchCmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop scheduling after the first failure")
}

// readPrompts returns the non-empty lines of r.
func readPrompts(r io.Reader) ([]string, error) {
	var prompts []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			prompts = append(prompts, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	return prompts, nil
}

func runBatch(cmd *cobra.Command, _ []string) error {
	in := cmd.InOrStdin()
	if batchFile != "" {
		f, err := os.Open(batchFile)
		if err != nil {
			return fmt.Errorf("open prompts: %w", err)
		}
		defer f.Close()
		in = f
	}

	prompts, err := readPrompts(in)
	if err != nil {
		return err
	}
	if len(prompts) == 0 {
		return fmt.Errorf("no prompts to run")
	}

	reqs := make([]*transport.InferenceRequest, len(prompts))
	for i, p := range prompts {
		reqs[i] = &transport.InferenceRequest{Prompt: p, ModelID: model}
	}

	return withClient(cmd, func(ctx context.Context, c *llm.Client) error {
		summary, err := c.BatchInference(ctx, reqs, batch.Options{
			MaxConcurrent: maxConcurrent,
			Timeout:       batchTimeout,
			FailFast:      failFast,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), summary)
		}
		printSummary(cmd.OutOrStdout(), summary)
		return nil
	})
}

func printSummary(w io.Writer, s *batch.Summary) {
	for _, o := range s.Outcomes {
		switch o.Status {
		case batch.StatusSucceeded:
			fmt.Fprintf(w, "[%d] ok: %s\n", o.Index, o.Response.Text)
		case batch.StatusFailed:
			fmt.Fprintf(w, "[%d] failed: %v\n", o.Index, o.Err)
		default:
			fmt.Fprintf(w, "[%d] %s\n", o.Index, o.Status)
		}
	}
	fmt.Fprintf(w, "total=%d succeeded=%d failed=%d skipped=%d elapsed=%s\n",
		s.Total, s.Succeeded, s.Failed, s.Skipped, s.Elapsed.Round(time.Millisecond))
}
