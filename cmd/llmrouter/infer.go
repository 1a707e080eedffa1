package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-llmrouter/internal/llm"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

var (
	model       string
	maxTokens   int
	temperature float64
	seed        int64
)

var inferCmd = &cobra.Command{
	Use:   "infer [prompt]",
	Short: "Run a single inference request",
	Long: `Run a single inference request and print the generated text.

Examples:
  llmrouter infer "Write a haiku about Go"
  llmrouter infer --model llama-3 --temperature 0 "2+2="
  llmrouter infer --json "Hello"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInfer,
}

var streamCmd = &cobra.Command{
	Use:   "stream [prompt]",
	Short: "Stream tokens as they are generated",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStream,
}

func init() {
	rootCmd.AddCommand(inferCmd, streamCmd)

	for _, cmd := range []*cobra.Command{inferCmd, streamCmd} {
		cmd.Flags().StringVar(&model, "model", "", "model id (server default when empty)")
		cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "max tokens (0 = server default)")
		cmd.Flags().Float64Var(&temperature, "temperature", -1, "sampling temperature (negative = server default)")
		cmd.Flags().Int64Var(&seed, "seed", 0, "sampling seed (0 = unset)")
	}
}

// requestFromFlags builds a request for prompt using the sampling flags.
func requestFromFlags(prompt string) *transport.InferenceRequest {
	req := &transport.InferenceRequest{Prompt: prompt, ModelID: model}

	var opts transport.InferenceOptions
	set := false
	if maxTokens > 0 {
		opts.MaxTokens = &maxTokens
		set = true
	}
	if temperature >= 0 {
		opts.Temperature = &temperature
		set = true
	}
	if seed != 0 {
		opts.Seed = &seed
		set = true
	}
	if set {
		req.Options = &opts
	}
	return req
}

func runInfer(cmd *cobra.Command, args []string) error {
	req := requestFromFlags(strings.Join(args, " "))
	return withClient(cmd, func(ctx context.Context, c *llm.Client) error {
		resp, err := c.Inference(ctx, req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
		if resp.Cached {
			logger.Debug("served from cache")
		}
		return nil
	})
}

func runStream(cmd *cobra.Command, args []string) error {
	req := requestFromFlags(strings.Join(args, " "))
	return withClient(cmd, func(ctx context.Context, c *llm.Client) error {
		s, err := c.StreamInference(ctx, req)
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		for chunk := range s.All(ctx) {
			if err := chunk.Err(); err != nil {
				fmt.Fprintln(out)
				return err
			}
			if jsonOutput {
				if err := printJSON(out, chunk); err != nil {
					return err
				}
				continue
			}
			fmt.Fprint(out, chunk.Token)
		}
		if !jsonOutput {
			fmt.Fprintln(out)
		}
		return nil
	})
}
