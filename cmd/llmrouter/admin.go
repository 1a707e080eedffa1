package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-llmrouter/internal/llm"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

var (
	includeUnloaded bool
	loadFormat      string
	loadID          string
	forceReload     bool
	forceUnload     bool
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *llm.Client) error {
			h, err := c.HealthCheck(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), h)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status=%s version=%s uptime=%.0fs\n", h.Status, h.Version, h.Uptime)
			if !h.Healthy() {
				return fmt.Errorf("server is %s", h.Status)
			}
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and resource metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *llm.Client) error {
			status, err := c.Status(ctx)
			if err != nil {
				return err
			}
			metrics, err := c.Metrics(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"status": status, "metrics": metrics})
		})
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List and manage server models",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *llm.Client) error {
			models, err := c.ListModels(ctx, includeUnloaded)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), models)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tFORMAT\tLOADED")
			for _, m := range models {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", m.ID, m.Name, m.Format, m.Loaded)
			}
			return tw.Flush()
		})
	},
}

var modelGetCmd = &cobra.Command{
	Use:   "get <model-id>",
	Short: "Show one model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *llm.Client) error {
			m, err := c.GetModel(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		})
	},
}

var modelLoadCmd = &cobra.Command{
	Use:   "load <source>",
	Short: "Load a model from a path or URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &transport.LoadModelRequest{
			Source:      args[0],
			Format:      loadFormat,
			ID:          loadID,
			ForceReload: forceReload,
		}
		return withClient(cmd, func(ctx context.Context, c *llm.Client) error {
			resp, err := c.LoadModel(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		})
	},
}

var modelUnloadCmd = &cobra.Command{
	Use:   "unload <model-id>",
	Short: "Unload a model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *llm.Client) error {
			resp, err := c.UnloadModel(ctx, args[0], forceUnload)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		})
	},
}

func init() {
	rootCmd.AddCommand(healthCmd, statusCmd, modelsCmd)
	modelsCmd.AddCommand(modelGetCmd, modelLoadCmd, modelUnloadCmd)

	modelsCmd.Flags().BoolVar(&includeUnloaded, "all", false, "include models that are not loaded")
	modelLoadCmd.Flags().StringVar(&loadFormat, "format", "", "model format, e.g. gguf")
	modelLoadCmd.Flags().StringVar(&loadID, "id", "", "id to register the model under")
	modelLoadCmd.Flags().BoolVar(&forceReload, "force", false, "reload if already loaded")
	modelUnloadCmd.Flags().BoolVar(&forceUnload, "force", false, "unload even while requests are running")
}
