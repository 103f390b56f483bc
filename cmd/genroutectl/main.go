package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/genroute/config"
	"github.com/vnmchuo/genroute/internal/app"
	"github.com/vnmchuo/genroute/internal/identity"
	"github.com/vnmchuo/genroute/internal/logging"
	"github.com/vnmchuo/genroute/internal/registry"
	"github.com/vnmchuo/genroute/internal/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "genroutectl",
		Short: "Inspect providers and run workflow files against genroute",
		Long: `genroutectl validates workflow definitions, runs them locally through the
same router the gateway uses, and shows how providers are ranked.

Configuration is read from the environment and .env, like the gateway.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level for the local router")

	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(runCmd(&logLevel))
	rootCmd.AddCommand(providersCmd())
	return rootCmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check workflow files for schema errors, dangling references and cycles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				def, err := readDefinition(path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s: %s (%d steps)\n", path, def.Name, len(def.Steps))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d workflow files invalid", failed, len(args))
			}
			return nil
		},
	}
}

func runCmd(logLevel *string) *cobra.Command {
	var (
		vars   []string
		dryRun bool
		user   string
		output string
	)

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute a workflow file and print the run record",
		Long: `Runs a workflow definition to completion using the configured providers.

Use --dry-run to answer every step with the local echo provider. No API keys
are needed and nothing leaves the process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			inputs, err := parseVars(vars)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if dryRun {
				dryRunConfig(cfg, def)
			}

			log := logging.NewWithOutput("genroutectl", *logLevel, false, cmd.ErrOrStderr())
			stack, err := app.Build(cfg, app.Deps{}, log)
			if err != nil {
				return err
			}

			run, err := stack.Engine.Run(cmd.Context(), def, workflow.RunRequest{
				Inputs: inputs,
				Caller: identity.Caller{UserID: user},
			})
			if err != nil {
				return err
			}

			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(run); err != nil {
					return err
				}
			} else {
				printRun(cmd.OutOrStdout(), run)
			}
			if run.Status != workflow.RunCompleted {
				return fmt.Errorf("run %s %s: %s", run.ID, run.Status, run.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "workflow input as key=value (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "route every step to the echo provider")
	cmd.Flags().StringVar(&user, "user", "cli", "user id recorded on the run")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table or json")
	return cmd
}

func providersCmd() *cobra.Command {
	var strategy string

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List providers in the order the router would try them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			reg, err := app.BuildRegistry(cfg)
			if err != nil {
				return err
			}

			s := cfg.RoutingStrategy
			if strategy != "" {
				if s, err = registry.ParseStrategy(strategy); err != nil {
					return err
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RANK\tNAME\tKIND\tMODEL\tIN $/MTOK\tOUT $/MTOK\tLATENCY")
			for i, d := range reg.Rank(s) {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.3f\t%.3f\t%dms\n",
					i+1, d.Name, d.Kind, d.Model, d.CostPerMTokenIn, d.CostPerMTokenOut, d.TypicalLatencyMs)
			}
			for _, d := range reg.All() {
				if !d.Configured {
					fmt.Fprintf(w, "-\t%s\t%s\t%s\t%.3f\t%.3f\t%dms\n",
						d.Name, d.Kind, d.Model, d.CostPerMTokenIn, d.CostPerMTokenOut, d.TypicalLatencyMs)
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", "cheapest, fastest or specified")
	return cmd
}

func readDefinition(path string) (*workflow.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return workflow.ParseDefinition(data)
}

func parseVars(vars []string) (map[string]string, error) {
	inputs := make(map[string]string, len(vars))
	for _, v := range vars {
		key, value, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", v)
		}
		inputs[key] = value
	}
	return inputs, nil
}

// dryRunConfig routes every step to echo and turns off external tracing.
func dryRunConfig(cfg *config.Config, def *workflow.Definition) {
	cfg.OpenAIAPIKey = ""
	cfg.AnthropicAPIKey = ""
	cfg.GeminiAPIKey = ""
	cfg.ProviderCatalog = ""
	cfg.WorkflowDir = ""
	cfg.EnableEchoProvider = true
	cfg.TokenEncoding = "heuristic"
	for i := range def.Steps {
		def.Steps[i].Provider = ""
		def.Steps[i].Model = ""
	}
	if def.Settings.Strategy == registry.StrategySpecified {
		def.Settings.Strategy = ""
	}
}

func printRun(out io.Writer, run *workflow.Run) {
	fmt.Fprintf(out, "run %s  workflow=%s  status=%s  cost=$%.6f  latency=%dms\n",
		run.ID, run.Workflow, run.Status, run.TotalCostUSD, run.TotalLatencyMs)
	if run.Error != "" {
		fmt.Fprintf(out, "error: %s (%s)\n", run.Error, run.ErrorKind)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATUS\tPROVIDER\tCOST\tCACHED\tOUTPUT")
	for _, s := range run.Steps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.6f\t%v\t%s\n",
			s.StepID, s.Status, s.Provider, s.CostUSD, s.Cached, preview(s.Output, s.Error))
	}
	_ = w.Flush()
}

func preview(output, errMsg string) string {
	s := output
	if s == "" {
		s = errMsg
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}
