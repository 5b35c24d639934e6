// Package main provides batchctl, a command-line front end that runs a
// document batch in-process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ai-batch-processor/internal/application"
	"ai-batch-processor/internal/config"
	"ai-batch-processor/internal/domain/model"
	"ai-batch-processor/internal/infra/logging"
	"ai-batch-processor/internal/infra/web"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cfgPath string
		dev     bool
	)
	cmd := &cobra.Command{
		Use:           "batchctl",
		Short:         "Run AI instructions over batches of documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to YAML config file")
	cmd.PersistentFlags().BoolVar(&dev, "dev", false, "developer mode (console logs)")

	load := func() (*config.Config, error) { return config.LoadConfig(cfgPath, dev) }
	cmd.AddCommand(runCmd(load), modelsCmd(load), tokenCmd(load))
	return cmd
}

func runCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		instruction string
		modelName   string
		provider    string
		outDir      string
		globs       []string
		outputJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "run [files...]",
		Short: "Process files and write <file>.out.md next to each (or into --out)",
		Long: `Process every input document with one instruction.

Examples:
  batchctl run --instruction "Summarise" notes.md
  batchctl run --instruction "Translate to English" --glob "docs/**/*.md" --out translated
  batchctl run --model gemini-2.0-flash -i "Extract action items" a.md b.md
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			files, err := application.CollectFiles(append(args, globs...))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := logging.NewWithWriter(os.Stderr, cfg.Log, cfg.Runtime.Dev)
			rt, err := application.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = rt.Close(closeCtx)
			}()

			out := cmd.OutOrStdout()
			var progress application.ProgressFunc
			if !outputJSON {
				progress = func(st model.SessionState, changed []model.JobSnapshot) {
					for _, js := range changed {
						if js.Status.Terminal() || js.Status == model.JobStatusRetryScheduled {
							fmt.Fprintf(out, "  %-10s %s%s\n", js.Status, js.Name, suffix(js))
						}
					}
					if st.IsWaitingForNextWindow {
						fmt.Fprintf(out, "  waiting %ds for the next rate window\n", st.SecondsUntilNextWindow)
					}
				}
				fmt.Fprintf(out, "Processing %d file(s)\n", len(files))
			}

			sum, err := application.NewRunner(rt.Batch, logger).Run(ctx, application.RunRequest{
				Instruction: instruction,
				Model:       modelName,
				Provider:    provider,
				Files:       files,
				OutDir:      outDir,
			}, progress)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					fmt.Fprintln(out, "\nInterrupted; remaining jobs aborted.")
				}
				return err
			}

			if outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sum)
			}
			fmt.Fprintf(out, "\nDone: %d succeeded, %d failed, %d aborted\n", sum.Succeeded, sum.Failed, sum.Aborted)
			for _, p := range sum.Outputs {
				fmt.Fprintf(out, "  wrote %s\n", p)
			}
			if sum.Failed > 0 {
				return fmt.Errorf("%d job(s) failed", sum.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&instruction, "instruction", "i", "", "instruction applied to every document")
	cmd.Flags().StringVarP(&modelName, "model", "m", "", "model name (defaults to ai.default_model)")
	cmd.Flags().StringVar(&provider, "provider", "", "force a provider instead of resolving it from the model")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory")
	cmd.Flags().StringSliceVarP(&globs, "glob", "g", nil, `input pattern, e.g. "docs/**/*.md" (repeatable)`)
	cmd.Flags().BoolVar(&outputJSON, "json", false, "print the summary as JSON")
	_ = cmd.MarkFlagRequired("instruction")
	return cmd
}

func suffix(js model.JobSnapshot) string {
	switch {
	case js.LastError != "":
		return " (" + js.LastError + ")"
	case js.Confidence != nil:
		return fmt.Sprintf(" (confidence %s %.2f)", js.Confidence.Level, js.Confidence.Score)
	}
	return ""
}

func modelsCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the configured model table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "default: %s (%s)\n", cfg.AI.DefaultModel, cfg.AI.DefaultProvider)
			for _, m := range cfg.AI.Models {
				fmt.Fprintf(out, "  %-28s %-8s %d per %s\n", m.Name, m.Provider, m.Limit, m.Window)
			}
			return nil
		},
	}
}

func tokenCmd(load func() (*config.Config, error)) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint an API bearer token signed with http.jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.HTTP.TokenTTL
			}
			auth := web.NewAuthManager(cfg.HTTP.JWTSecret, ttl)
			if !auth.Enabled() {
				return errors.New("http.jwt_secret is not set")
			}
			tok, err := auth.Mint(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to http.token_ttl)")
	return cmd
}
