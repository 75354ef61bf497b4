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

	"github.com/spf13/cobra"

	"github.com/bdobrica/michi/common/version"
	"github.com/bdobrica/michi/internal/michi/app"
	"github.com/bdobrica/michi/internal/michi/config"
	"github.com/bdobrica/michi/internal/michi/confirm"
	"github.com/bdobrica/michi/internal/michi/convctx"
	"github.com/bdobrica/michi/internal/michi/decompose"
	"github.com/bdobrica/michi/internal/michi/intent"
	"github.com/bdobrica/michi/internal/michi/observability"
)

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "michi",
		Short: "Natural-language command router for chat-driven automation",
		Long: `Michi turns free-form chat messages such as "run tests on judo and then
deploy it" into gated, executable actions. It resolves references against the
conversation, splits compound requests, classifies each part with a
confidence score and asks for confirmation before anything risky runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "michi.yaml", "config file path")

	root.AddCommand(
		newServeCmd(flags),
		newClassifyCmd(flags),
		newDecomposeCmd(flags),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the Matrix bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			logger := observability.Setup(cfg.Log.Level, cfg.Log.Format)
			logger.Info("starting michi", "version", version.Version, "commit", version.GitCommit)

			a, err := app.New(cfg, app.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("initialise michi: %w", err)
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
}

func newClassifyCmd(flags *rootFlags) *cobra.Command {
	var lastProject, lastCompany string
	cmd := &cobra.Command{
		Use:   "classify <text>",
		Short: "Show how a message is classified",
		Long: `Classifies a message with the rule tables from the configuration and
prints the result as JSON. Nothing is executed and nothing is learned.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, cfg, err := loadRules(flags.configPath)
			if err != nil {
				return err
			}
			gate, err := confirm.NewGate(cfg.Confirm, nil, nil)
			if err != nil {
				return err
			}
			risk := intent.NewRiskPolicy(rules, cfg.Risk.EscalationSteps)
			c := intent.New(intent.Options{Rules: rules, Config: cfg.Classifier, Risk: &risk, Confirm: gate})
			in := c.Classify(context.Background(), strings.Join(args, " "), intent.Context{
				LastProject: lastProject,
				LastCompany: lastCompany,
			})
			return printJSON(cmd.OutOrStdout(), in)
		},
	}
	cmd.Flags().StringVar(&lastProject, "last-project", "", "project mentioned earlier in the conversation")
	cmd.Flags().StringVar(&lastCompany, "last-company", "", "company mentioned earlier in the conversation")
	return cmd
}

func newDecomposeCmd(flags *rootFlags) *cobra.Command {
	var lastRepo string
	cmd := &cobra.Command{
		Use:   "decompose <text>",
		Short: "Show how a compound message is split into steps",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, cfg, err := loadRules(flags.configPath)
			if err != nil {
				return err
			}
			vocab := rules.Vocabulary()
			d := decompose.New(decompose.Config{
				Verbs:            rules.ActionVerbs,
				ProtectedPhrases: rules.ProtectedPhrases,
				Vocabulary:       vocab,
				RuleOrder:        cfg.Context.RuleOrder,
			}, nil)

			var seed *convctx.State
			if lastRepo != "" {
				seed = &convctx.State{LastRepo: lastRepo}
			}
			text := strings.Join(args, " ")
			out := cmd.OutOrStdout()
			if plan := d.DecomposeIn(text, seed); plan != nil {
				for i, st := range plan.Steps {
					line := fmt.Sprintf("%d. %s", i+1, st.Text)
					if st.Condition != "" && len(st.DependsOn) > 0 {
						line += fmt.Sprintf("  (only if step %d succeeds)", st.DependsOn[0]+1)
					}
					fmt.Fprintln(out, line)
				}
				return nil
			}
			segs := d.SplitIn(text, seed)
			for i, s := range segs {
				fmt.Fprintf(out, "%d. %s\n", i+1, s.Text)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&lastRepo, "last-repo", "", "repository mentioned earlier in the conversation")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}
}

func loadRules(configPath string) (*intent.Rules, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RulesPath == "" {
		rules, err := intent.DefaultRules()
		return rules, cfg, err
	}
	rules, err := intent.LoadRulesFile(cfg.RulesPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load rules %s: %w", cfg.RulesPath, err)
	}
	return rules, cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
