// Package app wires Michi's components together and runs them.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/michi/common/clock"
	"github.com/bdobrica/michi/internal/michi/actions"
	"github.com/bdobrica/michi/internal/michi/config"
	"github.com/bdobrica/michi/internal/michi/confirm"
	"github.com/bdobrica/michi/internal/michi/convctx"
	"github.com/bdobrica/michi/internal/michi/decompose"
	"github.com/bdobrica/michi/internal/michi/dispatch"
	"github.com/bdobrica/michi/internal/michi/executor"
	"github.com/bdobrica/michi/internal/michi/intent"
	"github.com/bdobrica/michi/internal/michi/matrix"
	"github.com/bdobrica/michi/internal/michi/nlp"
	"github.com/bdobrica/michi/internal/michi/sched"
	"github.com/bdobrica/michi/internal/michi/store"
)

// Option customises New.
type Option func(*options)

type options struct {
	executor executor.Executor
	ai       nlp.Provider
	clock    clock.Clock
	logger   *slog.Logger
}

// WithExecutor replaces the step executor registry.
func WithExecutor(e executor.Executor) Option { return func(o *options) { o.executor = e } }

// WithAI replaces the configured AI provider.
func WithAI(p nlp.Provider) Option { return func(o *options) { o.ai = p } }

// WithClock sets the clock used for TTLs and history.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the base logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// App is a fully wired Michi instance.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.Store
	resolver   *convctx.Resolver
	decomposer *decompose.Decomposer
	classifier *intent.Classifier
	controller *actions.Controller
	gate       *confirm.Gate
	pipeline   *dispatch.Pipeline
	matrix     *matrix.Client

	tasks     []*sched.Task
	startedAt time.Time
}

// New builds every component from cfg. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := clock.OrReal(o.clock)

	a := &App{cfg: cfg, logger: logger, startedAt: clk.Now()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	rules, err := loadRules(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	vocab := rules.Vocabulary()

	var (
		corrections intent.CorrectionStore
		facts       intent.UserFacts
		audit       dispatch.Auditor
	)
	if cfg.DBPath != "" {
		a.store, err = store.New(cfg.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		corrections, facts, audit = a.store, a.store, a.store
	} else {
		logger.Warn("no db_path configured; corrections and history are kept in memory only")
	}

	a.resolver = convctx.NewResolver(cfg.Context.Config, vocab, clk, logger)
	a.decomposer = decompose.New(decompose.Config{
		Verbs:            rules.ActionVerbs,
		ProtectedPhrases: rules.ProtectedPhrases,
		Vocabulary:       vocab,
		RuleOrder:        cfg.Context.RuleOrder,
	}, logger)

	a.gate, err = confirm.NewGate(cfg.Confirm, clk, logger)
	if err != nil {
		return nil, err
	}

	learner := intent.NewLearner(corrections, clk, logger)
	if err := learner.Load(context.Background()); err != nil {
		return nil, err
	}
	history := intent.NewHistory(cfg.History, facts, clk, logger)

	ai := o.ai
	var limiter *nlp.RateLimiter
	if ai == nil && cfg.AI.APIKey != "" {
		provider, err := nlp.NewOpenAI(nlp.Config{
			APIKey:    cfg.AI.APIKey,
			BaseURL:   cfg.AI.BaseURL,
			Model:     cfg.AI.Model,
			MaxTokens: cfg.AI.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("ai provider: %w", err)
		}
		ai = provider
	}
	if ai != nil {
		limiter = nlp.NewRateLimiter(cfg.AI.RateLimit, cfg.AI.Window, clk)
		logger.Info("AI classifier fallback enabled", "model", cfg.AI.Model)
	}

	risk := intent.NewRiskPolicy(rules, cfg.Risk.EscalationSteps)
	a.classifier = intent.New(intent.Options{
		Rules:   rules,
		Config:  cfg.Classifier,
		Risk:    &risk,
		History: history,
		Learner: learner,
		AI:      ai,
		Limiter: limiter,
		Confirm: a.gate,
		Logger:  logger,
	})

	exec := o.executor
	if exec == nil {
		exec, err = a.executors()
		if err != nil {
			return nil, err
		}
	}
	a.controller = actions.New(actions.Options{
		Config:   cfg.Actions,
		Executor: exec,
		History:  history,
		Clock:    clk,
		Logger:   logger,
	})

	a.pipeline = dispatch.New(dispatch.Options{
		Resolver:   a.resolver,
		Decomposer: a.decomposer,
		Classifier: a.classifier,
		Controller: a.controller,
		Gate:       a.gate,
		Audit:      audit,
		Logger:     logger,
	})

	if cfg.Matrix.Enabled() {
		a.matrix, err = matrix.New(cfg.Matrix, a.dbOrNil(), logger)
		if err != nil {
			return nil, err
		}
		a.matrix.Bypass(dispatch.Interrupts)
	}

	a.tasks = []*sched.Task{
		sched.NewTask("context-sweep", cfg.Context.SweepInterval, func(context.Context) {
			if n := a.resolver.Sweep(); n > 0 {
				logger.Debug("expired conversation contexts", "count", n)
			}
		}, logger),
		sched.NewTask("confirmation-sweep", cfg.Confirm.SweepInterval, func(context.Context) {
			if n := a.gate.Sweep(); n > 0 {
				logger.Debug("expired pending confirmations", "count", n)
			}
		}, logger),
	}

	ok = true
	return a, nil
}

func loadRules(path string) (*intent.Rules, error) {
	if path == "" {
		return intent.DefaultRules()
	}
	rules, err := intent.LoadRulesFile(path)
	if err != nil {
		return nil, fmt.Errorf("load rules %s: %w", path, err)
	}
	return rules, nil
}

// executors builds the step registry: Docker for container steps when
// enabled, the simulator for the rest.
func (a *App) executors() (executor.Executor, error) {
	reg := executor.NewRegistry(executor.Simulated{Logger: a.logger})
	if a.cfg.Docker.Enabled {
		d, err := executor.NewDocker(a.logger)
		if err != nil {
			return nil, err
		}
		reg.Register(d, executor.DockerStepTypes...)
		a.logger.Info("docker executor enabled", "steps", executor.DockerStepTypes)
	}
	return reg, nil
}

func (a *App) dbOrNil() *sql.DB {
	if a.store == nil {
		return nil
	}
	return a.store.DB()
}

// Pipeline returns the message pipeline.
func (a *App) Pipeline() *dispatch.Pipeline { return a.pipeline }

// Classifier returns the intent classifier.
func (a *App) Classifier() *intent.Classifier { return a.classifier }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return newAPI(a) }

// Run starts the sweep tasks, the HTTP API and the Matrix client, and blocks
// until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	var ln net.Listener
	if addr := a.cfg.HTTP.Addr; addr != "" {
		var err error
		if ln, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("http: listen %s: %w", addr, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, t := range a.tasks {
		g.Go(func() error {
			t.Run(ctx)
			return nil
		})
	}

	if ln != nil {
		srv := &http.Server{
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("http api listening", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("http api shutdown error", "err", err)
			}
			return nil
		})
	}

	if a.matrix != nil {
		g.Go(func() error {
			a.logger.Info("starting matrix sync", "user", a.matrix.UserID())
			return a.matrix.Run(ctx, a.handleMatrix)
		})
	}

	a.logger.Info("michi is running")
	err := g.Wait()
	a.logger.Info("michi stopped")
	return err
}

func (a *App) handleMatrix(ctx context.Context, msg matrix.Message) string {
	reply := a.pipeline.Handle(ctx, dispatch.Message{
		UserID:         msg.Sender,
		ConversationID: msg.RoomID,
		Text:           msg.Body,
	})
	return reply.Text
}

// Close releases the store. It is safe to call more than once.
func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}
