package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zen-systems/storyloom/pkg/adapter"
	"github.com/zen-systems/storyloom/pkg/config"
	"github.com/zen-systems/storyloom/pkg/gateway"
	"github.com/zen-systems/storyloom/pkg/parse"
	"github.com/zen-systems/storyloom/pkg/persona"
	"github.com/zen-systems/storyloom/pkg/pipeline"
	"github.com/zen-systems/storyloom/pkg/router"
	"github.com/zen-systems/storyloom/pkg/story"
	"github.com/zen-systems/storyloom/pkg/trace"
)

var (
	routingFile string
	verbose     bool
	logger      *zap.Logger
	aliases     *config.ModelAliases
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "storyloom",
		Short: "Staged LLM pipeline that turns a request into a reviewed story",
		Long: `Storyloom runs an input through a staged pipeline of persona-scoped
model invocations and prints the goal artifact. The packaged pipeline
drafts a story from the request, has a critic review the draft, and
ends with an editor reworking it into the final cut. Each stage is
routed to the provider configured for its kind of work.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = newLogger(verbose)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&routingFile, "config", "", "path to routing config file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "log each stage as it runs")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(personasCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return cfg.Build()
}

func runCmd() *cobra.Command {
	var (
		pipelineFile string
		adapterFlag  string
		modelFlag    string
		mockFlag     bool
		retries      int
		traceDir     string
		jsonFlag     bool
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run [input]",
		Short: "Run a pipeline over an input and print the goal artifact",
		Long: `Runs the packaged story pipeline, or the manifest given with --pipeline,
over the input. The input comes from the argument or from stdin and is
capped at the configured word limit before any stage sees it.

Stages are routed by their criteria unless --adapter forces every stage
to a single target. --mock runs offline against the scripted mock
adapter. A run is all or nothing; --retries re-runs the whole pipeline
when the failure was transient or a parse rejection.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(args)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			p, err := loadPipeline(pipelineFile, cfg.Defaults)
			if err != nil {
				return err
			}

			runner, err := buildRunner(cfg, runnerOptions{
				mock:        mockFlag,
				adapterName: adapterFlag,
				model:       modelFlag,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			started := time.Now().UTC()
			userInput := pipeline.NewInput(input)
			result, err := runWithRetries(ctx, runner, p, userInput, retries)
			if err != nil {
				if traceDir != "" {
					record := failedRunRecord(p, userInput, started, err)
					if runDir, terr := writeTrace(traceDir, record, nil); terr == nil {
						fmt.Fprintf(os.Stderr, "Trace: %s\n", runDir)
					}
				}
				return err
			}

			if traceDir != "" {
				runDir, err := writeTrace(traceDir, result.Record, result.Records)
				if err != nil {
					return fmt.Errorf("failed to write trace: %w", err)
				}
				fmt.Fprintf(os.Stderr, "Trace: %s\n", runDir)
			}
			fmt.Fprintf(os.Stderr, "Run %s: %d stages in %dms\n",
				result.RunID, len(result.Records), result.Record.DurationMillis)

			if jsonFlag {
				data, err := json.MarshalIndent(result.Goal, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			fmt.Println(result.Goal.Content)
			return nil
		},
	}

	cmd.Flags().StringVarP(&pipelineFile, "pipeline", "f", "", "pipeline manifest path (defaults to the packaged story pipeline)")
	cmd.Flags().StringVar(&adapterFlag, "adapter", "", "force every stage to this adapter (anthropic, openai, google, deepseek, mock)")
	cmd.Flags().StringVar(&modelFlag, "model", "", "force every stage to this model (requires --adapter)")
	cmd.Flags().BoolVar(&mockFlag, "mock", false, "run offline against the scripted mock adapter")
	cmd.Flags().IntVar(&retries, "retries", 0, "re-run the pipeline on transient or parse failures")
	cmd.Flags().StringVar(&traceDir, "trace-dir", "", "write run and stage trace records under this directory")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "print the goal artifact as JSON instead of its content")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall run timeout (0 disables)")

	return cmd
}

func serveCmd() *cobra.Command {
	var (
		addr         string
		pipelineFile string
		mockFlag     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline over HTTP",
		Long: `Starts an HTTP server exposing POST /v1/runs and GET /v1/healthz.
Every request executes one full run of the configured pipeline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			p, err := loadPipeline(pipelineFile, cfg.Defaults)
			if err != nil {
				return err
			}

			runner, err := buildRunner(cfg, runnerOptions{mock: mockFlag})
			if err != nil {
				return err
			}

			server, err := gateway.NewServer(runner, p, logger)
			if err != nil {
				return err
			}

			httpServer := &http.Server{
				Addr:    addr,
				Handler: server.Handler(),
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error {
				logger.Info("listening", zap.String("addr", addr), zap.String("pipeline", p.Name))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			group.Go(func() error {
				<-ctx.Done()
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})

			return group.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVarP(&pipelineFile, "pipeline", "f", "", "pipeline manifest path (defaults to the packaged story pipeline)")
	cmd.Flags().BoolVar(&mockFlag, "mock", false, "serve the scripted mock adapter instead of live providers")

	return cmd
}

func personasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List the personas stages can run as",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			registry, err := buildRegistry(cfg)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDESCRIPTION")
			for _, name := range registry.Names() {
				p, err := registry.Get(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\n", p.Name, p.Description)
			}
			return w.Flush()
		},
	}
}

func modelsCmd() *cobra.Command {
	var resolveFlag bool
	var validateFlag bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List available adapters, models, and aliases",
		Long: `Lists adapters and their available models.

Use --resolve to show aliases and what they resolve to.
Use --validate to check all models in the routing config resolve to valid models.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if resolveFlag {
				return showAliases()
			}

			if validateFlag {
				return validateAliases(cfg)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODELS\tSTATUS")

			providers := aliases.ListProviders()
			if len(providers) == 0 {
				providers = []string{"anthropic", "deepseek", "google", "openai", "mock"}
			}

			for _, provider := range providers {
				models := strings.Join(aliases.GetProviderModels(provider), ", ")
				status := "no key"
				if cfg.HasAdapter(provider) || provider == "mock" {
					status = "ready"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", provider, models, status)
			}

			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&resolveFlag, "resolve", false, "show aliases and what they resolve to")
	cmd.Flags().BoolVar(&validateFlag, "validate", false, "check all models in the routing config resolve to valid models")

	return cmd
}

func showAliases() error {
	if aliases == nil {
		fmt.Println("No model aliases configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tMODEL\tPROVIDER")

	aliasMap := aliases.ListAliases()
	var aliasNames []string
	for name := range aliasMap {
		aliasNames = append(aliasNames, name)
	}
	sort.Strings(aliasNames)

	for _, alias := range aliasNames {
		model := aliasMap[alias]
		fmt.Fprintf(w, "%s\t%s\t%s\n", alias, model, aliases.GetProviderForModel(model))
	}

	return w.Flush()
}

func validateAliases(cfg *config.Config) error {
	if aliases == nil {
		fmt.Println("No model aliases configured, nothing to validate.")
		return nil
	}

	errs := aliases.ValidateRoutingConfig(cfg.Routing)
	if len(errs) == 0 {
		fmt.Println("All models in the routing config are valid.")
		return nil
	}

	fmt.Fprintf(os.Stderr, "Found %d validation errors:\n", len(errs))
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "  - %s\n", err)
	}
	return fmt.Errorf("validation failed")
}

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Show how stage criteria map to adapters and models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK TYPE\tADAPTER\tMODEL\tTRIGGERS")

			var names []string
			for name := range cfg.Routing.TaskTypes {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				tt := cfg.Routing.TaskTypes[name]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, tt.Adapter, tt.Model, strings.Join(tt.Triggers, ", "))
			}

			fmt.Fprintln(w)
			fmt.Fprintf(w, "DEFAULT\t%s\t%s\t-\n", cfg.Routing.Default.Adapter, cfg.Routing.Default.Model)

			return w.Flush()
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [pipeline.yaml]",
		Short: "Validate a pipeline manifest",
		Long:  "Validates pipeline YAML without executing: stage names, dependencies, schemas, and the goal stage.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.LoadManifest(args[0])
			if err != nil {
				return err
			}
			if err := p.Validate(); err != nil {
				return err
			}
			fmt.Printf("Pipeline %q is valid: %d stages, goal %q.\n", p.Name, len(p.Stages), p.GoalStage().Name)
			return nil
		},
	}
}

func readInput(args []string) (string, error) {
	var input string
	if len(args) == 1 {
		input = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		input = string(data)
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("input is required: pass it as an argument or on stdin")
	}
	return input, nil
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if routingFile != "" {
		cfg, err = config.LoadWithRoutingFile(routingFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	aliases = cfg.Aliases

	return cfg, nil
}

func loadPipeline(path string, defaults config.Defaults) (*pipeline.Pipeline, error) {
	if path == "" {
		return story.Pipeline(defaults), nil
	}
	return pipeline.LoadManifest(path)
}

// buildRegistry starts from the packaged personas and adds any defined
// in the user's personas.yaml. Names must not collide.
func buildRegistry(cfg *config.Config) (*persona.Registry, error) {
	personas := story.Personas()

	path := filepath.Join(cfg.ConfigDir, "personas.yaml")
	if _, err := os.Stat(path); err == nil {
		extra, err := persona.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load personas from %s: %w", path, err)
		}
		personas = append(personas, extra...)
	}

	return persona.NewRegistry(personas...)
}

type runnerOptions struct {
	mock        bool
	adapterName string
	model       string
}

func buildRunner(cfg *config.Config, opts runnerOptions) (*pipeline.Runner, error) {
	adapters, err := createAdapters(cfg, opts.mock)
	if err != nil {
		return nil, err
	}

	routing := cfg.Routing
	if opts.mock {
		routing = mockRouting()
	}
	switch {
	case opts.adapterName != "":
		routing, err = forcedRouting(adapters, opts.adapterName, opts.model)
		if err != nil {
			return nil, err
		}
	case opts.model != "":
		return nil, fmt.Errorf("--model requires --adapter")
	default:
		routing, err = pruneRouting(routing, adapters)
		if err != nil {
			return nil, err
		}
	}

	rt, err := router.New(adapters, routing, router.WithAliases(aliases))
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	runnerOpts := []pipeline.Option{pipeline.WithDefaults(cfg.Defaults)}
	if verbose {
		runnerOpts = append(runnerOpts, pipeline.WithLogger(logger.Sugar().Infof))
	}
	return pipeline.New(registry, rt, runnerOpts...)
}

func createAdapters(cfg *config.Config, mockOnly bool) (map[string]adapter.Adapter, error) {
	if mockOnly {
		return map[string]adapter.Adapter{"mock": storyMock()}, nil
	}

	adapters := make(map[string]adapter.Adapter)

	if cfg.AnthropicAPIKey != "" {
		a, err := adapter.NewAnthropicAdapter(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic adapter: %w", err)
		}
		adapters["anthropic"] = a
	}

	if cfg.OpenAIAPIKey != "" {
		a, err := adapter.NewOpenAIAdapter(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai adapter: %w", err)
		}
		adapters["openai"] = a
	}

	if cfg.GoogleAPIKey != "" {
		a, err := adapter.NewGoogleAdapter(cfg.GoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create google adapter: %w", err)
		}
		adapters["google"] = a
	}

	if cfg.DeepSeekAPIKey != "" {
		a, err := adapter.NewDeepSeekAdapter(cfg.DeepSeekAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create deepseek adapter: %w", err)
		}
		adapters["deepseek"] = a
	}

	adapters["mock"] = adapter.NewMockAdapter()

	return adapters, nil
}

// storyMock scripts responses for the packaged story pipeline so offline
// runs complete end to end. Prompts from other pipelines echo back.
func storyMock() *adapter.MockAdapter {
	return adapter.NewMockAdapter().
		Respond("Review this story draft",
			`{"verdict": "approve", "strengths": ["complete arc", "clear stakes"], "issues": []}`).
		Respond("Rework this draft",
			`{"story": "The mock draft, reworked into its final cut.", "summary": "A stand-in story from the offline adapter.", "changes": ["tightened the opening"]}`)
}

func mockRouting() *config.RoutingConfig {
	return &config.RoutingConfig{
		Default: config.RouteTarget{Adapter: "mock", Model: "mock-1"},
	}
}

func forcedRouting(adapters map[string]adapter.Adapter, name, model string) (*config.RoutingConfig, error) {
	a, ok := adapters[name]
	if !ok {
		return nil, fmt.Errorf("adapter %q not available", name)
	}
	if model == "" {
		if models := a.Models(); len(models) > 0 {
			model = models[0]
		}
	}
	if model == "" {
		return nil, fmt.Errorf("adapter %q lists no models, pass --model", name)
	}
	return &config.RoutingConfig{
		Default: config.RouteTarget{Adapter: name, Model: model},
	}, nil
}

// pruneRouting drops task types whose adapter has no API key so the
// router can be built from what is actually available. Criteria that
// matched a dropped task type resolve to the default route instead.
func pruneRouting(cfg *config.RoutingConfig, adapters map[string]adapter.Adapter) (*config.RoutingConfig, error) {
	if _, ok := adapters[cfg.Default.Adapter]; !ok {
		return nil, fmt.Errorf("default route needs adapter %q which has no API key; set the key or use --adapter or --mock", cfg.Default.Adapter)
	}

	pruned := &config.RoutingConfig{
		TaskTypes: make(map[string]config.TaskType, len(cfg.TaskTypes)),
		Default:   cfg.Default,
	}
	for name, tt := range cfg.TaskTypes {
		if _, ok := adapters[tt.Adapter]; !ok {
			logger.Warn("task type disabled, its adapter has no API key",
				zap.String("task_type", name),
				zap.String("adapter", tt.Adapter))
			continue
		}
		pruned.TaskTypes[name] = tt
	}
	return pruned, nil
}

const (
	retryBaseBackoffMs = 200
	retryMaxBackoffMs  = 2000
)

// runWithRetries re-runs the whole pipeline when a run fails in a way a
// fresh attempt could fix: a transient provider error or a parse
// rejection of model output. Runs are all or nothing, so a retry never
// resumes mid-pipeline.
func runWithRetries(ctx context.Context, runner *pipeline.Runner, p *pipeline.Pipeline, input pipeline.UserInput, retries int) (*pipeline.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		result, err := runner.Run(ctx, p, input)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable(err) || attempt == retries {
			break
		}

		backoff := computeBackoff(retryBaseBackoffMs, retryMaxBackoffMs, attempt)
		logger.Warn("run failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if err := sleepWithContext(ctx, backoff); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func retryable(err error) bool {
	var parseErr *parse.Error
	if errors.As(err, &parseErr) {
		return true
	}
	return adapter.IsTransient(err)
}

func computeBackoff(baseMs, maxMs, attempt int) time.Duration {
	backoff := time.Duration(baseMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= time.Duration(maxMs)*time.Millisecond {
			return time.Duration(maxMs) * time.Millisecond
		}
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func failedRunRecord(p *pipeline.Pipeline, input pipeline.UserInput, started time.Time, runErr error) trace.RunRecord {
	return trace.RunRecord{
		RunID:          uuid.NewString(),
		Pipeline:       p.Name,
		StartedAt:      started,
		InputHash:      trace.HashText(input.Content),
		Status:         string(pipeline.StatusFailed),
		DurationMillis: time.Since(started).Milliseconds(),
		Error:          runErr.Error(),
	}
}

func writeTrace(dir string, record trace.RunRecord, stages []trace.StageRecord) (string, error) {
	writer, err := trace.NewWriter(dir, record.RunID)
	if err != nil {
		return "", err
	}
	if err := writer.WriteRun(record); err != nil {
		return "", err
	}
	for _, stage := range stages {
		if err := writer.WriteStage(stage); err != nil {
			return "", err
		}
	}
	return writer.RunDir(), nil
}
