package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/dotflow"
	"github.com/petal-labs/dotflow/bus"
	"github.com/petal-labs/dotflow/engine"
	"github.com/petal-labs/dotflow/llm"
	"github.com/petal-labs/dotflow/llm/anthropic"
	"github.com/petal-labs/dotflow/llm/compat"
	"github.com/petal-labs/dotflow/llm/gemini"
	"github.com/petal-labs/dotflow/llm/openai"
	"github.com/petal-labs/dotflow/loader"
	dfotel "github.com/petal-labs/dotflow/otel"
	"github.com/petal-labs/dotflow/validate"
)

type rootFlags struct {
	envFile     string
	logsRoot    string
	resume      bool
	vars        []string
	eventsDB    string
	traceOTLP   bool
	metricsOTLP bool
	simulate    bool
	model       string
	provider    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "dotflow",
		Short:         "Graph-driven pipeline runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Missing env files are fine; explicit paths are not.
			if flags.envFile != "" {
				if err := godotenv.Load(flags.envFile); err != nil {
					fmt.Fprintln(os.Stderr, "warning:", err)
				}
			} else {
				_ = godotenv.Load()
			}
		},
	}

	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "env file to load before running")
	root.AddCommand(newRunCmd(flags), newValidateCmd(), newScheduleCmd(flags))
	return root
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <pipeline-file>",
		Short: "Execute a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.logsRoot, "logs", "", "logs root directory (default under the system temp dir)")
	cmd.Flags().BoolVar(&flags.resume, "resume", false, "resume from an existing checkpoint")
	cmd.Flags().StringArrayVar(&flags.vars, "var", nil, "initial context entry (key=value, repeatable)")
	cmd.Flags().StringVar(&flags.eventsDB, "events-db", "", "SQLite DSN for event persistence")
	cmd.Flags().BoolVar(&flags.traceOTLP, "trace", false, "export OTLP traces")
	cmd.Flags().BoolVar(&flags.metricsOTLP, "metrics", false, "export OTLP metrics")
	cmd.Flags().BoolVar(&flags.simulate, "simulate", false, "use the simulated LLM backend")
	cmd.Flags().StringVar(&flags.model, "model", "", "default model for codergen nodes")
	cmd.Flags().StringVar(&flags.provider, "provider", "anthropic", "default LLM provider")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipeline-file>",
		Short: "Parse and validate a pipeline, printing diagnostics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loader.LoadFile(args[0])
			if err != nil {
				return err
			}
			diags, err := engine.Prepare(g)
			for _, d := range diags {
				fmt.Println(d.String())
			}
			if err != nil {
				return fmt.Errorf("validation failed")
			}
			fmt.Printf("ok: %d nodes, %d edges\n", len(g.Nodes()), len(g.Edges))
			return nil
		},
	}
}

func newScheduleCmd(flags *rootFlags) *cobra.Command {
	var spec string
	cmd := &cobra.Command{
		Use:   "schedule <pipeline-file>",
		Short: "Run a pipeline on a cron schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if spec == "" {
				return fmt.Errorf("--cron is required")
			}
			c := cron.New()
			_, err := c.AddFunc(spec, func() {
				if err := runPipeline(cmd.Context(), args[0], flags); err != nil {
					fmt.Fprintln(os.Stderr, "scheduled run failed:", err)
				}
			})
			if err != nil {
				return fmt.Errorf("invalid cron spec: %w", err)
			}
			c.Start()
			defer c.Stop()
			fmt.Printf("scheduled %s (%s); ctrl-c to stop\n", args[0], spec)
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&spec, "cron", "", "cron spec, e.g. \"0 * * * *\"")
	cmd.Flags().BoolVar(&flags.simulate, "simulate", false, "use the simulated LLM backend")
	cmd.Flags().StringVar(&flags.model, "model", "", "default model for codergen nodes")
	cmd.Flags().StringVar(&flags.provider, "provider", "anthropic", "default LLM provider")
	return cmd
}

func runPipeline(ctx context.Context, path string, flags *rootFlags) error {
	g, err := loader.LoadFile(path)
	if err != nil {
		return err
	}

	diags, err := engine.Prepare(g)
	for _, d := range diags {
		if d.Severity != validate.SeverityInfo {
			fmt.Fprintln(os.Stderr, d.String())
		}
	}
	if err != nil {
		return err
	}

	handlers := []dotflow.EventHandler{consoleEventHandler()}

	if flags.eventsDB != "" {
		store, serr := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: flags.eventsDB})
		if serr != nil {
			return serr
		}
		defer store.Close()
		handlers = append(handlers, bus.StoreHandler(store, func(err error) {
			fmt.Fprintln(os.Stderr, "event store:", err)
		}))
	}

	var tracing *dfotel.TracingHandler
	if flags.traceOTLP {
		exporter, terr := otlptracehttp.New(ctx)
		if terr != nil {
			return terr
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
		tracing = dfotel.NewTracingHandler(tp.Tracer("dotflow"))
	}

	if flags.metricsOTLP {
		exporter, merr := otlpmetrichttp.New(ctx)
		if merr != nil {
			return merr
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mp.Shutdown(shutdownCtx)
		}()
		metrics, merr := dfotel.NewMetricsHandler(mp.Meter("dotflow"))
		if merr != nil {
			return merr
		}
		handlers = append(handlers, metrics.Handler())
	}

	handler := dotflow.MultiEventHandler(handlers...)
	if tracing != nil {
		// The tracing handler sees each event first so enrichment can
		// stamp the live span onto everything fanned out downstream.
		handler = dotflow.MultiEventHandler(tracing.Handler(), dfotel.EnrichHandler(handler, tracing))
	}

	backend, err := buildBackend(flags)
	if err != nil {
		return err
	}

	registry := engine.NewDefaultRegistry(backend, engine.AutoApproveInterviewer{}, nil)
	eng := engine.New(g, registry, engine.RunOptions{
		LogsRoot:       flags.logsRoot,
		Resume:         flags.resume,
		InitialContext: parseVars(flags.vars),
		EventHandler:   handler,
	})

	result, err := eng.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s (%d stages, logs at %s)\n",
		result.RunID, result.FinalStatus, len(result.CompletedNodes), result.LogsRoot)
	if result.FinalStatus == dotflow.FinalFail {
		return fmt.Errorf("pipeline failed at %s: %s", result.FailedNode, result.FailureReason)
	}
	return nil
}

func buildBackend(flags *rootFlags) (engine.Backend, error) {
	if flags.simulate {
		return engine.SimulatedBackend{}, nil
	}

	client := llm.NewClient(flags.provider)
	client.Register(anthropic.New(anthropic.Config{APIKey: os.Getenv("ANTHROPIC_API_KEY")}))
	client.Register(openai.New(openai.Config{APIKey: os.Getenv("OPENAI_API_KEY")}))
	client.Register(gemini.New(gemini.Config{APIKey: os.Getenv("GEMINI_API_KEY")}))
	if base := os.Getenv("COMPAT_BASE_URL"); base != "" {
		client.Register(compat.New(compat.Config{
			BaseURL: base,
			APIKey:  os.Getenv("COMPAT_API_KEY"),
		}))
	}
	return engine.NewLLMBackend(client, flags.model), nil
}

func parseVars(pairs []string) map[string]any {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		out[key] = value
	}
	return out
}

func consoleEventHandler() dotflow.EventHandler {
	return func(e dotflow.Event) {
		switch e.Kind {
		case dotflow.EventStageStarted:
			fmt.Printf("-> %s (attempt %d)\n", e.NodeID, e.Attempt)
		case dotflow.EventStageCompleted:
			fmt.Printf("   %s: %v\n", e.NodeID, e.Payload["status"])
		case dotflow.EventStageFailed:
			fmt.Printf("   %s failed: %v\n", e.NodeID, e.Payload["reason"])
		case dotflow.EventStageRetrying:
			fmt.Printf("   %s retrying in %vms\n", e.NodeID, e.Payload["delay_ms"])
		}
	}
}
