package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	adornnats "github.com/wehubfusion/Adorn/internal/nats"
	"github.com/wehubfusion/Adorn/internal/tracing"
	"github.com/wehubfusion/Adorn/pkg/concurrency"
	"github.com/wehubfusion/Adorn/pkg/config"
	"github.com/wehubfusion/Adorn/pkg/dom"
	"github.com/wehubfusion/Adorn/pkg/fetch"
	"github.com/wehubfusion/Adorn/pkg/orchestrator"
	"github.com/wehubfusion/Adorn/pkg/registry"
	"github.com/wehubfusion/Adorn/pkg/report"
	"github.com/wehubfusion/Adorn/pkg/scheduler"
)

type simulateOptions struct {
	markOptions
	script   string
	identity string
	location string
	params   map[string]string
	timeout  time.Duration
	showHTML bool
}

// simulation is the JSON printed by simulate.
type simulation struct {
	PageID   string           `json:"page_id"`
	Outcomes []report.Outcome `json:"outcomes"`
	HTML     string           `json:"html,omitempty"`
}

func newSimulateCmd() *cobra.Command {
	var opts simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate FILE",
		Short: "Run the full placement pipeline on an article and print the outcomes",
		Long: `simulate inserts markers, renders the article, binds one placement per
marker and drives every placement to a terminal state on a real event loop.

The widget is loaded from --script (a local file) or fetched from
--identity / --location (http(s):// or azblob://).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, args[0], &opts)
		},
	}
	opts.register(cmd)
	cmd.Flags().StringVar(&opts.script, "script", "", "Local widget script")
	cmd.Flags().StringVar(&opts.identity, "identity", "", "Widget resource identity (default: the script path)")
	cmd.Flags().StringVar(&opts.location, "location", "", "Fetch location when it differs from the identity")
	cmd.Flags().StringToStringVar(&opts.params, "param", nil, "Widget parameters as key=value")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", time.Minute, "Give up waiting for placements after this long")
	cmd.Flags().BoolVar(&opts.showHTML, "html", false, "Include the final page HTML")
	return cmd
}

func runSimulate(cmd *cobra.Command, path string, opts *simulateOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	doc, fm, err := loadDocument(path)
	if err != nil {
		return err
	}
	specs, err := opts.specs()
	if err != nil {
		return err
	}
	doc = opts.transform(doc)

	desc, fetcher, err := buildFetcher(opts, cfg, logger)
	if err != nil {
		return err
	}
	if desc.Params == nil {
		desc.Params = make(map[string]string)
	}
	if _, ok := desc.Params["cid"]; !ok && fm.ContentID != "" {
		desc.Params["cid"] = fm.ContentID
	}

	tracingCfg := tracing.DefaultConfig("adorn")
	tracingCfg.OTLPEndpoint = cfg.OTLPEndpoint
	shutdownTracing, err := tracing.Setup(ctx, tracingCfg, logger)
	if err != nil {
		return err
	}
	defer tracing.Shutdown(shutdownTracing, logger)

	reporter, closeReporter, err := buildReporter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeReporter()

	limiter := concurrency.NewLimiterWithCircuitBreaker(cfg.Fetch.MaxConcurrent,
		concurrency.NewCircuitBreaker(cfg.Fetch.BreakerThreshold, cfg.Fetch.BreakerReset))
	reg := registry.New(fetcher, registry.Options{Logger: logger, Limiter: limiter, Timeout: cfg.Fetch.Timeout})
	defer reg.Close()

	loop := scheduler.NewLoop(logger)
	defer loop.Close()

	o, err := orchestrator.New(loop, reg,
		orchestrator.WithConfig(cfg),
		orchestrator.WithLogger(logger),
		orchestrator.WithReporter(reporter))
	if err != nil {
		return err
	}

	prepared := o.Prepare(doc, specs...)
	page, err := dom.Parse(prepared.Text())
	if err != nil {
		return err
	}

	var bindErr error
	if err := loop.Do(ctx, func() { _, bindErr = o.Bind(page, desc) }); err != nil {
		return err
	}
	if bindErr != nil {
		return bindErr
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := o.Wait(waitCtx); err != nil {
		logger.Warn("Placements still pending at teardown", zap.Error(err))
	}

	result := simulation{PageID: o.PageID()}
	if err := loop.Do(context.Background(), func() {
		o.Teardown()
		if opts.showHTML {
			result.HTML = page.HTML()
		}
	}); err != nil {
		return err
	}

	for _, out := range o.Outcomes() {
		result.Outcomes = append(result.Outcomes, report.FromPlacement(o.PageID(), out))
	}
	sort.Slice(result.Outcomes, func(i, j int) bool {
		return result.Outcomes[i].PlacementID < result.Outcomes[j].PlacementID
	})

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// buildFetcher returns the widget descriptor and a fetcher able to load it.
func buildFetcher(opts *simulateOptions, cfg *config.Config, logger *zap.Logger) (registry.Descriptor, registry.Fetcher, error) {
	desc := registry.Descriptor{Identity: opts.identity, Location: opts.location, Params: opts.params}

	router := fetch.NewRouter(fetch.NewHTTPFetcher(nil, logger))
	if cfg.Fetch.BlobConnectionString != "" {
		blobs, err := fetch.NewBlobFetcher(cfg.Fetch.BlobConnectionString, cfg.Fetch.BlobContainer, logger)
		if err != nil {
			return desc, nil, err
		}
		router.Handle(fetch.BlobScheme, blobs)
	}

	if opts.script != "" {
		body, err := os.ReadFile(opts.script)
		if err != nil {
			return desc, nil, fmt.Errorf("failed to read script: %w", err)
		}
		if desc.Identity == "" {
			abs, err := filepath.Abs(opts.script)
			if err != nil {
				return desc, nil, err
			}
			desc.Identity = "file://" + abs
		}
		router.Handle(fetch.Scheme(desc.Source()), fetch.NewStaticFetcher(map[string]string{desc.Source(): string(body)}))
	}

	if desc.Identity == "" {
		return desc, nil, fmt.Errorf("either --script or --identity is required")
	}
	return desc, router, nil
}

// buildReporter assembles the configured outcome sinks. The log sink is
// always present.
func buildReporter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (report.Reporter, func(), error) {
	reporters := report.Multi{report.NewLogReporter(logger)}
	var closers []func()

	if cfg.Report.NATSURL != "" {
		conn, err := adornnats.Connect(ctx, adornnats.DefaultConnectionConfig(cfg.Report.NATSURL), logger)
		if err != nil {
			return nil, nil, err
		}
		natsConfig := report.DefaultNATSConfig()
		natsConfig.Subject = cfg.Report.NATSSubject
		natsConfig.Logger = logger
		nr, err := report.NewNATSReporter(conn, natsConfig)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		reporters = append(reporters, nr)
		closers = append(closers, func() { _ = adornnats.Close(conn) })
	}

	if cfg.Report.SentryDSN != "" {
		sr, err := report.NewSentryReporter(sentry.ClientOptions{Dsn: cfg.Report.SentryDSN})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init sentry: %w", err)
		}
		reporters = append(reporters, sr)
		closers = append(closers, func() { sr.Flush(2 * time.Second) })
	}

	return reporters, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}
