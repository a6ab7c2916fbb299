// Alertrelay classifies incoming security alerts and relays them to ticketing and chat.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/alertrelay/internal/alertapi"
	"github.com/linnemanlabs/alertrelay/internal/authmw"
	ac "github.com/linnemanlabs/alertrelay/internal/cfg"
	"github.com/linnemanlabs/alertrelay/internal/classify/pattern"
	"github.com/linnemanlabs/alertrelay/internal/events"
	"github.com/linnemanlabs/alertrelay/internal/llm/claude"
	"github.com/linnemanlabs/alertrelay/internal/notify/slack"
	"github.com/linnemanlabs/alertrelay/internal/notify/telegram"
	"github.com/linnemanlabs/alertrelay/internal/policy"
	"github.com/linnemanlabs/alertrelay/internal/postgres"
	"github.com/linnemanlabs/alertrelay/internal/relay"
	"github.com/linnemanlabs/alertrelay/internal/relay/memstore"
	"github.com/linnemanlabs/alertrelay/internal/relay/pgstore"
	"github.com/linnemanlabs/alertrelay/internal/ticket/jira"
)

const appName = "alertrelay"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    ac.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix ALERTRELAY_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "ALERTRELAY_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// routing and pattern rules are loaded before anything starts so a bad file fails fast
	pol := policy.Default()
	if appCfg.PolicyFile != "" {
		p, err := policy.Load(appCfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
		pol = p
	}
	router, err := pol.Router()
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	chatBackend := appCfg.ChatBackend()

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"api_auth", appCfg.APITokens != "",
		"classifier", appCfg.Classifier,
		"policy_file", appCfg.PolicyFile,
		"routing_rules", router.Rules(),
		"jira_enabled", appCfg.JiraURL != "",
		"chat_backend", chatBackend,
		"nats_enabled", appCfg.NATSURL != "",
		"max_attempts", appCfg.MaxAttempts,
		"rate_limit", appCfg.RateLimit,
		"sweep_interval", appCfg.SweepInterval,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// link spans to profiles so a slow delivery span opens its flame graph
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Relay metrics on the shared Prometheus registry.
	relayMetrics := relay.NewMetrics(m.Registry())

	// Outbound calls to Jira, Slack and Anthropic carry trace context.
	outbound := &http.Client{
		Timeout:   appCfg.CallTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	// Initialize the alert store
	var store relay.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.PoolOptions{
			MaxConns:  int32(appCfg.DBMaxConns), //nolint:gosec // bounded by validation
			SlowQuery: appCfg.DBSlowQuery,
		})
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		L.Info(ctx, "using postgres store")

		// Register per-query DB duration histogram and wire the observer.
		dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alertrelay_db_query_duration_seconds",
			Help:    "Duration of individual database queries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "outcome"})
		m.Registry().MustRegister(dbQueryDuration)

		postgres.SetQueryObserver(postgres.QueryObserverFunc(
			func(_ context.Context, method, route, outcome string, dur time.Duration) {
				dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
			},
		))
	} else {
		store = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	// Initialize Claude client, used for classification and recommendations.
	var claudeClient *claude.Client
	if appCfg.ClaudeAPIKey != "" {
		opts := []option.RequestOption{option.WithHTTPClient(&http.Client{
			Timeout:   appCfg.ClassifyTimeout + 30*time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		})}
		if appCfg.ClaudeBaseURL != "" {
			opts = append(opts, option.WithBaseURL(appCfg.ClaudeBaseURL))
		}
		claudeClient = claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel, opts...).
			WithHooks(claude.Hooks{OnCall: relayMetrics.ObserveLLMCall})
		L.Info(ctx, "initialized LLM provider", "provider", claudeClient.Name(), "model", claudeClient.Model())
	}

	// Select the classification strategy.
	var strategy relay.Strategy
	switch appCfg.Classifier {
	case ac.ClassifierPattern, ac.ClassifierChain:
		patterns, err := pattern.New(pol.PatternRules())
		if err != nil {
			return fmt.Errorf("pattern classifier: %w", err)
		}
		strategy = patterns
		if appCfg.Classifier == ac.ClassifierChain {
			// the rules answer when the model is down or returns no usable label
			strategy = relay.Chain(claudeClient, patterns)
		}
		L.Info(ctx, "loaded classification patterns", "count", patterns.Len())
	default:
		strategy = claudeClient
	}
	classifier := relay.NewClassifier(strategy, appCfg.ClassifyTimeout, L)

	// Initialize ticketing.
	var tickets relay.TicketCreator
	if appCfg.JiraURL != "" {
		tickets = jira.New(jira.Config{
			BaseURL:    appCfg.JiraURL,
			Email:      appCfg.JiraEmail,
			APIToken:   appCfg.JiraAPIToken,
			Project:    appCfg.JiraProject,
			IssueType:  appCfg.JiraIssueType,
			NoPriority: appCfg.JiraNoPrio,
		}).WithHTTPClient(outbound)
		L.Info(ctx, "ticketing enabled", "type", "jira", "project", appCfg.JiraProject)
	}

	// Initialize chat notifications.
	var chat relay.ChatPoster
	var chatChannel string
	switch chatBackend {
	case ac.ChatSlack:
		n, err := slack.New(slack.Config{
			Token:      appCfg.SlackToken,
			Channel:    appCfg.SlackChannel,
			WebhookURL: appCfg.SlackWebhookURL,
		}, L)
		if err != nil {
			return fmt.Errorf("slack notifier: %w", err)
		}
		chat = n.WithHTTPClient(outbound)
		chatChannel = appCfg.SlackChannel
	case ac.ChatTelegram:
		n, err := telegram.New(appCfg.TelegramToken, appCfg.TelegramChatID, appCfg.TelegramCriticalChatID, outbound)
		if err != nil {
			return fmt.Errorf("telegram notifier: %w", err)
		}
		chat = n
	}
	if chat != nil {
		L.Info(ctx, "notifier enabled", "type", chatBackend)
	}

	// Optional lifecycle events on NATS.
	var (
		eventSink relay.EventSink
		nc        *nats.Conn
	)
	if appCfg.NATSURL != "" {
		nc, err = events.Connect(appCfg.NATSURL, v.AppName, L)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		eventSink = events.NewPublisher(nc, appCfg.NATSSubject)
		L.Info(ctx, "lifecycle events enabled", "subject_prefix", appCfg.NATSSubject)
	}

	dispatcher := relay.NewDispatcher(store, relay.DispatcherConfig{
		Tickets:     tickets,
		Chat:        chat,
		ChatChannel: chatChannel,
		Retry: relay.RetryPolicy{
			MaxAttempts:     appCfg.MaxAttempts,
			InitialInterval: appCfg.RetryInitial,
			MaxInterval:     appCfg.RetryMax,
			CallTimeout:     appCfg.CallTimeout,
		},
		RateLimit:       rate.Limit(appCfg.RateLimit),
		RateBurst:       appCfg.RateBurst,
		BreakerFailures: uint32(appCfg.BreakerFailures), //nolint:gosec // validated non-negative
		BreakerCooldown: appCfg.BreakerCooldown,
		Hooks:           relayMetrics.DispatchHooks(),
	}, L)

	opts := relay.Options{
		Events: eventSink,
		Hooks:  relayMetrics.ServiceHooks(),
	}
	if claudeClient != nil {
		opts.Recommender = claudeClient
	}

	// Initialize the relay service (owns lifecycle, per-alert locking, async dispatch).
	relaySvc := relay.NewService(store, classifier, router, dispatcher, L, opts)

	// Pick up alerts a previous process left mid-pipeline.
	if n, err := relaySvc.Resume(ctx); err != nil {
		L.Error(ctx, err, "resume unfinished alerts")
	} else if n > 0 {
		L.Info(ctx, "resumed unfinished alerts", "count", n)
	}

	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		if appCfg.SweepInterval > 0 {
			relaySvc.RunSweeper(ctx, appCfg.SweepInterval)
		}
	}()

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 64))

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes, behind bearer auth when tokens are configured
	alertapiHTTP := alertapi.New(L, relaySvc)
	r.Group(func(r chi.Router) {
		if tokens := authmw.SplitTokens(appCfg.APITokens); len(tokens) > 0 {
			r.Use(authmw.BearerToken(tokens...))
		}
		alertapiHTTP.RegisterRoutes(r)
	})

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	alertapiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start alertapi HTTP server with middleware and handlers
	alertapiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, alertapiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start alertapi http listener")
		return err
	}
	defer func() {
		err := alertapiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop alertapi http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"alertapi http server", alertapiHTTPStop},
		{"relay workers", func(ctx context.Context) error {
			return waitFor(ctx, func() { relaySvc.Wait(); <-sweeperDone })
		}},
		{"nats", func(ctx context.Context) error {
			if nc == nil {
				return nil
			}
			return nc.FlushWithContext(ctx)
		}},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		if s.fn == nil {
			continue
		}
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// waitFor runs fn and returns ctx.Err() if it does not finish in time.
// Alerts left mid-pipeline are resumed on the next start.
func waitFor(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
