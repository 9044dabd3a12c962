package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quantsignal/patterncast/internal/broadcast"
	"github.com/quantsignal/patterncast/internal/buffer"
	"github.com/quantsignal/patterncast/internal/bus"
	"github.com/quantsignal/patterncast/internal/cache"
	"github.com/quantsignal/patterncast/internal/config"
	ihttp "github.com/quantsignal/patterncast/internal/interfaces/http"
	"github.com/quantsignal/patterncast/internal/metrics"
	"github.com/quantsignal/patterncast/internal/query"
	"github.com/quantsignal/patterncast/internal/store"
	"github.com/quantsignal/patterncast/internal/subindex"
	"github.com/quantsignal/patterncast/internal/subscriber"
)

const alertRuleRefresh = time.Minute

// App owns the component lifecycle: bus, cache, index, buffer,
// broadcaster, subscriber, query surface. One instance per process,
// passed explicitly; request handlers never reach into globals.
type App struct {
	cfg     *config.Config
	metrics *metrics.Registry

	bus         bus.Bus
	cache       *cache.PatternCache
	index       *subindex.Index
	buffer      *buffer.Buffer
	broadcaster *broadcast.Broadcaster
	subscriber  *subscriber.Subscriber
	queries     *query.Service
	httpServer  *ihttp.Server
	ref         *store.Reference
}

// New initializes every component in dependency order, fail-fast: the
// first stage that cannot start aborts with the stage named.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	m := metrics.NewRegistry()
	a := &App{cfg: cfg, metrics: m}

	// Stage 1: bus connection.
	b, err := bus.New(cfg, m)
	if err != nil {
		return nil, fmt.Errorf("init bus: %w", err)
	}
	if err := b.Start(ctx); err != nil {
		return nil, fmt.Errorf("init bus: %w", err)
	}
	a.bus = b

	// Stage 2: pattern cache.
	a.cache = cache.New(cache.Options{
		TTL:         cfg.PatternTTL(),
		MaxEntries:  cfg.MaxCachedPatterns,
		ResponseTTL: cfg.ResponseCacheTTL(),
		Metrics:     m,
	})

	// Stage 3: subscription index.
	a.index = subindex.New()

	// Stage 5 depends on stage 6's sink, so the broadcaster is built
	// first; start order below still follows buffer before subscriber.
	a.broadcaster = broadcast.New(a.index, broadcast.Options{
		Workers:      cfg.BroadcastWorkers,
		RateLimit:    cfg.RateLimitEventsPerSec,
		SendDeadline: cfg.PerSendDeadline(),
		Metrics:      m,
	})
	a.buffer = buffer.New(cfg.BufferInterval(), cfg.BufferMaxSize, a.broadcaster, m)

	// Stage 6: event subscriber.
	a.subscriber = subscriber.New(b, cfg.Channels, a.cache, a.buffer, a.broadcaster, m)

	// Stage 7: query surface.
	a.queries = query.New(a.cache, a.subscriber, a.broadcaster, cfg.QueryDeadline(), m)
	a.queries.RegisterComponent("bus", a.bus, true)
	a.queries.RegisterComponent("subscriber", a.subscriber, true)
	a.queries.RegisterComponent("cache", a.cache, false)
	a.queries.RegisterComponent("index", a.index, false)
	a.queries.RegisterComponent("buffer", a.buffer, false)
	a.queries.RegisterComponent("broadcaster", a.broadcaster, false)

	a.httpServer = ihttp.NewServer(cfg.HTTPListen, a.queries, a.broadcaster, m)

	// Optional read-only settings store; absence only disables
	// pattern_alert rules.
	ref, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Warn().Err(err).Msg("Reference store unavailable, alert rules disabled")
	} else {
		a.ref = ref
	}
	if a.ref != nil {
		a.queries.RegisterComponent("store", a.ref, false)
	}

	return a, nil
}

// Run starts the background loops and blocks until the context is
// cancelled or a loop fails, then shuts down in reverse order with a
// final buffer flush.
func (a *App) Run(ctx context.Context) error {
	a.cache.Start()
	a.buffer.Start()
	a.broadcaster.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.subscriber.Run(gctx)
	})
	g.Go(func() error {
		return a.httpServer.ListenAndServe()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	})
	if a.ref != nil {
		g.Go(func() error {
			a.ref.WatchAlertRules(gctx, alertRuleRefresh, a.broadcaster.SetAlertRules)
			return nil
		})
	}

	log.Info().Str("bus_type", a.cfg.BusType).Str("http", a.cfg.HTTPListen).
		Msg("patterncast consumer running")
	err := g.Wait()

	a.shutdown()
	return err
}

// Health returns the aggregated health report.
func (a *App) Health() query.HealthReport {
	return a.queries.Health()
}

// Queries exposes the query service to embedding hosts.
func (a *App) Queries() *query.Service {
	return a.queries
}

// shutdown is the reverse-order teardown: the subscriber is already
// cancelled; drain the buffer through the still-running broadcaster,
// then close sessions, sweeper and bus.
func (a *App) shutdown() {
	log.Info().Msg("Shutting down")
	a.buffer.Stop()
	a.broadcaster.Stop()
	a.cache.Stop()
	if err := a.bus.Close(); err != nil {
		log.Warn().Err(err).Msg("Bus close failed")
	}
	if err := a.ref.Close(); err != nil {
		log.Warn().Err(err).Msg("Reference store close failed")
	}
	log.Info().Msg("Shutdown complete")
}
