package tracking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bmizerany/pat"

	"pixtrack/internal/tracking/archive"
	"pixtrack/internal/tracking/attribution"
	"pixtrack/internal/tracking/conversion"
	"pixtrack/internal/tracking/funnel"
	trackinghttp "pixtrack/internal/tracking/http"
	"pixtrack/internal/tracking/ledger"
	"pixtrack/internal/tracking/mapping"
	"pixtrack/internal/tracking/pay"
	"pixtrack/internal/tracking/reconcile"
	"pixtrack/internal/tracking/session"
	"pixtrack/internal/tracking/ws"
)

type moduleState struct {
	cfg      TrackingConfig
	logger   Logger
	mappings *mapping.RedisStore
	ledger   *ledger.Ledger
	engine   *reconcile.Engine
	funnel   *funnel.Service
	hub      *ws.Hub
	server   *trackinghttp.Server
}

func ensureModule(deps *TrackingDeps) (*moduleState, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.module != nil {
		return deps.module, nil
	}
	cfg := deps.Config
	if cfg.WebhookSecret == "" {
		deps.Logger.Errorf("tracking: TRIBOPAY_WEBHOOK_SECRET is not set, webhook authentication is disabled")
	}

	mappings := mapping.NewRedisStore(deps.RDB, deps.Logger, cfg.LatestWindow)
	var lookup mapping.Store = mappings
	if cfg.RemoteMappingURL != "" {
		remote, err := mapping.NewClient(mapping.ClientConfig{BaseURL: cfg.RemoteMappingURL, Client: deps.HTTPClient, Logger: deps.SLog})
		if err != nil {
			return nil, err
		}
		lookup = remote
	}

	var (
		ledgerStore ledger.Store
		audit       conversion.AuditLog
	)
	if deps.DB != nil {
		ledgerStore = ledger.NewSQLStore(deps.DB, deps.Dialect)
		audit = conversion.NewSQLAudit(deps.DB, deps.Dialect)
	} else {
		deps.Logger.Infof("tracking: no database configured, ledger and audit log are in memory")
		ledgerStore = ledger.NewMemoryStore()
		audit = conversion.NewMemoryAudit()
	}
	l := ledger.New(ledgerStore)

	tracker, err := buildTracker(deps)
	if err != nil {
		return nil, err
	}
	hub := ws.NewHub(deps.Logger)
	emitter := conversion.NewEmitter(conversion.EmitterConfig{
		Tracker:  tracker,
		Audit:    audit,
		Notifier: hub,
		Logger:   deps.Logger,
	})
	engine := reconcile.NewEngine(l, emitter, deps.Logger)

	payClient, err := pay.NewClient(pay.TribopayConfig{
		APIToken:     cfg.TribopayAPIToken,
		BaseURL:      cfg.TribopayBaseURL,
		PostbackURL:  cfg.PostbackURL(),
		CoverURL:     cfg.TribopayCoverURL,
		SalePageURL:  cfg.TribopaySalePageURL,
		ExpireInDays: cfg.TribopayExpireInDays,
		Products:     pay.NewRedisProductCache(deps.RDB, cfg.ProductCacheTTL),
		Client:       deps.HTTPClient,
		Logger:       deps.SLog,
	})
	if err != nil {
		return nil, err
	}

	svc := funnel.New(funnel.Deps{
		Codec:           attribution.NewCodec(mapping.Lookup{Store: lookup}, deps.Logger),
		Mappings:        lookup,
		Sessions:        session.NewRedisStore(deps.RDB, cfg.SessionTTL),
		Ledger:          l,
		Engine:          engine,
		Charger:         payClient,
		Logger:          deps.Logger,
		ActivePixWindow: cfg.ActivePixWindow,
	})

	arch, err := buildArchive(deps)
	if err != nil {
		return nil, err
	}

	server := trackinghttp.NewServer(trackinghttp.Deps{
		Funnel:      svc,
		Engine:      engine,
		Ledger:      l,
		Mappings:    mappings,
		Linker:      mapping.NewLinker(mappings),
		WebhookAuth: pay.WebhookAuth{Secret: cfg.WebhookSecret},
		Archive:     arch,
		Logger:      deps.Logger,
	})

	deps.module = &moduleState{
		cfg:      cfg,
		logger:   deps.Logger,
		mappings: mappings,
		ledger:   l,
		engine:   engine,
		funnel:   svc,
		hub:      hub,
		server:   server,
	}
	return deps.module, nil
}

func buildTracker(deps *TrackingDeps) (conversion.Tracker, error) {
	cfg := deps.Config
	var trackers conversion.MultiTracker
	if cfg.XtrackyToken != "" {
		x, err := conversion.NewXtrackyTracker(conversion.XtrackyConfig{
			URL:    cfg.XtrackyURL,
			Token:  cfg.XtrackyToken,
			Client: deps.HTTPClient,
			Logger: deps.SLog,
		})
		if err != nil {
			return nil, err
		}
		trackers = append(trackers, x)
	}
	w := deps.KafkaWriter
	if w == nil && len(cfg.KafkaBrokers) > 0 {
		w = conversion.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	if w != nil {
		trackers = append(trackers, conversion.NewKafkaTracker(w))
	}
	switch len(trackers) {
	case 0:
		return nil, errors.New("tracking: no conversion sink configured (XTRACKY_TOKEN or KAFKA_BROKERS)")
	case 1:
		return trackers[0], nil
	}
	return trackers, nil
}

func buildArchive(deps *TrackingDeps) (archive.Archiver, error) {
	cfg := deps.Config
	if cfg.ArchiveBucket == "" {
		return archive.Nop{}, nil
	}
	api := deps.S3
	if api == nil {
		var err error
		api, err = archive.NewS3Session(archive.S3Config{
			Endpoint:  cfg.ArchiveEndpoint,
			Region:    cfg.ArchiveRegion,
			Bucket:    cfg.ArchiveBucket,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
		})
		if err != nil {
			return nil, err
		}
	}
	return archive.NewS3Archive(api, cfg.ArchiveBucket, cfg.ArchivePrefix)
}

// RegisterTrackingRoutes wires HTTP and WebSocket routes into the provided
// mux. service guards the internal endpoints and the conversion feed.
func RegisterTrackingRoutes(mux *pat.PatternServeMux, deps *TrackingDeps, service func(http.Handler) http.Handler) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	module.server.Register(mux, service)
	feed := http.Handler(http.HandlerFunc(module.hub.ServeWS))
	if service != nil {
		feed = service(feed)
	}
	mux.Get("/ws/conversions", feed)
	return nil
}

// StartTrackingWorkers launches the retention and expiry sweeps.
func StartTrackingWorkers(ctx context.Context, deps *TrackingDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	go module.runSweeps(ctx)
	return nil
}

func (m *moduleState) runSweeps(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.sweep(ctx, time.Now()); err != nil {
				m.logger.Errorf("tracking sweep: %v", err)
			}
		}
	}
}

// sweep purges old mappings and expires charges that never settled.
func (m *moduleState) sweep(ctx context.Context, now time.Time) error {
	var errs []error
	if m.cfg.MappingRetention > 0 {
		n, err := m.mappings.Purge(ctx, now.Add(-m.cfg.MappingRetention))
		if err != nil {
			errs = append(errs, fmt.Errorf("purge mappings: %w", err))
		} else if n > 0 {
			m.logger.Infof("tracking sweep: purged %d mappings", n)
		}
	}
	if m.cfg.PendingMaxAge > 0 {
		n, err := m.ledger.ExpireStale(ctx, m.cfg.PendingMaxAge)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire stale: %w", err))
		} else if n > 0 {
			m.logger.Infof("tracking sweep: expired %d pending transactions", n)
		}
	}
	return errors.Join(errs...)
}
