// Command guardd runs the group guard: one protocol session per tenant, the
// moderation pipeline behind it, and the operator request surface on NATS.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/admin"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/ban"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/chat"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/config"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/credstore"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/database"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/enforce"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/events"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/exemption"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/logging"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/messaging"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/metrics"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/moderation"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/policy"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/ratelimit"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/report"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/session"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/stats"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/transport"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/transport/bridge"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/violation"
)

// policyCacheTTL is how long a policy edit made outside the guard can take
// to apply. bufferChats bounds the chats with recent-message context.
const (
	policyCacheSize = 4096
	policyCacheTTL  = 30 * time.Second
	bufferChats     = 4096
)

func main() {
	configPath := flag.String("config", os.Getenv("GUARD_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// The logger is configured from cfg, so this is the only plain exit.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("guardd exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Postgres: credentials, policy, moderation log.
	db, err := database.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.Postgres.Migrate {
		if err := database.Migrate(db); err != nil {
			return err
		}
		logger.Info("database migrated")
	}

	// Redis: violations, bans, counters, session status, rate limits.
	rdb, err := database.OpenRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// NATS: events, admin requests and the protocol bridge.
	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.Name = cfg.NATS.Name
	natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
	natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
	nc, err := messaging.NewNATSClient(natsCfg, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	publisher := events.NewNATSPublisher(nc, logger)

	policies := policy.NewPostgres(db)
	cached := policy.NewCached(policy.WithFallbacks(policies, policy.Fallbacks{
		OwnerNumber:      cfg.Moderation.OwnerNumber,
		Whitelist:        cfg.Moderation.Whitelist,
		ProtectAllGroups: cfg.Moderation.ProtectAllGroups,
	}), policyCacheSize, policyCacheTTL)

	violations := violation.NewTracker(rdb)
	bans := ban.NewStore(rdb)
	counters := stats.NewStore(rdb)

	var buffer *chat.MessageBuffer
	if cfg.Moderation.ContextMessages > 0 {
		buffer = chat.NewMessageBuffer(cfg.Moderation.ContextMessages, bufferChats)
	}

	enforcer := enforce.NewEngine(enforce.Config{QueryTimeout: cfg.Session.QueryTimeout},
		bans, counters, publisher, logger)

	pipeline := moderation.NewPipeline(moderation.Deps{
		Policies:   cached,
		Detections: policies,
		Filter:     moderation.NewFilter(moderation.NewMatcherCache(), moderation.Mode(cfg.Moderation.MatchMode)),
		Exemptions: exemption.NewResolver(exemption.Config{
			CacheTTL:     cfg.Moderation.AdminCacheTTL,
			QueryTimeout: cfg.Session.QueryTimeout,
		}, logger),
		Violations: violations,
		Enforcer:   enforcer,
		Counters:   counters,
		Buffer:     buffer,
		Reports:    report.NewStore(db),
		Events:     publisher,
	}, logger)

	engine := bridge.New(nc, bridge.Config{
		SubjectPrefix:  cfg.Bridge.SubjectPrefix,
		RequestsPerSec: cfg.Bridge.RequestsPerSec,
		Burst:          cfg.Bridge.Burst,
		EventBuffer:    cfg.Bridge.EventBuffer,
	}, logger)

	manager := session.NewManager(session.Config{
		ReconnectDelay:   cfg.Session.ReconnectDelay,
		HandshakeTimeout: cfg.Session.HandshakeTimeout,
		QueryTimeout:     cfg.Session.QueryTimeout,
		QRImage:          cfg.Session.QRImage,
		QRSize:           cfg.Session.QRSize,
	}, session.Deps{
		Engine:   engine,
		Creds:    credstore.New(credstore.NewPostgres(db), logger),
		Status:   session.NewStore(rdb),
		Policies: ownerSync{Postgres: policies, cache: cached},
		Events:   publisher,
		Handler: func(ctx context.Context, conn transport.Conn, tenantID string, msg transport.Message) {
			pipeline.Handle(ctx, conn, tenantID, msg)
		},
	}, logger)

	adminCfg := admin.DefaultConfig()
	adminCfg.Timeout = cfg.Session.QueryTimeout
	if n := cfg.Moderation.SendTextPerMinute; n > 0 {
		adminCfg.SendText = ratelimit.Rule{Key: ratelimit.RuleSendText.Key, Limit: n, Window: time.Minute}
	}
	handler := admin.NewHandler(adminCfg, manager, violations, bans, ratelimit.NewLimiter(rdb, logger), logger)
	if err := handler.Register(nc); err != nil {
		return err
	}

	if cfg.Session.RestoreOnBoot {
		n, err := manager.RestoreAll(ctx)
		if err != nil {
			logger.Warn("restore sessions", zap.Int("restored", n), zap.Error(err))
		} else {
			logger.Info("sessions restored", zap.Int("restored", n))
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/health", healthHandler(manager, []check{
		{name: "postgres", fn: db.PingContext},
		{name: "redis", fn: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		{name: "nats", fn: func(context.Context) error {
			if !nc.Connected() {
				return errors.New("not connected")
			}
			return nil
		}},
	}))
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", httpServer.Addr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	logger.Info("guardd running",
		zap.String("nats_url", cfg.NATS.URL),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.String("bridge_prefix", cfg.Bridge.SubjectPrefix),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown", zap.Error(err))
	}
	return runErr
}

// ownerSync drops the tenant's cached policy after the guard records a new
// owner number, so the exemption check sees it on the next message.
type ownerSync struct {
	*policy.Postgres
	cache *policy.Cached
}

func (o ownerSync) UpsertOwnerNumber(ctx context.Context, tenantID, number string) error {
	err := o.Postgres.UpsertOwnerNumber(ctx, tenantID, number)
	o.cache.Invalidate(tenantID)
	return err
}
