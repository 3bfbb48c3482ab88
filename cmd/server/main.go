package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"keygate/internal/config"
	"keygate/internal/headers"
	"keygate/internal/logging"
	"keygate/internal/notify"
	"keygate/internal/pool"
	"keygate/internal/proxy"
	"keygate/internal/ratelimit"
	"keygate/internal/rules"
	"keygate/internal/sandbox"
	"keygate/internal/scheduler"
	srv "keygate/internal/server"
	"keygate/internal/store"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	mgr, err := config.NewManager(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	defer mgr.Close()

	cfg := mgr.Get()
	if *debug {
		cfg.Server.Debug = true
	}
	if err := logging.Setup(cfg.Logging, cfg.Server.Debug); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}
	mgr.OnChange(func(c *config.FileConfig) {
		if err := logging.Setup(c.Logging, c.Server.Debug); err != nil {
			log.WithError(err).Warn("failed to re-apply logging config")
		}
	})

	log.Infof("Starting keygate (config: %s)", *configPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st := store.NewSQLiteStore(cfg.Database.Path)
	if err := st.Initialize(ctx); err != nil {
		log.WithError(err).Fatal("failed to initialize store")
	}
	defer st.Close()

	poolMgr := pool.NewManager(st)
	upstreams, err := st.ListUpstreams(ctx)
	if err != nil {
		log.WithError(err).Fatal("failed to list upstreams")
	}
	for _, up := range upstreams {
		if err := poolMgr.SyncUpstream(ctx, up.ID); err != nil {
			log.WithError(err).Warnf("failed to load key pool for upstream %s", up.Name)
		}
	}

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.Multi{notify.LogNotifier{}, notify.NewWebhookNotifier(cfg.Notify.WebhookURL)}
	}

	engine := rules.NewEngine(st, poolMgr, notifier)
	runner := sandbox.NewRunner()
	resolver := headers.NewResolver(st, runner)
	orch := proxy.NewOrchestrator(st, poolMgr, resolver, engine)

	var limiter *ratelimit.Limiter
	var memBackend *ratelimit.MemoryBackend
	if cfg.RateLimit.Enabled {
		var backend ratelimit.Backend
		if cfg.Redis.Addr != "" {
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			if err := client.Ping(ctx).Err(); err != nil {
				log.WithError(err).Warn("Redis unreachable, using in-memory rate limit windows")
				memBackend = ratelimit.NewMemoryBackend()
				backend = memBackend
			} else {
				log.Infof("Rate limit windows shared via Redis at %s", cfg.Redis.Addr)
				backend = ratelimit.NewRedisBackend(client, "")
			}
		} else {
			memBackend = ratelimit.NewMemoryBackend()
			backend = memBackend
		}
		limiter = ratelimit.NewLimiter(backend, cfg.RateLimit)
	}

	sched, err := scheduler.New(cfg.Scheduler, st, poolMgr, engine, memBackend)
	if err != nil {
		log.WithError(err).Fatal("failed to build scheduler")
	}
	sched.Start()
	defer sched.Stop()

	server := srv.New(cfg.Server, st, orch, runner, limiter)
	if err := server.Run(ctx); err != nil {
		log.WithError(err).Error("HTTP server exited with error")
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}
