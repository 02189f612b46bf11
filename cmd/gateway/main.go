// Package main provides the gateway binary: the real-time WebSocket back
// end serving the launcher, anti-cheat, and matchmaking channels.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/arclight-studio/gateway/internal/anticheat"
	"github.com/arclight-studio/gateway/internal/catalog"
	"github.com/arclight-studio/gateway/internal/config"
	"github.com/arclight-studio/gateway/internal/leaderboard"
	"github.com/arclight-studio/gateway/internal/matchmaker"
	"github.com/arclight-studio/gateway/internal/moderation"
	"github.com/arclight-studio/gateway/internal/observability"
	"github.com/arclight-studio/gateway/internal/probe"
	"github.com/arclight-studio/gateway/internal/registry"
	"github.com/arclight-studio/gateway/internal/router"
	"github.com/arclight-studio/gateway/internal/server"
	"github.com/arclight-studio/gateway/internal/session"
	"github.com/arclight-studio/gateway/internal/storage/postgres"
	storageredis "github.com/arclight-studio/gateway/internal/storage/redis"
	"github.com/arclight-studio/gateway/internal/token"
	"github.com/arclight-studio/gateway/internal/transport"
)

const (
	banSweepInterval = time.Minute

	dbHealthInterval = 30 * time.Second
	dbHealthTimeout  = 5 * time.Second
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting gateway", zap.String("addr", cfg.Server.Addr()))

	// Connect to PostgreSQL for accounts, bans, and stats.
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	accountRepo := postgres.NewAccountRepository(pool.DB())
	banRepo := postgres.NewBanRepository(pool.DB())
	statsRepo := postgres.NewStatsRepository(pool.DB())

	// Connect to Redis for playlist preferences.
	redisClient, err := storageredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("connecting to redis", zap.Error(err))
	}
	defer redisClient.Close()
	playlists := storageredis.NewPlaylistStore(redisClient)

	verifier, err := token.NewVerifier(cfg.Auth.TokenSecret)
	if err != nil {
		logger.Fatal("creating token verifier", zap.Error(err))
	}

	// One registry per channel: the launcher heartbeat and the encrypted
	// guard ping must not cross channels.
	launcherReg := registry.NewRegistry(cfg.Registry, logger.Named("launcher"))
	guardReg := registry.NewRegistry(cfg.Registry, logger.Named("guard"))
	mmReg := registry.NewRegistry(cfg.Registry, logger.Named("matchmaking"))

	sessions := session.NewStore(launcherReg, logger)

	// Encrypted anti-cheat side channel.
	psk, err := cfg.Guard.Key()
	if err != nil {
		logger.Fatal("decoding guard preshared key", zap.Error(err))
	}
	reporter := anticheat.NewReporter(logger)
	guard := anticheat.NewChannel(psk, verifier, reporter, guardReg, logger)

	catalogProvider, err := catalog.NewProvider(cfg.Catalog, logger)
	if err != nil {
		logger.Fatal("loading catalog", zap.Error(err))
	}
	board := leaderboard.NewCache(cfg.Leaderboard, statsRepo, logger)

	servers, err := cfg.Matchmaking.ParsedServers()
	if err != nil {
		logger.Fatal("parsing game servers", zap.Error(err))
	}
	ticketRegistry := matchmaker.NewSessionRegistry()
	newMachine := func(conn matchmaker.ClientConn) *matchmaker.Machine {
		return matchmaker.NewMachine(cfg.Matchmaking, servers, conn,
			banRepo, accountRepo, playlists, ticketRegistry,
			probe.Reachable, logger)
	}

	serverList := router.NewServerList(servers, ticketRegistry,
		probe.Reachable, cfg.Matchmaking.ProbeTimeout)
	appRouter := router.New(cfg.Router, sessions, launcherReg, verifier,
		accountRepo, catalogProvider, board, serverList, logger)

	bind := func(bearer string) (session.Session, bool) {
		if bearer == "" {
			return session.Session{}, false
		}
		claims, err := verifier.Verify(bearer)
		if err != nil {
			logger.Debug("upgrade credential rejected", zap.Error(err))
			return session.Session{}, false
		}
		return session.Session{
			Token:           bearer,
			AccountID:       claims.Subject,
			Secret:          claims.Secret,
			DisplayName:     claims.DisplayName,
			IsAuthenticated: true,
		}, true
	}

	wsServer := transport.NewServer(cfg.Server,
		launcherReg, guardReg, mmReg,
		sessions, appRouter, guard, bind, newMachine,
		cfg.Router.MaxFrameBytes, logger)

	mod := moderation.NewService(sessions, launcherReg, banRepo,
		launcherReg, guardReg, mmReg, ticketRegistry, logger)
	shopRefresher := moderation.NewShopRefresher(catalogProvider, sessions, launcherReg, logger)

	heartbeatPayload, _ := json.Marshal(map[string]any{"type": "ping"})

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("websocket-server", wsServer)
	lifecycle.Add("launcher-heartbeat", server.NewPeriodicService(
		"launcher-heartbeat", cfg.Registry.HeartbeatInterval,
		func() { launcherReg.Heartbeat(heartbeatPayload) }, logger))
	lifecycle.Add("guard-ping", server.NewPeriodicService(
		"guard-ping", cfg.Guard.PingInterval,
		func() { guard.PingAll() }, logger))
	lifecycle.Add("stale-reaper", server.NewPeriodicService(
		"stale-reaper", cfg.Registry.ReapInterval,
		func() {
			launcherReg.ReapStale()
			guardReg.ReapStale()
			mmReg.ReapStale()
		}, logger))
	lifecycle.Add("ban-sweep", server.NewPeriodicService(
		"ban-sweep", banSweepInterval,
		func() { mod.SweepBans(ctx) }, logger))
	lifecycle.Add("shop-refresh", server.NewPeriodicService(
		"shop-refresh", cfg.Catalog.RefreshCheckInterval,
		func() { shopRefresher.Tick() }, logger))
	lifecycle.Add("db-health", server.NewPeriodicService(
		"db-health", dbHealthInterval,
		func() {
			if err := pool.Health(ctx, dbHealthTimeout); err != nil {
				stat := pool.Stat()
				logger.Error("database health check failed",
					zap.Error(err),
					zap.Int32("acquired_conns", stat.AcquiredConns()),
					zap.Int32("total_conns", stat.TotalConns()),
				)
			}
		}, logger))

	logger.Info("gateway wired",
		zap.Int("game_servers", len(servers)),
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("lifecycle failed", zap.Error(err))
	}
}
