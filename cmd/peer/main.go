// Package main runs a headless peer agent: it joins a session with a
// synthetic media source and negotiates with remote peers, or runs as a
// one-to-many broadcaster or viewer.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pulselive/meshrtc/config"
	"github.com/pulselive/meshrtc/internal/engine"
	"github.com/pulselive/meshrtc/internal/media"
	"github.com/pulselive/meshrtc/internal/sessionlog"
	"github.com/pulselive/meshrtc/internal/transport"
	"github.com/pulselive/meshrtc/pkg/database"
	"github.com/pulselive/meshrtc/pkg/redis"
	"github.com/pulselive/meshrtc/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Session.ID == "" {
		logger.Fatal("SESSION_ID is required")
	}
	identity := cfg.Session.Identity
	if identity == "" {
		identity = uuid.NewString()
	}

	ctx := context.Background()

	tr, closeTransport, err := newTransport(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("transport", zap.Error(err))
	}
	defer closeTransport()

	engineCfg := engine.Config{
		ICEServers:      cfg.WebRTC.ICEServers(),
		QualityInterval: cfg.Engine.QualityInterval,
		ICERestartGrace: cfg.Engine.ICERestartGrace,
		MaxOutboundKbps: cfg.Engine.MaxOutboundKbps,
	}

	var recorder engine.Recorder
	if cfg.Database.URL != "" {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.URL, logger)
		if err != nil {
			logger.Warn("database unavailable, session stamps disabled", zap.Error(err))
		} else {
			defer pool.Close()
			if err := database.Migrate(ctx, pool); err != nil {
				logger.Fatal("migrate", zap.Error(err))
			}
			recorder = sessionlog.NewRepository(pool)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	switch cfg.Session.Mode {
	case "call":
		runCall(ctx, cfg, identity, tr, engineCfg, recorder, quit, logger)
	case "broadcast":
		runBroadcast(ctx, cfg, identity, tr, engineCfg, quit, logger)
	case "view":
		runView(ctx, cfg, identity, tr, engineCfg, quit, logger)
	default:
		logger.Fatal("unknown SESSION_MODE", zap.String("mode", cfg.Session.Mode))
	}
}

func runCall(ctx context.Context, cfg *config.Config, identity string, tr transport.Transport,
	engineCfg engine.Config, recorder engine.Recorder, quit <-chan os.Signal, logger *zap.Logger) {

	source, err := media.NewSynthetic(identity, logger)
	if err != nil {
		logger.Fatal("media source", zap.Error(err))
	}

	session, err := engine.NewSession(cfg.Session.ID, identity, tr, engineCfg, logger)
	if err != nil {
		logger.Fatal("session", zap.Error(err))
	}
	if recorder != nil {
		session.SetRecorder(recorder)
	}

	go drainEvents(session.Events(), logger)
	go serveStatus(cfg.Server.Port, logger, func(c *gin.Context) {
		response.OK(c, gin.H{
			"state":    session.State().String(),
			"peers":    session.Peers(),
			"media":    session.MediaState(),
			"identity": identity,
		})
	})

	joinCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := session.Join(joinCtx, source); err != nil {
		logger.Fatal("join", zap.Error(err))
	}
	logger.Info("joined session",
		zap.String("session_id", cfg.Session.ID), zap.String("identity", identity))

	select {
	case <-quit:
	case <-session.Done():
	}
	session.Leave()
	logger.Info("left session")
}

func runBroadcast(ctx context.Context, cfg *config.Config, identity string, tr transport.Transport,
	engineCfg engine.Config, quit <-chan os.Signal, logger *zap.Logger) {

	source, err := media.NewSynthetic(identity, logger)
	if err != nil {
		logger.Fatal("media source", zap.Error(err))
	}

	b, err := engine.NewBroadcaster(cfg.Session.ID, identity, tr, source, engineCfg, logger)
	if err != nil {
		logger.Fatal("broadcaster", zap.Error(err))
	}

	go serveStatus(cfg.Server.Port, logger, func(c *gin.Context) {
		response.OK(c, gin.H{"viewers": b.ViewerCount(), "identity": identity})
	})

	if err := b.Start(ctx); err != nil {
		logger.Fatal("start broadcast", zap.Error(err))
	}
	logger.Info("broadcasting", zap.String("session_id", cfg.Session.ID))

	<-quit
	b.Stop()
	logger.Info("broadcast stopped")
}

func runView(ctx context.Context, cfg *config.Config, identity string, tr transport.Transport,
	engineCfg engine.Config, quit <-chan os.Signal, logger *zap.Logger) {

	v, err := engine.NewViewer(cfg.Session.ID, identity, tr, engineCfg, logger)
	if err != nil {
		logger.Fatal("viewer", zap.Error(err))
	}

	go drainEvents(v.Events(), logger)
	go serveStatus(cfg.Server.Port, logger, func(c *gin.Context) {
		response.OK(c, gin.H{"broadcaster": v.Broadcaster(), "identity": identity})
	})

	if err := v.Start(ctx); err != nil {
		logger.Fatal("start viewer", zap.Error(err))
	}
	logger.Info("viewing", zap.String("session_id", cfg.Session.ID))

	<-quit
	v.Stop()
	logger.Info("viewer stopped")
}

func newTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (transport.Transport, func(), error) {
	switch cfg.Signaling.Mode {
	case "websocket":
		return transport.NewWebSocket(cfg.Signaling.RelayURL, logger), func() {}, nil
	default:
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			return nil, nil, err
		}
		return transport.NewRedis(rdb.Client, logger), func() { _ = rdb.Close() }, nil
	}
}

func drainEvents(events <-chan engine.SessionEvent, logger *zap.Logger) {
	for ev := range events {
		switch ev.Kind {
		case engine.EventPeerJoined:
			logger.Info("peer joined", zap.String("peer", ev.Peer))
		case engine.EventPeerLeft:
			logger.Info("peer left", zap.String("peer", ev.Peer))
		case engine.EventTrackReceived:
			logger.Info("track received", zap.String("peer", ev.Peer))
		case engine.EventMediaStateChanged:
			logger.Debug("media state changed", zap.String("peer", ev.Peer))
		case engine.EventQualityChanged:
			logger.Info("connection quality",
				zap.String("peer", ev.Peer),
				zap.String("quality", string(ev.Quality)),
				zap.Float64("bitrate_bps", ev.Stats.BitrateBps),
				zap.Float64("loss_pct", ev.Stats.PacketLossPct),
				zap.Float64("latency_ms", ev.Stats.LatencyMs))
		case engine.EventStreamEnded:
			logger.Info("stream ended", zap.String("peer", ev.Peer))
		}
	}
}

// serveStatus exposes /health and /stats for the agent.
func serveStatus(port string, logger *zap.Logger, stats gin.HandlerFunc) {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/stats", stats)
	if err := http.ListenAndServe(":"+port, router); err != nil {
		logger.Warn("status server", zap.Error(err))
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
