package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v3"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Signaling SignalingConfig
	WebRTC    WebRTCConfig
	Engine    EngineConfig
	Session   SessionConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string
	ReadTimeout  int
	WriteTimeout int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DatabaseConfig holds the optional PostgreSQL connection for session
// stamps. Empty URL disables persistence.
type DatabaseConfig struct {
	URL string
}

// SignalingConfig selects the signaling transport.
type SignalingConfig struct {
	// Mode is "redis" or "websocket".
	Mode string
	// RelayURL is the websocket relay base URL (websocket mode).
	RelayURL string
}

// WebRTCConfig holds the fixed STUN/TURN server list. The engine never
// discovers these dynamically.
type WebRTCConfig struct {
	STUNUrls       []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
	TURNUrls       []string
	TURNUsername   string
	TURNCredential string
}

// EngineConfig tunes the negotiation engine.
type EngineConfig struct {
	QualityInterval time.Duration
	ICERestartGrace time.Duration
	MaxOutboundKbps int
}

// SessionConfig identifies the session a peer agent joins.
type SessionConfig struct {
	ID       string
	Identity string
	// Mode is "call", "broadcast" or "view".
	Mode string
}

// ICEServers builds the webrtc server list from the configured STUN URLs
// and fallback TURN relays.
func (c WebRTCConfig) ICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.STUNUrls)+1)
	for _, u := range c.STUNUrls {
		if u != "" {
			out = append(out, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	if len(c.TURNUrls) > 0 {
		out = append(out, webrtc.ICEServer{
			URLs:       c.TURNUrls,
			Username:   c.TURNUsername,
			Credential: c.TURNCredential,
		})
	}
	return out
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Signaling: SignalingConfig{
			Mode:     getEnv("SIGNALING_MODE", "redis"),
			RelayURL: getEnv("SIGNALING_RELAY_URL", "ws://localhost:8080"),
		},
		WebRTC: WebRTCConfig{
			STUNUrls:       splitTrim(getEnv("WEBRTC_STUN_URLS", "stun:stun.l.google.com:19302"), ","),
			TURNUrls:       splitTrim(getEnv("WEBRTC_TURN_URLS", ""), ","),
			TURNUsername:   getEnv("WEBRTC_TURN_USERNAME", ""),
			TURNCredential: getEnv("WEBRTC_TURN_CREDENTIAL", ""),
		},
		Engine: EngineConfig{
			QualityInterval: time.Duration(getEnvInt("QUALITY_INTERVAL_SEC", 5)) * time.Second,
			ICERestartGrace: time.Duration(getEnvInt("ICE_RESTART_GRACE_SEC", 3)) * time.Second,
			MaxOutboundKbps: getEnvInt("MAX_OUTBOUND_KBPS", 1500),
		},
		Session: SessionConfig{
			ID:       getEnv("SESSION_ID", ""),
			Identity: getEnv("SESSION_IDENTITY", ""),
			Mode:     getEnv("SESSION_MODE", "call"),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
