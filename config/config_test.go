package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Fatalf("port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Signaling.Mode != "redis" {
		t.Fatalf("signaling mode = %q, want redis", cfg.Signaling.Mode)
	}
	if cfg.Engine.QualityInterval != 5*time.Second {
		t.Fatalf("quality interval = %v, want 5s", cfg.Engine.QualityInterval)
	}
	if cfg.Engine.MaxOutboundKbps != 1500 {
		t.Fatalf("max outbound = %d, want 1500", cfg.Engine.MaxOutboundKbps)
	}
	if cfg.Session.Mode != "call" {
		t.Fatalf("session mode = %q, want call", cfg.Session.Mode)
	}
	if len(cfg.WebRTC.STUNUrls) != 1 {
		t.Fatalf("stun urls = %v, want one default", cfg.WebRTC.STUNUrls)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("SIGNALING_MODE", "websocket")
	t.Setenv("WEBRTC_STUN_URLS", "stun:one.example.com:3478, stun:two.example.com:3478")
	t.Setenv("WEBRTC_TURN_URLS", "turn:relay.example.com:3478")
	t.Setenv("WEBRTC_TURN_USERNAME", "user")
	t.Setenv("WEBRTC_TURN_CREDENTIAL", "pass")
	t.Setenv("QUALITY_INTERVAL_SEC", "10")
	t.Setenv("SESSION_ID", "room-1")
	t.Setenv("SESSION_IDENTITY", "alice")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "9000" {
		t.Fatalf("port = %q", cfg.Server.Port)
	}
	if cfg.Signaling.Mode != "websocket" {
		t.Fatalf("signaling mode = %q", cfg.Signaling.Mode)
	}
	if len(cfg.WebRTC.STUNUrls) != 2 || cfg.WebRTC.STUNUrls[1] != "stun:two.example.com:3478" {
		t.Fatalf("stun urls = %v, want two trimmed entries", cfg.WebRTC.STUNUrls)
	}
	if cfg.Engine.QualityInterval != 10*time.Second {
		t.Fatalf("quality interval = %v", cfg.Engine.QualityInterval)
	}
	if cfg.Session.ID != "room-1" || cfg.Session.Identity != "alice" {
		t.Fatalf("session = %+v", cfg.Session)
	}
}

func TestICEServersIncludeTURNFallback(t *testing.T) {
	wc := WebRTCConfig{
		STUNUrls:       []string{"stun:stun.example.com:3478"},
		TURNUrls:       []string{"turn:relay.example.com:3478"},
		TURNUsername:   "user",
		TURNCredential: "pass",
	}
	servers := wc.ICEServers()
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want stun plus turn", len(servers))
	}
	turn := servers[1]
	if turn.Username != "user" || turn.Credential != "pass" {
		t.Fatalf("turn credentials not carried: %+v", turn)
	}
}

func TestICEServersSkipEmptyEntries(t *testing.T) {
	wc := WebRTCConfig{STUNUrls: []string{"", "stun:stun.example.com:3478"}}
	servers := wc.ICEServers()
	if len(servers) != 1 {
		t.Fatalf("got %d servers, want 1", len(servers))
	}
}
