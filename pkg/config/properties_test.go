package config_test

import (
	"testing"

	"github.com/taschik/ramcloud/pkg/config"
)

func TestNormalizeDefaults(t *testing.T) {
	cfg := &config.Config{}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if cfg.NodeID != "coordinator-1" {
		t.Errorf("NodeID default incorrect: %q", cfg.NodeID)
	}
	if cfg.RaftPort != 9070 {
		t.Errorf("RaftPort default incorrect: %d", cfg.RaftPort)
	}
	if cfg.SegletSize != 64*1024 {
		t.Errorf("SegletSize default incorrect: %d", cfg.SegletSize)
	}
	if cfg.SegmentSize != cfg.SegletSize {
		t.Errorf("SegmentSize not clamped to at least one seglet: %d", cfg.SegmentSize)
	}
	if cfg.MaxEnumerationPayload != 1<<20 {
		t.Errorf("MaxEnumerationPayload default incorrect: %d", cfg.MaxEnumerationPayload)
	}
}

func TestNormalizeRejectsBadSegletSize(t *testing.T) {
	cfg := &config.Config{SegletSize: 1000}
	if err := cfg.Normalize(); err == nil {
		t.Error("non-power-of-two seglet size must be rejected")
	}
}

func TestNormalizeKeepsSegmentSize(t *testing.T) {
	cfg := &config.Config{SegletSize: 1 << 16, SegmentSize: 1 << 23}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if cfg.SegmentSize != 1<<23 {
		t.Errorf("valid SegmentSize changed: %d", cfg.SegmentSize)
	}
}
