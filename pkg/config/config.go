package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/taschik/ramcloud/util"
)

// Config holds the coordinator's tunable settings. Values come from flags,
// optionally overridden by a YAML or JSON file given with -config or
// CONFIG_PATH.
type Config struct {
	// Server settings
	NodeID         string        `yaml:"node_id" json:"node_id"`
	AdvertisedHost string        `yaml:"advertised_host" json:"advertised_host"`
	RaftPort       int           `yaml:"raft_port" json:"raft_port"`
	EnableExporter bool          `yaml:"enable_exporter" json:"enable_exporter"`
	ExporterPort   int           `yaml:"exporter_port" json:"exporter_port"`
	LogLevel       util.LogLevel `yaml:"log_level" json:"log_level"`

	// Durable state
	DataDir          string `yaml:"data_dir" json:"data_dir"`
	BootstrapCluster bool   `yaml:"bootstrap_cluster" json:"bootstrap_cluster"`

	// Segment storage
	SegletSize  int `yaml:"seglet_size" json:"seglet_size"`
	SegletCount int `yaml:"seglet_count" json:"seglet_count"`
	SegmentSize int `yaml:"segment_size" json:"segment_size"`

	// Enumeration
	MaxEnumerationPayload int `yaml:"max_enumeration_payload" json:"max_enumeration_payload"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	configPath := flag.String("config", "", "Path to YAML/JSON config file")
	flag.StringVar(&cfg.NodeID, "node-id", "coordinator-1", "Unique coordinator node id")
	flag.StringVar(&cfg.AdvertisedHost, "advertised-host", "127.0.0.1", "Host advertised to raft peers")
	flag.IntVar(&cfg.RaftPort, "raft-port", 9070, "Raft transport port")
	flag.BoolVar(&cfg.EnableExporter, "exporter", true, "Enable Prometheus exporter")
	flag.IntVar(&cfg.ExporterPort, "exporter-port", 9100, "Exporter port")
	logLevelStr := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.DataDir, "data-dir", "coordinator-data", "Directory for raft state")
	flag.BoolVar(&cfg.BootstrapCluster, "bootstrap", false, "Bootstrap a single-node cluster")
	flag.IntVar(&cfg.SegletSize, "seglet-size", 64*1024, "Seglet size in bytes (power of two)")
	flag.IntVar(&cfg.SegletCount, "seglet-count", 1024, "Seglets in the allocator pool")
	flag.IntVar(&cfg.SegmentSize, "segment-size", 8*1024*1024, "Segment capacity in bytes")
	flag.IntVar(&cfg.MaxEnumerationPayload, "max-enumeration-payload", 1<<20,
		"Maximum bytes of objects per enumeration batch")

	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" && *configPath == "" {
		*configPath = envPath
	}

	flag.Parse()
	cfg.LogLevel = parseLogLevel(*logLevelStr)

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(*configPath, ".json") {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	util.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// Normalize fills defaults for missing values and rejects impossible ones.
func (cfg *Config) Normalize() error {
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = "coordinator-1"
	}
	if cfg.RaftPort <= 0 {
		cfg.RaftPort = 9070
	}
	if cfg.ExporterPort <= 0 {
		cfg.ExporterPort = 9100
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "coordinator-data"
	}
	if cfg.SegletSize <= 0 {
		cfg.SegletSize = 64 * 1024
	}
	if cfg.SegletSize&(cfg.SegletSize-1) != 0 {
		return fmt.Errorf("seglet_size %d is not a power of two", cfg.SegletSize)
	}
	if cfg.SegletCount <= 0 {
		cfg.SegletCount = 1024
	}
	if cfg.SegmentSize < cfg.SegletSize {
		util.Warn("segment_size %d below seglet_size %d; using one seglet per segment",
			cfg.SegmentSize, cfg.SegletSize)
		cfg.SegmentSize = cfg.SegletSize
	}
	if cfg.MaxEnumerationPayload <= 0 {
		cfg.MaxEnumerationPayload = 1 << 20
	}
	return nil
}

func parseLogLevel(s string) util.LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return util.LogLevelDebug
	case "info":
		return util.LogLevelInfo
	case "warn", "warning":
		return util.LogLevelWarn
	case "error":
		return util.LogLevelError
	default:
		return util.LogLevelInfo
	}
}
