package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"peerguard/scoring"
)

type Config struct {
	DataDir     string `toml:"DataDir"`
	LogLevel    string `toml:"LogLevel"`
	Environment string `toml:"Environment"`
	// BanStoreBackend selects the ban list database: "leveldb" or "bolt".
	BanStoreBackend string `toml:"BanStoreBackend"`

	Scoring   ScoringConfig   `toml:"scoring"`
	Report    ReportConfig    `toml:"report"`
	RPC       RPCConfig       `toml:"rpc"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// ScoringConfig mirrors scoring.Config in file form.
type ScoringConfig struct {
	NodePeersSize     int              `toml:"NodePeersSize"`
	AddressPeersSize  int              `toml:"AddressPeersSize"`
	PunishmentEnabled *bool            `toml:"PunishmentEnabled"`
	BannedPeerIPs     []string         `toml:"BannedPeerIPs"`
	BannedPeerIDs     []string         `toml:"BannedPeerIDs"`
	Nameservers       []string         `toml:"Nameservers"`
	ResolveTimeoutMs  int64            `toml:"ResolveTimeoutMs"`
	Nodes             PunishmentConfig `toml:"nodes"`
	Addresses         PunishmentConfig `toml:"addresses"`
}

// PunishmentConfig is one punishment schedule in milliseconds.
type PunishmentConfig struct {
	DurationMs        int64   `toml:"DurationMs"`
	IncrementPercent  *uint32 `toml:"IncrementPercent"`
	MaximumDurationMs int64   `toml:"MaximumDurationMs"`
}

type ReportConfig struct {
	Enabled         bool   `toml:"Enabled"`
	IntervalSeconds int    `toml:"IntervalSeconds"`
	File            string `toml:"File"`
	MaxSizeMB       int    `toml:"MaxSizeMB"`
	MaxBackups      int    `toml:"MaxBackups"`
}

type RPCConfig struct {
	Address           string  `toml:"Address"`
	AuthToken         string  `toml:"AuthToken"`
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
}

// Ban store backends.
const (
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

const (
	defaultDataDir          = "./peerguard-data"
	defaultLogLevel         = "info"
	defaultEnvironment      = "dev"
	defaultBanStoreBackend  = BackendLevelDB
	defaultPunishmentMs     = int64(10 * time.Minute / time.Millisecond)
	defaultMaxPunishmentMs  = int64(7 * 24 * time.Hour / time.Millisecond)
	defaultIncrementPercent = 10
	defaultResolveTimeoutMs = 3000
	defaultReportInterval   = 300
	defaultReportMaxSizeMB  = 16
	defaultReportMaxBackups = 5
	defaultRPCAddress       = "127.0.0.1:4445"
	defaultRPCRequests      = 120
	defaultRPCBurst         = 20
)

// Load loads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	applyDefaults(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh install.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Report.Enabled = true
	return cfg
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = defaultDataDir
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = defaultEnvironment
	}
	cfg.BanStoreBackend = strings.ToLower(strings.TrimSpace(cfg.BanStoreBackend))
	if cfg.BanStoreBackend == "" {
		cfg.BanStoreBackend = defaultBanStoreBackend
	}

	s := &cfg.Scoring
	if s.NodePeersSize == 0 {
		s.NodePeersSize = scoring.DefaultNodePeersSize
	}
	if s.AddressPeersSize == 0 {
		s.AddressPeersSize = scoring.DefaultAddressPeersSize
	}
	if s.PunishmentEnabled == nil {
		enabled := true
		s.PunishmentEnabled = &enabled
	}
	if s.BannedPeerIPs == nil {
		s.BannedPeerIPs = []string{}
	}
	if s.BannedPeerIDs == nil {
		s.BannedPeerIDs = []string{}
	}
	if s.Nameservers == nil {
		s.Nameservers = []string{}
	}
	if s.ResolveTimeoutMs == 0 {
		s.ResolveTimeoutMs = defaultResolveTimeoutMs
	}
	applyPunishmentDefaults(&s.Nodes)
	applyPunishmentDefaults(&s.Addresses)

	if cfg.Report.IntervalSeconds == 0 {
		cfg.Report.IntervalSeconds = defaultReportInterval
	}
	if cfg.Report.MaxSizeMB == 0 {
		cfg.Report.MaxSizeMB = defaultReportMaxSizeMB
	}
	if cfg.Report.MaxBackups == 0 {
		cfg.Report.MaxBackups = defaultReportMaxBackups
	}

	if strings.TrimSpace(cfg.RPC.Address) == "" {
		cfg.RPC.Address = defaultRPCAddress
	}
	if cfg.RPC.RequestsPerMinute == 0 {
		cfg.RPC.RequestsPerMinute = defaultRPCRequests
	}
	if cfg.RPC.Burst == 0 {
		cfg.RPC.Burst = defaultRPCBurst
	}
}

func applyPunishmentDefaults(p *PunishmentConfig) {
	if p.DurationMs == 0 {
		p.DurationMs = defaultPunishmentMs
	}
	if p.IncrementPercent == nil {
		rate := uint32(defaultIncrementPercent)
		p.IncrementPercent = &rate
	}
	if p.MaximumDurationMs == 0 {
		p.MaximumDurationMs = defaultMaxPunishmentMs
	}
}

// Params converts the file form into scoring parameters.
func (p PunishmentConfig) Params() scoring.PunishmentParams {
	params := scoring.PunishmentParams{
		Initial: time.Duration(p.DurationMs) * time.Millisecond,
		Maximum: time.Duration(p.MaximumDurationMs) * time.Millisecond,
	}
	if p.IncrementPercent != nil {
		params.IncrementRate = *p.IncrementPercent
	}
	return params
}

// ResolveTimeout is the bound on host name lookups for ban entries.
func (s ScoringConfig) ResolveTimeout() time.Duration {
	return time.Duration(s.ResolveTimeoutMs) * time.Millisecond
}

// ManagerConfig builds the scoring.Manager configuration. Banned peer ids
// must be hex encoded.
func (s ScoringConfig) ManagerConfig() (scoring.Config, error) {
	cfg := scoring.Config{
		NodePeersSize:     s.NodePeersSize,
		AddressPeersSize:  s.AddressPeersSize,
		Nodes:             s.Nodes.Params(),
		Addresses:         s.Addresses.Params(),
		PunishmentEnabled: s.PunishmentEnabled == nil || *s.PunishmentEnabled,
		BannedAddresses:   append([]string(nil), s.BannedPeerIPs...),
	}
	for _, raw := range s.BannedPeerIDs {
		id, err := scoring.ParseNodeID(raw)
		if err != nil {
			return scoring.Config{}, fmt.Errorf("banned peer id %q: %w", raw, err)
		}
		cfg.BannedNodeIDs = append(cfg.BannedNodeIDs, id)
	}
	return cfg, nil
}

// BanDBPath is where the persistent ban list lives: a directory for LevelDB,
// a single file for bolt.
func (c *Config) BanDBPath() string {
	if c.BanStoreBackend == BackendBolt {
		return filepath.Join(c.DataDir, "bans.db")
	}
	return filepath.Join(c.DataDir, "bans")
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
