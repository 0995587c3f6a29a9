package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"peerguard/scoring"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesScoringSettings(t *testing.T) {
	path := writeConfig(t, `DataDir = "./data"
LogLevel = "debug"
Environment = "testnet"

[scoring]
NodePeersSize = 50
AddressPeersSize = 500
PunishmentEnabled = false
BannedPeerIPs = ["192.168.56.1", "10.0.0.0/8"]
BannedPeerIDs = ["0xdeadbeef"]
Nameservers = ["192.0.2.53"]
ResolveTimeoutMs = 1500

[scoring.nodes]
DurationMs = 60000
IncrementPercent = 0
MaximumDurationMs = 600000

[scoring.addresses]
DurationMs = 120000
IncrementPercent = 25
MaximumDurationMs = 86400000

[report]
Enabled = true
IntervalSeconds = 60
File = "./reports/reputation.jsonl"

[rpc]
Address = "0.0.0.0:9000"
AuthToken = "secret"
RequestsPerMinute = 30
Burst = 5

[telemetry]
Endpoint = "collector:4318"
Insecure = true
Headers = "x-key=abc"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Environment != "testnet" {
		t.Fatalf("unexpected top level settings: %+v", cfg)
	}
	if cfg.Scoring.NodePeersSize != 50 || cfg.Scoring.AddressPeersSize != 500 {
		t.Fatalf("unexpected store sizes: %+v", cfg.Scoring)
	}
	if cfg.Scoring.ResolveTimeout() != 1500*time.Millisecond {
		t.Fatalf("unexpected resolve timeout %s", cfg.Scoring.ResolveTimeout())
	}
	if cfg.Report.MaxSizeMB != defaultReportMaxSizeMB {
		t.Fatalf("expected rotation default, got %d", cfg.Report.MaxSizeMB)
	}
	if cfg.RPC.AuthToken != "secret" || cfg.RPC.Burst != 5 || cfg.RPC.RequestsPerMinute != 30 {
		t.Fatalf("unexpected rpc settings: %+v", cfg.RPC)
	}
	if !cfg.Telemetry.Insecure || cfg.Telemetry.Endpoint != "collector:4318" {
		t.Fatalf("unexpected telemetry settings: %+v", cfg.Telemetry)
	}

	mc, err := cfg.Scoring.ManagerConfig()
	if err != nil {
		t.Fatalf("manager config: %v", err)
	}
	if mc.PunishmentEnabled {
		t.Fatalf("punishment should be disabled")
	}
	if mc.Nodes.Initial != time.Minute || mc.Nodes.IncrementRate != 0 || mc.Nodes.Maximum != 10*time.Minute {
		t.Fatalf("unexpected node params: %+v", mc.Nodes)
	}
	if mc.Addresses.Initial != 2*time.Minute || mc.Addresses.IncrementRate != 25 || mc.Addresses.Maximum != 24*time.Hour {
		t.Fatalf("unexpected address params: %+v", mc.Addresses)
	}
	if len(mc.BannedAddresses) != 2 || len(mc.BannedNodeIDs) != 1 {
		t.Fatalf("unexpected bans: %+v", mc)
	}
	if mc.BannedNodeIDs[0] != scoring.NodeID("\xde\xad\xbe\xef") {
		t.Fatalf("unexpected node id %s", mc.BannedNodeIDs[0])
	}
	if _, err := scoring.NewManager(mc, scoring.WithMetrics(false)); err != nil {
		t.Fatalf("manager from config: %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `DataDir = "./data"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	mc, err := cfg.Scoring.ManagerConfig()
	if err != nil {
		t.Fatalf("manager config: %v", err)
	}
	want := scoring.DefaultConfig()
	if mc.NodePeersSize != want.NodePeersSize || mc.AddressPeersSize != want.AddressPeersSize {
		t.Fatalf("unexpected store sizes: %+v", mc)
	}
	if mc.Nodes != want.Nodes || mc.Addresses != want.Addresses {
		t.Fatalf("expected default schedules, got %+v %+v", mc.Nodes, mc.Addresses)
	}
	if !mc.PunishmentEnabled {
		t.Fatalf("punishment should default to enabled")
	}
	if cfg.Report.IntervalSeconds != 300 || cfg.Report.Enabled {
		t.Fatalf("unexpected report defaults: %+v", cfg.Report)
	}
	if cfg.BanStoreBackend != BackendLevelDB || cfg.BanDBPath() != filepath.Join("./data", "bans") {
		t.Fatalf("unexpected ban db %s at %s", cfg.BanStoreBackend, cfg.BanDBPath())
	}
}

func TestBoltBackendPath(t *testing.T) {
	path := writeConfig(t, "DataDir = \"./data\"\nBanStoreBackend = \" Bolt \"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BanStoreBackend != BackendBolt {
		t.Fatalf("backend should be normalised, got %q", cfg.BanStoreBackend)
	}
	if cfg.BanDBPath() != filepath.Join("./data", "bans.db") {
		t.Fatalf("unexpected bolt path %s", cfg.BanDBPath())
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Report.Enabled {
		t.Fatalf("fresh installs should report")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config to be written: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload default config: %v", err)
	}
	if reloaded.Scoring.NodePeersSize != cfg.Scoring.NodePeersSize || reloaded.RPC.Address != cfg.RPC.Address {
		t.Fatalf("default config did not round trip: %+v", reloaded)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `[scoring]
NodePeerSize = 10
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "scoring.NodePeerSize") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadValidates(t *testing.T) {
	cases := map[string]string{
		"negative node size": "[scoring]\nNodePeersSize = -1\n",
		"max below initial":  "[scoring.nodes]\nDurationMs = 60000\nMaximumDurationMs = 1000\n",
		"negative duration":  "[scoring.addresses]\nDurationMs = -5\n",
		"report too often":   "[report]\nIntervalSeconds = 1\n",
		"bad log level":      "LogLevel = \"loud\"\n",
		"unknown backend":    "BanStoreBackend = \"redis\"\n",
	}
	for name, contents := range cases {
		if _, err := Load(writeConfig(t, contents)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestManagerConfigRejectsBadNodeID(t *testing.T) {
	cfg := Default()
	cfg.Scoring.BannedPeerIDs = []string{"zz"}
	if _, err := cfg.Scoring.ManagerConfig(); err == nil {
		t.Fatalf("expected invalid node id error")
	}
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARN")
	if err != nil || level.String() != "WARN" {
		t.Fatalf("unexpected level %v err %v", level, err)
	}
}
