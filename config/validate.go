package config

import (
	"fmt"
	"log/slog"
	"strings"
)

var (
	MinReportIntervalSeconds = 10
)

func ValidateConfig(c *Config) error {
	if c.Scoring.NodePeersSize <= 0 {
		return fmt.Errorf("scoring: NodePeersSize must be positive")
	}
	if c.Scoring.AddressPeersSize <= 0 {
		return fmt.Errorf("scoring: AddressPeersSize must be positive")
	}
	if c.Scoring.ResolveTimeoutMs < 0 {
		return fmt.Errorf("scoring: ResolveTimeoutMs must not be negative")
	}
	if err := validatePunishment("scoring.nodes", c.Scoring.Nodes); err != nil {
		return err
	}
	if err := validatePunishment("scoring.addresses", c.Scoring.Addresses); err != nil {
		return err
	}
	if c.Report.IntervalSeconds < MinReportIntervalSeconds {
		return fmt.Errorf("report: IntervalSeconds must be at least %d", MinReportIntervalSeconds)
	}
	if c.Report.MaxSizeMB < 0 || c.Report.MaxBackups < 0 {
		return fmt.Errorf("report: rotation limits must not be negative")
	}
	if c.RPC.RequestsPerMinute < 0 || c.RPC.Burst < 0 {
		return fmt.Errorf("rpc: rate limits must not be negative")
	}
	switch c.BanStoreBackend {
	case BackendLevelDB, BackendBolt:
	default:
		return fmt.Errorf("BanStoreBackend must be %q or %q, got %q", BackendLevelDB, BackendBolt, c.BanStoreBackend)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func validatePunishment(section string, p PunishmentConfig) error {
	if p.DurationMs <= 0 {
		return fmt.Errorf("%s: DurationMs must be positive", section)
	}
	if p.MaximumDurationMs < 0 {
		return fmt.Errorf("%s: MaximumDurationMs must not be negative", section)
	}
	if p.MaximumDurationMs > 0 && p.MaximumDurationMs < p.DurationMs {
		return fmt.Errorf("%s: MaximumDurationMs < DurationMs", section)
	}
	return nil
}

// ParseLevel maps a LogLevel value onto a slog level.
func ParseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LogLevel: %w", err)
	}
	return level, nil
}
