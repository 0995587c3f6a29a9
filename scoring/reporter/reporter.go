// Package reporter periodically publishes a summary of the peers holding a bad
// reputation.
package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"peerguard/observability/logging"
	"peerguard/scoring"
)

// DefaultInterval is the time between two reports.
const DefaultInterval = 5 * time.Minute

// SummarySource produces the summary to publish.
type SummarySource interface {
	Summary() scoring.BadReputationSummary
}

// Sink receives one serialized summary per cycle.
type Sink interface {
	Publish(ctx context.Context, payload []byte) error
}

// Reporter publishes the summary of source to sink every interval.
type Reporter struct {
	source   SummarySource
	sink     Sink
	interval time.Duration
	logger   *slog.Logger
}

// New builds a reporter. A non-positive interval selects DefaultInterval.
func New(source SummarySource, sink Sink, interval time.Duration, logger *slog.Logger) (*Reporter, error) {
	if source == nil {
		return nil, errors.New("reporter: summary source required")
	}
	if sink == nil {
		return nil, errors.New("reporter: sink required")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		source:   source,
		sink:     sink,
		interval: interval,
		logger:   logger.With(slog.String("component", "reporter")),
	}, nil
}

// Interval returns the time between reports.
func (r *Reporter) Interval() time.Duration {
	return r.interval
}

// Run reports every interval until ctx is cancelled. Failed cycles are logged
// and the loop carries on.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReportOnce(ctx); err != nil {
				r.logger.Warn("reputation report failed", slog.Any("error", err))
			}
		}
	}
}

// ReportOnce builds, serializes and publishes a single summary.
func (r *Reporter) ReportOnce(ctx context.Context) error {
	summary := r.source.Summary()
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary %s: %w", summary.ReportID, err)
	}
	if err := r.sink.Publish(ctx, payload); err != nil {
		return fmt.Errorf("publish summary %s: %w", summary.ReportID, err)
	}
	r.logger.Debug("reputation report published",
		logging.MaskField("reportId", summary.ReportID),
		slog.Int("badPeers", summary.Count))
	return nil
}
