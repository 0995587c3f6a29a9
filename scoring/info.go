package scoring

import (
	"time"

	"github.com/google/uuid"
)

const (
	// PeerTypeNode labels information recorded by node id.
	PeerTypeNode = "node"
	// PeerTypeAddress labels information recorded by network address.
	PeerTypeAddress = "address"
)

// PeerInfo is an immutable snapshot of one reputation record.
type PeerInfo struct {
	ID                    string `json:"id"`
	Type                  string `json:"type"`
	GoodReputation        bool   `json:"goodReputation"`
	Score                 int    `json:"score"`
	Punishments           uint32 `json:"punishments"`
	PunishedUntil         int64  `json:"punishedUntil"`
	TotalEvents           uint64 `json:"totalEvents"`
	ValidBlocks           uint64 `json:"validBlocks"`
	InvalidBlocks         uint64 `json:"invalidBlocks"`
	ValidTransactions     uint64 `json:"validTransactions"`
	InvalidTransactions   uint64 `json:"invalidTransactions"`
	SuccessfulHandshakes  uint64 `json:"successfulHandshakes"`
	FailedHandshakes      uint64 `json:"failedHandshakes"`
	InvalidNetworks       uint64 `json:"invalidNetworks"`
	IncompatibleProtocols uint64 `json:"incompatibleProtocols"`
	Disconnections        uint64 `json:"disconnections"`
	RepeatedMessages      uint64 `json:"repeatedMessages"`
	InvalidMessages       uint64 `json:"invalidMessages"`
	TimeoutMessages       uint64 `json:"timeoutMessages"`
	UnexpectedMessages    uint64 `json:"unexpectedMessages"`
	InvalidHeaders        uint64 `json:"invalidHeaders"`
}

// Count returns the counter for kind.
func (p PeerInfo) Count(kind EventType) uint64 {
	switch kind {
	case EventInvalidBlock:
		return p.InvalidBlocks
	case EventValidBlock:
		return p.ValidBlocks
	case EventInvalidTransaction:
		return p.InvalidTransactions
	case EventValidTransaction:
		return p.ValidTransactions
	case EventFailedHandshake:
		return p.FailedHandshakes
	case EventSuccessfulHandshake:
		return p.SuccessfulHandshakes
	case EventInvalidNetwork:
		return p.InvalidNetworks
	case EventIncompatibleProtocol:
		return p.IncompatibleProtocols
	case EventDisconnection:
		return p.Disconnections
	case EventRepeatedMessage:
		return p.RepeatedMessages
	case EventInvalidMessage:
		return p.InvalidMessages
	case EventTimeoutMessage:
		return p.TimeoutMessages
	case EventUnexpectedMessage:
		return p.UnexpectedMessages
	case EventInvalidHeader:
		return p.InvalidHeaders
	default:
		return 0
	}
}

func (r *record) info(id, peerType string) PeerInfo {
	info := PeerInfo{
		ID:                    id,
		Type:                  peerType,
		GoodReputation:        r.goodReputation,
		Score:                 r.score,
		Punishments:           r.punishmentCount,
		TotalEvents:           r.totalEvents(),
		ValidBlocks:           r.count(EventValidBlock),
		InvalidBlocks:         r.count(EventInvalidBlock),
		ValidTransactions:     r.count(EventValidTransaction),
		InvalidTransactions:   r.count(EventInvalidTransaction),
		SuccessfulHandshakes:  r.count(EventSuccessfulHandshake),
		FailedHandshakes:      r.count(EventFailedHandshake),
		InvalidNetworks:       r.count(EventInvalidNetwork),
		IncompatibleProtocols: r.count(EventIncompatibleProtocol),
		Disconnections:        r.count(EventDisconnection),
		RepeatedMessages:      r.count(EventRepeatedMessage),
		InvalidMessages:       r.count(EventInvalidMessage),
		TimeoutMessages:       r.count(EventTimeoutMessage),
		UnexpectedMessages:    r.count(EventUnexpectedMessage),
		InvalidHeaders:        r.count(EventInvalidHeader),
	}
	if until := r.punishedUntil(); !until.IsZero() {
		info.PunishedUntil = until.UnixMilli()
	}
	return info
}

// BadReputationSummary aggregates every peer currently holding a bad reputation.
type BadReputationSummary struct {
	ReportID              string    `json:"reportId"`
	GeneratedAt           time.Time `json:"generatedAt"`
	Count                 int       `json:"count"`
	NodeCount             int       `json:"nodeCount"`
	AddressCount          int       `json:"addressCount"`
	Punishments           uint64    `json:"punishments"`
	TotalEvents           uint64    `json:"totalEvents"`
	ValidBlocks           uint64    `json:"validBlocks"`
	InvalidBlocks         uint64    `json:"invalidBlocks"`
	ValidTransactions     uint64    `json:"validTransactions"`
	InvalidTransactions   uint64    `json:"invalidTransactions"`
	SuccessfulHandshakes  uint64    `json:"successfulHandshakes"`
	FailedHandshakes      uint64    `json:"failedHandshakes"`
	InvalidNetworks       uint64    `json:"invalidNetworks"`
	IncompatibleProtocols uint64    `json:"incompatibleProtocols"`
	Disconnections        uint64    `json:"disconnections"`
	RepeatedMessages      uint64    `json:"repeatedMessages"`
	InvalidMessages       uint64    `json:"invalidMessages"`
	TimeoutMessages       uint64    `json:"timeoutMessages"`
	UnexpectedMessages    uint64    `json:"unexpectedMessages"`
	InvalidHeaders        uint64    `json:"invalidHeaders"`
}

// Summarize folds the bad-reputation entries of peers into a summary stamped
// with now and a fresh report id. Good peers are ignored.
func Summarize(peers []PeerInfo, now time.Time) BadReputationSummary {
	summary := BadReputationSummary{
		ReportID:    uuid.NewString(),
		GeneratedAt: now.UTC(),
	}
	for _, p := range peers {
		if p.GoodReputation {
			continue
		}
		summary.Count++
		switch p.Type {
		case PeerTypeNode:
			summary.NodeCount++
		case PeerTypeAddress:
			summary.AddressCount++
		}
		summary.Punishments += uint64(p.Punishments)
		summary.TotalEvents += p.TotalEvents
		summary.ValidBlocks += p.ValidBlocks
		summary.InvalidBlocks += p.InvalidBlocks
		summary.ValidTransactions += p.ValidTransactions
		summary.InvalidTransactions += p.InvalidTransactions
		summary.SuccessfulHandshakes += p.SuccessfulHandshakes
		summary.FailedHandshakes += p.FailedHandshakes
		summary.InvalidNetworks += p.InvalidNetworks
		summary.IncompatibleProtocols += p.IncompatibleProtocols
		summary.Disconnections += p.Disconnections
		summary.RepeatedMessages += p.RepeatedMessages
		summary.InvalidMessages += p.InvalidMessages
		summary.TimeoutMessages += p.TimeoutMessages
		summary.UnexpectedMessages += p.UnexpectedMessages
		summary.InvalidHeaders += p.InvalidHeaders
	}
	return summary
}
