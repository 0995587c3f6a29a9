package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"peerguard/observability/logging"
)

const (
	// DefaultNodePeersSize is the number of node records kept before the least
	// recently used one is forgotten.
	DefaultNodePeersSize = 100
	// DefaultAddressPeersSize bounds the address records the same way.
	DefaultAddressPeersSize = 10_000

	defaultPunishmentDuration = 10 * time.Minute
	defaultIncrementRate      = 10
	defaultMaximumPunishment  = 7 * 24 * time.Hour
)

// Config parameterises a Manager.
type Config struct {
	NodePeersSize     int
	AddressPeersSize  int
	Nodes             PunishmentParams
	Addresses         PunishmentParams
	PunishmentEnabled bool

	// BannedAddresses are ban list entries applied at construction. They are
	// not written to the ban store.
	BannedAddresses []string
	// BannedNodeIDs never get a good reputation.
	BannedNodeIDs []NodeID
}

// DefaultConfig returns the stock parameters: ten minute punishments growing
// ten percent per repeat up to a week on both axes.
func DefaultConfig() Config {
	params := PunishmentParams{
		Initial:       defaultPunishmentDuration,
		IncrementRate: defaultIncrementRate,
		Maximum:       defaultMaximumPunishment,
	}
	return Config{
		NodePeersSize:     DefaultNodePeersSize,
		AddressPeersSize:  DefaultAddressPeersSize,
		Nodes:             params,
		Addresses:         params,
		PunishmentEnabled: true,
	}
}

// Validate checks the store sizes and punishment parameters.
func (c Config) Validate() error {
	if c.NodePeersSize <= 0 {
		return fmt.Errorf("node peers size must be positive, got %d", c.NodePeersSize)
	}
	if c.AddressPeersSize <= 0 {
		return fmt.Errorf("address peers size must be positive, got %d", c.AddressPeersSize)
	}
	if err := c.Nodes.validate(); err != nil {
		return fmt.Errorf("nodes: %w", err)
	}
	if err := c.Addresses.validate(); err != nil {
		return fmt.Errorf("addresses: %w", err)
	}
	return nil
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The manager adds its own component attribute.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithBanStore persists administrator bans and restores them at construction.
func WithBanStore(store BanStore) Option {
	return func(m *Manager) {
		m.banStore = store
	}
}

// WithResolver allows host names in ban list entries.
func WithResolver(resolver Resolver) Option {
	return func(m *Manager) {
		m.resolver = resolver
	}
}

// WithMetrics toggles Prometheus and OpenTelemetry instrumentation.
func WithMetrics(enabled bool) Option {
	return func(m *Manager) {
		m.metricsEnabled = enabled
	}
}

// Manager tracks the reputation of peers by node id and by address, punishes
// peers that break the reputation rule and keeps the administrator ban list.
// It is safe for concurrent use.
type Manager struct {
	// mu guards both record stores.
	mu        sync.Mutex
	nodes     *simplelru.LRU[NodeID, *record]
	addresses *simplelru.LRU[netip.Addr, *record]

	nodeSchedule      Schedule
	addressSchedule   Schedule
	punishmentEnabled bool
	bannedNodes       map[NodeID]struct{}

	// banMu serialises ban list changes so the store and the table agree.
	banMu    sync.Mutex
	bans     *AddressTable
	banStore BanStore
	resolver Resolver

	logger         *slog.Logger
	metricsEnabled bool
	metrics        *scoringMetrics
	now            func() time.Time
}

// NewManager builds a manager from cfg. Configured ban entries must parse and
// persisted ones are restored; a malformed configured entry is an error.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nodes, err := simplelru.NewLRU[NodeID, *record](cfg.NodePeersSize, nil)
	if err != nil {
		return nil, fmt.Errorf("node store: %w", err)
	}
	addresses, err := simplelru.NewLRU[netip.Addr, *record](cfg.AddressPeersSize, nil)
	if err != nil {
		return nil, fmt.Errorf("address store: %w", err)
	}
	m := &Manager{
		nodes:             nodes,
		addresses:         addresses,
		nodeSchedule:      NewSchedule(cfg.Nodes),
		addressSchedule:   NewSchedule(cfg.Addresses),
		punishmentEnabled: cfg.PunishmentEnabled,
		bannedNodes:       make(map[NodeID]struct{}, len(cfg.BannedNodeIDs)),
		bans:              NewAddressTable(),
		logger:            slog.Default(),
		metricsEnabled:    true,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "scoring"))
	if m.metricsEnabled {
		m.metrics = newScoringMetrics()
	}

	for _, id := range cfg.BannedNodeIDs {
		if id.IsZero() {
			return nil, fmt.Errorf("%w: empty banned node id", ErrInvalidNodeID)
		}
		m.bannedNodes[id] = struct{}{}
	}
	for _, text := range cfg.BannedAddresses {
		target, err := ParseBanTargetContext(context.Background(), text, m.resolver)
		if err != nil {
			return nil, fmt.Errorf("banned address %q: %w", text, err)
		}
		m.applyBan(target)
	}
	if m.banStore != nil {
		if err := m.restoreBans(); err != nil {
			return nil, err
		}
	}
	m.observeBans()
	return m, nil
}

func (m *Manager) restoreBans() error {
	entries, err := m.banStore.Load()
	if err != nil {
		if !errors.Is(err, ErrCorruptBanEntry) {
			return fmt.Errorf("load ban list: %w", err)
		}
		m.logger.Warn("skipping corrupt persisted bans", slog.Any("error", err))
	}
	for _, entry := range entries {
		target, err := ParseBanTarget(entry.Target)
		if err != nil {
			m.logger.Warn("skipping unreadable persisted ban",
				logging.MaskField("target", entry.Target),
				slog.Any("error", err))
			continue
		}
		m.applyBan(target)
	}
	if len(entries) > 0 {
		m.logger.Info("restored ban list", slog.Int("entries", len(entries)))
	}
	return nil
}

// RecordEvent updates the node record for id and the address record for addr.
// Either identity may be absent (zero). A record that breaks the reputation
// rule while in good standing starts a punishment. Extra attrs are attached to
// the debug log line.
func (m *Manager) RecordEvent(id NodeID, addr netip.Addr, kind EventType, attrs ...any) {
	if !kind.Valid() {
		m.logger.Warn("ignoring unknown reputation event", slog.Int("kind", int(kind)))
		return
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !id.IsZero() {
		rec, isNew, evicted := getOrCreate(m.nodes, id, m.punishmentEnabled)
		m.observeStore(axisNode, m.nodes.Len(), isNew, evicted)
		m.applyEventLocked(axisNode, id.Short(), rec, kind, m.nodeSchedule, now, attrs)
	}
	if addr.IsValid() {
		addr = normalizeAddr(addr)
		rec, isNew, evicted := getOrCreate(m.addresses, addr, m.punishmentEnabled)
		m.observeStore(axisAddress, m.addresses.Len(), isNew, evicted)
		m.applyEventLocked(axisAddress, addr.String(), rec, kind, m.addressSchedule, now, attrs)
	}
}

func getOrCreate[K comparable](store *simplelru.LRU[K, *record], key K, punishmentEnabled bool) (rec *record, isNew, evicted bool) {
	if rec, ok := store.Get(key); ok {
		return rec, false, false
	}
	rec = newRecord(punishmentEnabled)
	evicted = store.Add(key, rec)
	return rec, true, evicted
}

func (m *Manager) applyEventLocked(axis, label string, rec *record, kind EventType, schedule Schedule, now time.Time, attrs []any) {
	m.expireLocked(axis, label, rec, now)
	rec.recordEvent(kind)
	m.metrics.recordEvent(axis, kind)

	if m.logger.Enabled(context.Background(), slog.LevelDebug) {
		args := make([]any, 0, 8+len(attrs))
		args = append(args,
			logging.MaskField("axis", axis),
			logging.MaskField("peer", label),
			logging.MaskField("event", kind.String()),
			slog.Int("score", rec.score))
		args = append(args, attrs...)
		m.logger.Debug("reputation event", args...)
	}

	if !rec.goodReputation || hasGoodScore(rec) {
		return
	}
	duration, err := schedule.Calculate(rec.punishmentCount, rec.score)
	if err != nil {
		duration = schedule.Fallback()
		m.logger.Error("punishment duration overflow",
			logging.MaskField("axis", axis),
			logging.MaskField("peer", label),
			slog.Any("punishments", rec.punishmentCount),
			slog.Int("score", rec.score),
			slog.Duration("fallback", duration),
			slog.Any("error", err))
	}
	if !rec.startPunishment(duration, now) {
		return
	}
	m.metrics.recordPunishment(axis, duration)
	m.logger.Info("peer punished",
		logging.MaskField("axis", axis),
		logging.MaskField("peer", label),
		logging.MaskField("event", kind.String()),
		slog.Duration("duration", duration),
		slog.Any("punishments", rec.punishmentCount))
}

func (m *Manager) expireLocked(axis, label string, rec *record, now time.Time) bool {
	good, expired := rec.check(now)
	if expired {
		rec.endPunishment()
		m.metrics.recordExpiry(axis)
		m.logger.Info("punishment expired",
			logging.MaskField("axis", axis),
			logging.MaskField("peer", label))
	}
	return good
}

func (m *Manager) observeStore(axis string, size int, isNew, evicted bool) {
	if evicted {
		m.metrics.recordEviction(axis)
		m.logger.Debug("reputation record evicted", logging.MaskField("axis", axis))
	}
	if isNew {
		m.metrics.setTracked(axis, size)
	}
}

// HasGoodNodeReputation reports whether id may be talked to. Banned node ids
// are always bad and unknown ids are good. An elapsed punishment is ended here.
func (m *Manager) HasGoodNodeReputation(id NodeID) bool {
	if id.IsZero() {
		return true
	}
	if m.IsNodeBanned(id) {
		return false
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodes.Get(id)
	if !ok {
		return true
	}
	return m.expireLocked(axisNode, id.Short(), rec, now)
}

// HasGoodAddressReputation reports whether addr may be talked to. The ban list
// is consulted first; otherwise the address record decides.
func (m *Manager) HasGoodAddressReputation(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = normalizeAddr(addr)
	if m.bans.Contains(addr) {
		return false
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.addresses.Get(addr)
	if !ok {
		return true
	}
	return m.expireLocked(axisAddress, addr.String(), rec, now)
}

// IsAddressBanned reports whether addr is on the ban list, exactly or through
// a block.
func (m *Manager) IsAddressBanned(addr netip.Addr) bool {
	return m.bans.Contains(addr)
}

// IsNodeBanned reports whether id was banned by configuration.
func (m *Manager) IsNodeBanned(id NodeID) bool {
	_, ok := m.bannedNodes[id]
	return ok
}

// BanAddress adds an address or "<addr>/<bits>" block to the ban list.
func (m *Manager) BanAddress(text string) error {
	return m.BanAddressContext(context.Background(), text)
}

// BanAddressContext is BanAddress with a context bounding host name
// resolution. Nothing changes when parsing or persisting fails.
func (m *Manager) BanAddressContext(ctx context.Context, text string) error {
	target, err := ParseBanTargetContext(ctx, text, m.resolver)
	if err != nil {
		return err
	}
	m.banMu.Lock()
	defer m.banMu.Unlock()
	if m.banStore != nil {
		if err := m.banStore.Save(BanEntry{Target: target.String(), AddedAt: m.now().UTC()}); err != nil {
			return fmt.Errorf("ban %s: %w", target, err)
		}
	}
	m.applyBan(target)
	m.observeBans()
	m.logger.Info("address banned", logging.MaskField("target", target.String()))
	return nil
}

// UnbanAddress removes an address or block from the ban list. Unbanning an
// address does not lift a block that contains it.
func (m *Manager) UnbanAddress(text string) error {
	return m.UnbanAddressContext(context.Background(), text)
}

// UnbanAddressContext is UnbanAddress with a context bounding resolution.
func (m *Manager) UnbanAddressContext(ctx context.Context, text string) error {
	target, err := ParseBanTargetContext(ctx, text, m.resolver)
	if err != nil {
		return err
	}
	m.banMu.Lock()
	defer m.banMu.Unlock()
	if m.banStore != nil {
		if err := m.banStore.Delete(target.String()); err != nil {
			return fmt.Errorf("unban %s: %w", target, err)
		}
	}
	if target.IsBlock() {
		m.bans.RemoveBlock(target.Block)
	} else {
		m.bans.RemoveAddress(target.Addr)
	}
	m.observeBans()
	m.logger.Info("address unbanned", logging.MaskField("target", target.String()))
	return nil
}

func (m *Manager) applyBan(target BanTarget) {
	if target.IsBlock() {
		m.bans.AddBlock(target.Block)
		return
	}
	m.bans.AddAddress(target.Addr)
}

func (m *Manager) observeBans() {
	if m.metrics == nil {
		return
	}
	m.metrics.setBanned(len(m.bans.Addresses()), len(m.bans.Blocks()))
}

// BannedAddresses lists the exact bans followed by the blocks.
func (m *Manager) BannedAddresses() []string {
	addresses := m.bans.Addresses()
	blocks := m.bans.Blocks()
	out := make([]string, 0, len(addresses)+len(blocks))
	for _, addr := range addresses {
		out = append(out, addr.String())
	}
	for _, block := range blocks {
		out = append(out, block.Description())
	}
	return out
}

// PeersInformation returns a snapshot of every node record followed by every
// address record, each axis from least to most recently used. Recency is not
// changed and elapsed punishments are shown as ended.
func (m *Manager) PeersInformation() []PeerInfo {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PeerInfo, 0, m.nodes.Len()+m.addresses.Len())
	for _, id := range m.nodes.Keys() {
		if rec, ok := m.nodes.Peek(id); ok {
			out = append(out, rec.view(now).info(id.Short(), PeerTypeNode))
		}
	}
	for _, addr := range m.addresses.Keys() {
		if rec, ok := m.addresses.Peek(addr); ok {
			out = append(out, rec.view(now).info(addr.String(), PeerTypeAddress))
		}
	}
	return out
}

// NodeInfo returns the record for id without creating one.
func (m *Manager) NodeInfo(id NodeID) (PeerInfo, bool) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodes.Peek(id)
	if !ok {
		return PeerInfo{}, false
	}
	return rec.view(now).info(id.Short(), PeerTypeNode), true
}

// AddressInfo returns the record for addr without creating one.
func (m *Manager) AddressInfo(addr netip.Addr) (PeerInfo, bool) {
	addr = normalizeAddr(addr)
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.addresses.Peek(addr)
	if !ok {
		return PeerInfo{}, false
	}
	return rec.view(now).info(addr.String(), PeerTypeAddress), true
}

// ClearNode forgets everything recorded for id, including punishments.
func (m *Manager) ClearNode(id NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := m.nodes.Remove(id)
	if removed {
		m.metrics.setTracked(axisNode, m.nodes.Len())
	}
	return removed
}

// ClearAddress forgets everything recorded for addr. Ban list entries are
// not touched.
func (m *Manager) ClearAddress(addr netip.Addr) bool {
	addr = normalizeAddr(addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := m.addresses.Remove(addr)
	if removed {
		m.metrics.setTracked(axisAddress, m.addresses.Len())
	}
	return removed
}

// Summary aggregates the peers currently holding a bad reputation.
func (m *Manager) Summary() BadReputationSummary {
	return Summarize(m.PeersInformation(), m.now())
}
