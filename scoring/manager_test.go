package scoring

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"peerguard/observability/logging"
	"peerguard/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	params := PunishmentParams{Initial: 10 * time.Minute, IncrementRate: 10, Maximum: 24 * time.Hour}
	cfg.Nodes = params
	cfg.Addresses = params
	return cfg
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now), WithMetrics(false)}, opts...)
	mgr, err := NewManager(cfg, opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr, clock
}

var (
	nodeA = NodeID("\x01\x02\x03\x04\x05\x06\x07\x08")
	nodeB = NodeID("\x0a\x0b\x0c\x0d\x0e\x0f\x10\x11")
	nodeC = NodeID("\xaa\xbb\xcc\xdd\xee\xff\x00\x11")
	addrA = netip.MustParseAddr("203.0.113.10")
	addrB = netip.MustParseAddr("203.0.113.11")
)

func TestManagerUnknownPeersAreGood(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig())
	if !mgr.HasGoodNodeReputation(nodeA) || !mgr.HasGoodAddressReputation(addrA) {
		t.Fatalf("unknown peers must be good")
	}
	if len(mgr.PeersInformation()) != 0 {
		t.Fatalf("queries must not create records")
	}
}

func TestManagerInvalidBlockPunishesBothAxes(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig())
	mgr.RecordEvent(nodeA, addrA, EventInvalidBlock)

	if mgr.HasGoodNodeReputation(nodeA) {
		t.Fatalf("node should be punished")
	}
	if mgr.HasGoodAddressReputation(addrA) {
		t.Fatalf("address should be punished")
	}
	info, ok := mgr.NodeInfo(nodeA)
	if !ok {
		t.Fatalf("expected node record")
	}
	if info.Punishments != 1 || info.Score != -1 || info.InvalidBlocks != 1 {
		t.Fatalf("unexpected node info %+v", info)
	}
	if info.PunishedUntil == 0 {
		t.Fatalf("punished record should carry its end time")
	}
}

func TestManagerAxesAreIndependent(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig())
	mgr.RecordEvent(nodeA, netip.Addr{}, EventInvalidMessage)
	mgr.RecordEvent("", addrB, EventInvalidHeader)

	if mgr.HasGoodNodeReputation(nodeA) {
		t.Fatalf("node A should be punished")
	}
	if !mgr.HasGoodAddressReputation(addrA) {
		t.Fatalf("address A was never reported")
	}
	if mgr.HasGoodAddressReputation(addrB) {
		t.Fatalf("address B should be punished")
	}
	if _, ok := mgr.AddressInfo(addrA); ok {
		t.Fatalf("no record expected for address A")
	}
}

func TestManagerInvalidTransactionDoesNotPunish(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig())
	mgr.RecordEvent(nodeA, addrA, EventInvalidTransaction)
	mgr.RecordEvent(nodeA, addrA, EventTimeoutMessage)

	if !mgr.HasGoodNodeReputation(nodeA) {
		t.Fatalf("invalid transaction alone must not punish")
	}
	info, _ := mgr.NodeInfo(nodeA)
	if info.Score != -1 || info.TimeoutMessages != 1 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestManagerPunishmentExpiresAndEscalates(t *testing.T) {
	mgr, clock := newTestManager(t, testConfig())
	mgr.RecordEvent(nodeA, addrA, EventInvalidBlock)
	first, _ := mgr.NodeInfo(nodeA)
	start := clock.Now()
	if want := start.Add(10 * time.Minute).UnixMilli(); first.PunishedUntil != want {
		t.Fatalf("expected first punishment to end at %d, got %d", want, first.PunishedUntil)
	}

	clock.Advance(10*time.Minute - time.Millisecond)
	if mgr.HasGoodNodeReputation(nodeA) {
		t.Fatalf("punishment should still hold")
	}
	clock.Advance(time.Millisecond)
	if !mgr.HasGoodNodeReputation(nodeA) {
		t.Fatalf("punishment should be over")
	}
	info, _ := mgr.NodeInfo(nodeA)
	if info.TotalEvents != 0 || info.Score != 0 || info.Punishments != 1 {
		t.Fatalf("expiry should clear counters and score but keep the count: %+v", info)
	}

	// The address was not queried, so its expiry happens lazily on the next event.
	mgr.RecordEvent(nodeA, addrA, EventInvalidBlock)
	second, _ := mgr.NodeInfo(nodeA)
	if want := clock.Now().Add(11 * time.Minute).UnixMilli(); second.PunishedUntil != want {
		t.Fatalf("expected escalated punishment ending at %d, got %d", want, second.PunishedUntil)
	}
	addrInfo, _ := mgr.AddressInfo(addrA)
	if addrInfo.Punishments != 2 || addrInfo.InvalidBlocks != 1 {
		t.Fatalf("address should restart from a clean record before the new event: %+v", addrInfo)
	}
}

func TestManagerSeverityScalesDuration(t *testing.T) {
	mgr, clock := newTestManager(t, testConfig())
	mgr.RecordEvent(nodeA, netip.Addr{}, EventInvalidTransaction)
	mgr.RecordEvent(nodeA, netip.Addr{}, EventInvalidNetwork)
	mgr.RecordEvent(nodeA, netip.Addr{}, EventInvalidBlock)

	info, _ := mgr.NodeInfo(nodeA)
	if info.Score != -3 {
		t.Fatalf("expected score -3, got %d", info.Score)
	}
	if want := clock.Now().Add(30 * time.Minute).UnixMilli(); info.PunishedUntil != want {
		t.Fatalf("expected a 30 minute punishment, got until %d want %d", info.PunishedUntil, want)
	}
}

func TestManagerEventsDuringPunishmentDoNotRestartIt(t *testing.T) {
	mgr, clock := newTestManager(t, testConfig())
	mgr.RecordEvent(nodeA, netip.Addr{}, EventInvalidBlock)
	first, _ := mgr.NodeInfo(nodeA)
	clock.Advance(time.Minute)
	mgr.RecordEvent(nodeA, netip.Addr{}, EventInvalidBlock)
	again, _ := mgr.NodeInfo(nodeA)
	if again.PunishedUntil != first.PunishedUntil || again.Punishments != 1 {
		t.Fatalf("a punished peer must not be punished again: %+v", again)
	}
	if again.InvalidBlocks != 2 {
		t.Fatalf("events should still be counted")
	}
}

func TestManagerOverflowFallsBack(t *testing.T) {
	cfg := testConfig()
	cfg.Nodes = PunishmentParams{Initial: time.Hour, IncrementRate: 100}
	mgr, clock := newTestManager(t, cfg)
	mgr.RecordEvent(nodeA, netip.Addr{}, EventValidBlock)

	mgr.mu.Lock()
	rec, _ := mgr.nodes.Peek(nodeA)
	rec.punishmentCount = 64
	mgr.mu.Unlock()

	mgr.RecordEvent(nodeA, netip.Addr{}, EventInvalidBlock)
	if mgr.HasGoodNodeReputation(nodeA) {
		t.Fatalf("overflow must still punish")
	}
	info, _ := mgr.NodeInfo(nodeA)
	if info.PunishedUntil <= clock.Now().Add(100*365*24*time.Hour).UnixMilli() {
		t.Fatalf("expected the largest duration, got until %d", info.PunishedUntil)
	}
}

func TestManagerPunishmentDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.PunishmentEnabled = false
	mgr, _ := newTestManager(t, cfg)
	mgr.RecordEvent(nodeA, addrA, EventInvalidBlock)
	if !mgr.HasGoodNodeReputation(nodeA) || !mgr.HasGoodAddressReputation(addrA) {
		t.Fatalf("disabled punishment keeps peers good")
	}
	info, _ := mgr.NodeInfo(nodeA)
	if info.InvalidBlocks != 1 || info.Punishments != 0 {
		t.Fatalf("events should still be recorded: %+v", info)
	}
}

func TestManagerBanAddressAndBlock(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig())
	require.NoError(t, mgr.BanAddress("203.0.113.10"))
	require.NoError(t, mgr.BanAddress("198.51.100.0/24"))

	require.False(t, mgr.HasGoodAddressReputation(addrA))
	require.True(t, mgr.IsAddressBanned(netip.MustParseAddr("198.51.100.77")))
	require.False(t, mgr.HasGoodAddressReputation(netip.MustParseAddr("::ffff:198.51.100.77")))
	require.True(t, mgr.HasGoodAddressReputation(addrB))
	require.Equal(t, []string{"203.0.113.10", "198.51.100.0/24"}, mgr.BannedAddresses())

	require.NoError(t, mgr.UnbanAddress("203.0.113.10"))
	require.NoError(t, mgr.UnbanAddress("198.51.100.0/24"))
	require.True(t, mgr.HasGoodAddressReputation(addrA))
	require.Empty(t, mgr.BannedAddresses())
}

func TestManagerBanRejectsInvalidText(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig())
	err := mgr.BanAddress("192.168.56.1/a")
	require.ErrorIs(t, err, ErrInvalidAddressBlock)
	require.ErrorIs(t, mgr.BanAddress("localhost"), ErrInvalidAddress)
	require.ErrorIs(t, mgr.UnbanAddress("not an address"), ErrInvalidAddress)
	require.Empty(t, mgr.BannedAddresses())
}

type failingBanStore struct {
	err error
}

func (f failingBanStore) Save(BanEntry) error       { return f.err }
func (f failingBanStore) Delete(string) error       { return f.err }
func (f failingBanStore) Load() ([]BanEntry, error) { return nil, nil }

func TestManagerBanIsAllOrNothing(t *testing.T) {
	boom := errors.New("disk full")
	mgr, _ := newTestManager(t, testConfig(), WithBanStore(failingBanStore{err: boom}))
	err := mgr.BanAddress("203.0.113.10")
	require.ErrorIs(t, err, boom)
	require.True(t, mgr.HasGoodAddressReputation(addrA))
	require.Empty(t, mgr.BannedAddresses())
}

func TestManagerUnbanIsAllOrNothing(t *testing.T) {
	cfg := testConfig()
	cfg.BannedAddresses = []string{"203.0.113.10"}
	mgr, _ := newTestManager(t, cfg, WithBanStore(failingBanStore{err: errors.New("io")}))
	require.Error(t, mgr.UnbanAddress("203.0.113.10"))
	require.True(t, mgr.IsAddressBanned(addrA))
}

func TestManagerConfiguredBans(t *testing.T) {
	cfg := testConfig()
	cfg.BannedAddresses = []string{"203.0.113.0/24", "198.51.100.4"}
	cfg.BannedNodeIDs = []NodeID{nodeB}
	store, _ := NewDBBanStore(storage.NewMemDB())
	mgr, _ := newTestManager(t, cfg, WithBanStore(store))

	require.False(t, mgr.HasGoodAddressReputation(addrB))
	require.False(t, mgr.HasGoodAddressReputation(netip.MustParseAddr("198.51.100.4")))
	require.False(t, mgr.HasGoodNodeReputation(nodeB))
	require.True(t, mgr.IsNodeBanned(nodeB))
	require.True(t, mgr.HasGoodNodeReputation(nodeA))

	entries, err := store.Load()
	require.NoError(t, err)
	require.Empty(t, entries, "configured bans are not persisted")
}

func TestManagerRejectsMalformedConfiguredBan(t *testing.T) {
	cfg := testConfig()
	cfg.BannedAddresses = []string{"192.168.56.1/a"}
	_, err := NewManager(cfg, WithMetrics(false))
	require.ErrorIs(t, err, ErrInvalidAddressBlock)

	cfg = testConfig()
	cfg.NodePeersSize = 0
	_, err = NewManager(cfg, WithMetrics(false))
	require.Error(t, err)
}

func TestManagerEvictsLeastRecentlyUsed(t *testing.T) {
	cfg := testConfig()
	cfg.NodePeersSize = 2
	cfg.AddressPeersSize = 2
	mgr, _ := newTestManager(t, cfg)

	mgr.RecordEvent(nodeA, netip.Addr{}, EventInvalidBlock)
	mgr.RecordEvent(nodeB, netip.Addr{}, EventValidBlock)
	// Touch A so that B becomes the eviction candidate.
	mgr.HasGoodNodeReputation(nodeA)
	mgr.RecordEvent(nodeC, netip.Addr{}, EventValidBlock)

	if _, ok := mgr.NodeInfo(nodeB); ok {
		t.Fatalf("least recently used node should have been evicted")
	}
	if mgr.HasGoodNodeReputation(nodeA) {
		t.Fatalf("recently used punished node should have been kept")
	}

	for i := 0; i < 5; i++ {
		mgr.RecordEvent("", netip.AddrFrom4([4]byte{198, 51, 100, byte(i + 1)}), EventInvalidBlock)
	}
	if got := len(mgr.PeersInformation()); got != 4 {
		t.Fatalf("expected 2 nodes and 2 addresses, got %d records", got)
	}
	if !mgr.HasGoodAddressReputation(netip.MustParseAddr("198.51.100.1")) {
		t.Fatalf("evicted address is forgiven")
	}
}

func TestManagerPeersInformationOrder(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig())
	mgr.RecordEvent(nodeA, addrA, EventValidBlock)
	mgr.RecordEvent(nodeB, addrB, EventInvalidBlock)

	before := mgr.PeersInformation()
	require.Len(t, before, 4)
	require.Equal(t, []string{nodeA.Short(), nodeB.Short(), "203.0.113.10", "203.0.113.11"},
		[]string{before[0].ID, before[1].ID, before[2].ID, before[3].ID})
	require.Equal(t, PeerTypeNode, before[0].Type)
	require.Equal(t, PeerTypeAddress, before[3].Type)
	require.True(t, before[0].GoodReputation)
	require.False(t, before[1].GoodReputation)

	require.Equal(t, before, mgr.PeersInformation(), "snapshots must not change recency")

	before[0].Score = 99
	after, _ := mgr.NodeInfo(nodeA)
	require.Equal(t, 1, after.Score)
}

func TestManagerClear(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig())
	mgr.RecordEvent(nodeA, addrA, EventInvalidBlock)

	require.True(t, mgr.ClearNode(nodeA))
	require.False(t, mgr.ClearNode(nodeA))
	require.True(t, mgr.HasGoodNodeReputation(nodeA))
	require.False(t, mgr.HasGoodAddressReputation(addrA))

	require.True(t, mgr.ClearAddress(addrA))
	require.True(t, mgr.HasGoodAddressReputation(addrA))
}

func TestManagerSummary(t *testing.T) {
	mgr, clock := newTestManager(t, testConfig())
	mgr.RecordEvent(nodeA, addrA, EventInvalidBlock)
	mgr.RecordEvent(nodeB, addrB, EventValidBlock)
	mgr.RecordEvent(nodeC, netip.Addr{}, EventInvalidHeader)

	summary := mgr.Summary()
	require.NotEmpty(t, summary.ReportID)
	require.Equal(t, 3, summary.Count)
	require.Equal(t, 2, summary.NodeCount)
	require.Equal(t, 1, summary.AddressCount)
	require.Equal(t, uint64(2), summary.InvalidBlocks)
	require.Equal(t, uint64(1), summary.InvalidHeaders)
	require.Zero(t, summary.ValidBlocks)
	require.True(t, summary.GeneratedAt.Equal(clock.Now()))

	clock.Advance(time.Hour)
	require.Zero(t, mgr.Summary().Count, "elapsed punishments are not reported")
	require.NotEqual(t, summary.ReportID, mgr.Summary().ReportID)
}

func TestManagerConcurrentEvents(t *testing.T) {
	cfg := testConfig()
	cfg.NodePeersSize = 8
	cfg.AddressPeersSize = 8
	mgr, clock := newTestManager(t, cfg)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := NodeID([]byte{byte(g)})
			addr := netip.AddrFrom4([4]byte{203, 0, 113, byte(g)})
			for i := 0; i < 200; i++ {
				kind := EventValidBlock
				if i%50 == 0 {
					kind = EventInvalidMessage
				}
				mgr.RecordEvent(id, addr, kind)
				_ = mgr.HasGoodNodeReputation(id)
				_ = mgr.HasGoodAddressReputation(addr)
				if i%20 == 0 {
					_ = mgr.PeersInformation()
					clock.Advance(time.Minute)
				}
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = mgr.BanAddress("198.51.100.0/24")
			_ = mgr.UnbanAddress("198.51.100.0/24")
			_ = mgr.Summary()
		}
	}()
	wg.Wait()

	infos := mgr.PeersInformation()
	if len(infos) != 16 {
		t.Fatalf("expected both stores full (8+8), got %d", len(infos))
	}
}

func TestManagerConcurrentEventsKeepEveryCount(t *testing.T) {
	const (
		workers = 32
		events  = 500
	)
	cfg := testConfig()
	cfg.NodePeersSize = workers
	cfg.AddressPeersSize = workers
	mgr, _ := newTestManager(t, cfg)

	var wg sync.WaitGroup
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			var raw [8]byte
			binary.BigEndian.PutUint64(raw[:], uint64(g)+1)
			id := NodeID(raw[:])
			addr := netip.AddrFrom4([4]byte{198, 51, 100, byte(g)})
			for i := 0; i < events; i++ {
				mgr.RecordEvent(id, addr, EventValidTransaction)
			}
		}(g)
	}
	wg.Wait()

	infos := mgr.PeersInformation()
	require.Len(t, infos, 2*workers)
	var total uint64
	for _, info := range infos {
		total += info.ValidTransactions
	}
	require.Equal(t, uint64(2*workers*events), total)
}

func TestManagerLogsAllowlistedFieldsInClear(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, "scoringd", "test", slog.LevelInfo)
	mgr, _ := newTestManager(t, testConfig(), WithLogger(logger))

	mgr.RecordEvent(nodeA, addrA, EventInvalidBlock)
	require.NoError(t, mgr.BanAddress("192.0.2.0/24"))

	out := buf.String()
	require.Contains(t, out, `"peer":"`+nodeA.Short()+`"`)
	require.Contains(t, out, `"peer":"`+addrA.String()+`"`)
	require.Contains(t, out, `"target":"192.0.2.0/24"`)
	require.Contains(t, out, `"event":"`+EventInvalidBlock.String()+`"`)
	require.False(t, strings.Contains(out, logging.RedactedValue), "allowlisted fields must not be redacted: %s", out)
}
