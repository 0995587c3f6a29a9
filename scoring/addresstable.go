package scoring

import (
	"net/netip"
	"sort"
	"sync"
)

// AddressTable is the administrator controlled ban list. It holds exact
// addresses and address blocks and is safe for concurrent use.
type AddressTable struct {
	mu        sync.RWMutex
	addresses map[netip.Addr]struct{}
	blocks    map[blockKey]AddressBlock
}

// NewAddressTable returns an empty table.
func NewAddressTable() *AddressTable {
	return &AddressTable{
		addresses: make(map[netip.Addr]struct{}),
		blocks:    make(map[blockKey]AddressBlock),
	}
}

// AddAddress bans a single address.
func (t *AddressTable) AddAddress(addr netip.Addr) {
	if !addr.IsValid() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addresses[normalizeAddr(addr)] = struct{}{}
}

// RemoveAddress lifts the ban on a single address. Blocks containing the
// address are not affected.
func (t *AddressTable) RemoveAddress(addr netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.addresses, normalizeAddr(addr))
}

// AddBlock bans every address in block.
func (t *AddressTable) AddBlock(block AddressBlock) {
	if !block.base.IsValid() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocks[block.key()] = block
}

// RemoveBlock removes a block previously added with the same base and prefix.
func (t *AddressTable) RemoveBlock(block AddressBlock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.blocks, block.key())
}

// Contains reports whether addr is banned exactly or through any block.
func (t *AddressTable) Contains(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = normalizeAddr(addr)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.addresses[addr]; ok {
		return true
	}
	for _, block := range t.blocks {
		if block.Contains(addr) {
			return true
		}
	}
	return false
}

// Addresses returns the exactly banned addresses in ascending order.
func (t *AddressTable) Addresses() []netip.Addr {
	t.mu.RLock()
	out := make([]netip.Addr, 0, len(t.addresses))
	for addr := range t.addresses {
		out = append(out, addr)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Blocks returns the banned blocks ordered by base address then prefix.
func (t *AddressTable) Blocks() []AddressBlock {
	t.mu.RLock()
	out := make([]AddressBlock, 0, len(t.blocks))
	for _, block := range t.blocks {
		out = append(out, block)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].base != out[j].base {
			return out[i].base.Less(out[j].base)
		}
		return out[i].prefixBits < out[j].prefixBits
	})
	return out
}

// Len returns the number of exact entries and blocks.
func (t *AddressTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.addresses) + len(t.blocks)
}
