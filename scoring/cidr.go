package scoring

import (
	"bytes"
	"fmt"
	"net/netip"
)

// AddressBlock is a contiguous range of addresses given by a base address and a
// prefix length. Matching works on the raw address bytes: whole bytes covered by
// the prefix must be equal, and the remaining prefix bits are compared through a
// partial mask on the next byte.
type AddressBlock struct {
	base       netip.Addr
	prefixBits int

	fullBytes   int
	partialMask byte
}

// NewAddressBlock builds a block for addr/prefixBits. The prefix must be in
// 1..32 for IPv4 and 1..128 for IPv6.
func NewAddressBlock(addr netip.Addr, prefixBits int) (AddressBlock, error) {
	if !addr.IsValid() {
		return AddressBlock{}, fmt.Errorf("%w: missing base address", ErrInvalidAddressBlock)
	}
	addr = normalizeAddr(addr)
	if prefixBits <= 0 || prefixBits > addr.BitLen() {
		return AddressBlock{}, fmt.Errorf("%w: prefix %d out of range for %s", ErrInvalidAddressBlock, prefixBits, addr)
	}
	return AddressBlock{
		base:        addr,
		prefixBits:  prefixBits,
		fullBytes:   prefixBits / 8,
		partialMask: byte(uint16(0xFF00) >> (prefixBits & 7)),
	}, nil
}

// MustAddressBlock is like NewAddressBlock but panics on error. Intended for tests
// and static tables.
func MustAddressBlock(cidr string) AddressBlock {
	target, err := ParseBanTarget(cidr)
	if err != nil {
		panic(err)
	}
	if !target.IsBlock() {
		panic(fmt.Sprintf("scoring: %q is not an address block", cidr))
	}
	return target.Block
}

// Contains reports whether addr falls inside the block. Addresses of the other
// family never match.
func (b AddressBlock) Contains(addr netip.Addr) bool {
	if !b.base.IsValid() || !addr.IsValid() {
		return false
	}
	addr = normalizeAddr(addr)
	if addr.BitLen() != b.base.BitLen() {
		return false
	}
	candidate := addr.AsSlice()
	base := b.base.AsSlice()

	if !bytes.Equal(candidate[:b.fullBytes], base[:b.fullBytes]) {
		return false
	}
	if b.partialMask == 0 {
		return true
	}
	return candidate[b.fullBytes]&b.partialMask == base[b.fullBytes]&b.partialMask
}

// Base returns the address the block was built from.
func (b AddressBlock) Base() netip.Addr {
	return b.base
}

// PrefixBits returns the prefix length.
func (b AddressBlock) PrefixBits() int {
	return b.prefixBits
}

// Description renders the block as "<addr>/<bits>".
func (b AddressBlock) Description() string {
	return fmt.Sprintf("%s/%d", b.base, b.prefixBits)
}

func (b AddressBlock) String() string {
	return b.Description()
}

// Equal compares prefix length and base bytes. The base is not masked, so
// 10.0.0.1/8 and 10.0.0.2/8 are distinct blocks even though they cover the
// same range.
func (b AddressBlock) Equal(other AddressBlock) bool {
	return b.key() == other.key()
}

type blockKey struct {
	base netip.Addr
	bits int
}

func (b AddressBlock) key() blockKey {
	return blockKey{base: b.base, bits: b.prefixBits}
}
