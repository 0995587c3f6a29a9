package scoring

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// BanTarget is a parsed ban list entry: either one address or an address block.
type BanTarget struct {
	Addr  netip.Addr
	Block AddressBlock
	block bool
}

// IsBlock reports whether the target is an address block.
func (t BanTarget) IsBlock() bool {
	return t.block
}

// String returns the canonical text form, which is also the persisted form.
func (t BanTarget) String() string {
	if t.block {
		return t.Block.Description()
	}
	return t.Addr.String()
}

// hasMask reports whether text is written as address/bits: exactly one slash
// with something on both sides.
func hasMask(text string) bool {
	if strings.Count(text, "/") != 1 {
		return false
	}
	addr, bits, _ := strings.Cut(text, "/")
	return addr != "" && bits != ""
}

// ParseBanTarget parses a literal IP address or an address/bits block. Host
// names are rejected; use ParseBanTargetContext with a Resolver to allow them.
func ParseBanTarget(text string) (BanTarget, error) {
	return ParseBanTargetContext(context.Background(), text, nil)
}

// ParseBanTargetContext parses text as a ban list entry. The address part may be
// a host name when resolver is non-nil; the first resolved address is used.
func ParseBanTargetContext(ctx context.Context, text string, resolver Resolver) (BanTarget, error) {
	text = strings.TrimSpace(text)
	if !hasMask(text) {
		addr, err := addressForBan(ctx, text, resolver)
		if err != nil {
			return BanTarget{}, err
		}
		return BanTarget{Addr: addr}, nil
	}

	addrPart, bitsPart, _ := strings.Cut(text, "/")
	addr, err := addressForBan(ctx, addrPart, resolver)
	if err != nil {
		return BanTarget{}, err
	}
	bits, err := strconv.Atoi(strings.TrimSpace(bitsPart))
	if err != nil {
		return BanTarget{}, fmt.Errorf("%w: mask %q is not a number", ErrInvalidAddressBlock, bitsPart)
	}
	block, err := NewAddressBlock(addr, bits)
	if err != nil {
		return BanTarget{}, err
	}
	return BanTarget{Addr: block.Base(), Block: block, block: true}, nil
}

func addressForBan(ctx context.Context, host string, resolver Resolver) (netip.Addr, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return netip.Addr{}, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		if resolver == nil {
			return netip.Addr{}, fmt.Errorf("%w: %q is not an IP address", ErrInvalidAddress, host)
		}
		resolved, lookupErr := resolver.LookupNetIP(ctx, host)
		if lookupErr != nil {
			return netip.Addr{}, fmt.Errorf("%w: resolve %q: %v", ErrInvalidAddress, host, lookupErr)
		}
		if len(resolved) == 0 {
			return netip.Addr{}, fmt.Errorf("%w: %q has no addresses", ErrInvalidAddress, host)
		}
		addr = resolved[0]
	}
	addr = normalizeAddr(addr)
	if addr.IsLoopback() || addr.IsUnspecified() {
		return netip.Addr{}, fmt.Errorf("%w: %s is a local address", ErrInvalidAddress, addr)
	}
	return addr, nil
}
