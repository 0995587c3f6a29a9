package scoring

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
)

// NodeID is the logical identity of a peer, independent of its network address.
// It holds the raw id bytes; the zero value means no id is known.
type NodeID string

// NodeIDFromBytes copies b into a NodeID.
func NodeIDFromBytes(b []byte) NodeID {
	return NodeID(b)
}

// ParseNodeID decodes a hex encoded node id, with or without a 0x prefix.
func ParseNodeID(raw string) (NodeID, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNodeID)
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
	}
	return NodeID(decoded), nil
}

// Bytes returns a copy of the raw id.
func (id NodeID) Bytes() []byte {
	return []byte(id)
}

// IsZero reports whether the id is absent.
func (id NodeID) IsZero() bool {
	return id == ""
}

func (id NodeID) String() string {
	return hex.EncodeToString([]byte(id))
}

// Short returns the first eight hex characters, used as a presentation label.
func (id NodeID) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// normalizeAddr folds IPv4-mapped IPv6 addresses to plain IPv4 and drops zones
// so that the same peer always maps to the same record and byte length.
func normalizeAddr(addr netip.Addr) netip.Addr {
	if !addr.IsValid() {
		return addr
	}
	return addr.Unmap().WithZone("")
}
