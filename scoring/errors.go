package scoring

import "errors"

var (
	// ErrInvalidAddress indicates a ban target that is not a usable peer address:
	// unparsable, unresolvable, loopback or unspecified.
	ErrInvalidAddress = errors.New("scoring: invalid address")

	// ErrInvalidAddressBlock indicates a malformed CIDR block or an out of range prefix.
	ErrInvalidAddressBlock = errors.New("scoring: invalid address block")

	// ErrPunishmentOverflow is returned when the punishment escalation does not fit in 64 bits.
	ErrPunishmentOverflow = errors.New("scoring: punishment duration overflow")

	// ErrCorruptBanEntry marks a persisted ban entry that cannot be decoded.
	ErrCorruptBanEntry = errors.New("scoring: corrupt ban entry")

	// ErrInvalidNodeID is returned when a configured node id is not valid hex.
	ErrInvalidNodeID = errors.New("scoring: invalid node id")
)

// IsInvalidAddress reports whether err was caused by an invalid address or address block.
func IsInvalidAddress(err error) bool {
	return errors.Is(err, ErrInvalidAddress) || errors.Is(err, ErrInvalidAddressBlock)
}
