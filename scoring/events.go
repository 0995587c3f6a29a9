package scoring

import (
	"fmt"
	"strings"
)

// EventType identifies a behavioral observation reported by the protocol layer.
type EventType uint8

const (
	EventInvalidBlock EventType = iota
	EventValidBlock
	EventInvalidTransaction
	EventValidTransaction
	EventFailedHandshake
	EventSuccessfulHandshake
	EventInvalidNetwork
	EventIncompatibleProtocol
	EventDisconnection
	EventRepeatedMessage
	EventInvalidMessage
	EventTimeoutMessage
	EventUnexpectedMessage
	EventInvalidHeader

	numEventTypes
)

// Effect describes how an event moves a record's running score.
type Effect uint8

const (
	EffectUnknown Effect = iota
	EffectMalicious
	EffectBenign
	EffectNeutral
)

func (e Effect) String() string {
	switch e {
	case EffectMalicious:
		return "malicious"
	case EffectBenign:
		return "benign"
	case EffectNeutral:
		return "neutral"
	default:
		return "unknown"
	}
}

// EventTypes returns every declared event type in declaration order.
func EventTypes() []EventType {
	out := make([]EventType, 0, numEventTypes)
	for t := EventType(0); t < numEventTypes; t++ {
		out = append(out, t)
	}
	return out
}

// Valid reports whether t is one of the declared event types.
func (t EventType) Valid() bool {
	return t < numEventTypes
}

// Effect classifies the event. Every declared kind must appear in this switch.
func (t EventType) Effect() Effect {
	switch t {
	case EventInvalidBlock,
		EventInvalidTransaction,
		EventInvalidNetwork,
		EventInvalidMessage,
		EventInvalidHeader:
		return EffectMalicious
	case EventValidBlock,
		EventValidTransaction:
		return EffectBenign
	case EventFailedHandshake,
		EventSuccessfulHandshake,
		EventIncompatibleProtocol,
		EventDisconnection,
		EventRepeatedMessage,
		EventTimeoutMessage,
		EventUnexpectedMessage:
		return EffectNeutral
	default:
		return EffectUnknown
	}
}

func (t EventType) String() string {
	switch t {
	case EventInvalidBlock:
		return "INVALID_BLOCK"
	case EventValidBlock:
		return "VALID_BLOCK"
	case EventInvalidTransaction:
		return "INVALID_TRANSACTION"
	case EventValidTransaction:
		return "VALID_TRANSACTION"
	case EventFailedHandshake:
		return "FAILED_HANDSHAKE"
	case EventSuccessfulHandshake:
		return "SUCCESSFUL_HANDSHAKE"
	case EventInvalidNetwork:
		return "INVALID_NETWORK"
	case EventIncompatibleProtocol:
		return "INCOMPATIBLE_PROTOCOL"
	case EventDisconnection:
		return "DISCONNECTION"
	case EventRepeatedMessage:
		return "REPEATED_MESSAGE"
	case EventInvalidMessage:
		return "INVALID_MESSAGE"
	case EventTimeoutMessage:
		return "TIMEOUT_MESSAGE"
	case EventUnexpectedMessage:
		return "UNEXPECTED_MESSAGE"
	case EventInvalidHeader:
		return "INVALID_HEADER"
	default:
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
}

// ParseEventType accepts the upper-snake name of an event, case-insensitively.
func ParseEventType(raw string) (EventType, error) {
	name := strings.ToUpper(strings.TrimSpace(raw))
	for _, t := range EventTypes() {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("scoring: unknown event type %q", raw)
}
