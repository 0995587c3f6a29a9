package scoring

// strikeEvents are the kinds of which a single occurrence costs a peer its
// good reputation.
var strikeEvents = [...]EventType{EventInvalidBlock, EventInvalidMessage, EventInvalidHeader}

// hasGoodScore is the reputation rule: a record stays good while it has no
// invalid block, invalid message or invalid header on its counters.
func hasGoodScore(r *record) bool {
	for _, kind := range strikeEvents {
		if r.count(kind) >= 1 {
			return false
		}
	}
	return true
}
