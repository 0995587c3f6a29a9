package scoring

import "time"

// record is the mutable reputation state kept for one node id or one address.
// It is not safe for concurrent use; the Manager serialises access.
type record struct {
	counters [numEventTypes]uint64
	score    int

	goodReputation         bool
	timeLostGoodReputation time.Time
	expirationTime         time.Duration
	punishmentCount        uint32

	punishmentEnabled bool
}

func newRecord(punishmentEnabled bool) *record {
	return &record{goodReputation: true, punishmentEnabled: punishmentEnabled}
}

// recordEvent counts the event and moves the score. A malicious event always
// leaves the score negative; benign events only raise a non-negative score, so a
// peer cannot earn its way back once it went negative.
func (r *record) recordEvent(kind EventType) {
	if !kind.Valid() {
		return
	}
	r.counters[kind]++

	switch kind.Effect() {
	case EffectMalicious:
		if r.score > 0 {
			r.score = 0
		}
		r.score--
	case EffectBenign:
		if r.score >= 0 {
			r.score++
		}
	}
}

// check returns the verdict at now and whether an elapsed punishment must be
// ended before the verdict holds. It does not modify the record.
func (r *record) check(now time.Time) (good bool, expired bool) {
	if r.goodReputation {
		return true, false
	}
	if r.expirationTime > 0 && !r.timeLostGoodReputation.IsZero() &&
		!now.Before(r.timeLostGoodReputation.Add(r.expirationTime)) {
		return true, true
	}
	return false, false
}

// refresh applies a pending expiry and reports the verdict.
func (r *record) refresh(now time.Time) bool {
	good, expired := r.check(now)
	if expired {
		r.endPunishment()
	}
	return good
}

// view returns the record as it reads at now: when the punishment has elapsed
// a forgiven copy is returned and the receiver is left alone.
func (r *record) view(now time.Time) *record {
	if _, expired := r.check(now); expired {
		forgiven := *r
		forgiven.endPunishment()
		return &forgiven
	}
	return r
}

// startPunishment marks the record as punished for d starting at now. It
// returns false, leaving the record untouched, when punishment is disabled.
func (r *record) startPunishment(d time.Duration, now time.Time) bool {
	if !r.punishmentEnabled {
		return false
	}
	r.goodReputation = false
	r.expirationTime = d
	r.timeLostGoodReputation = now
	r.punishmentCount++
	return true
}

// endPunishment forgives the peer. The punishment count survives so the next
// punishment escalates.
func (r *record) endPunishment() {
	r.counters = [numEventTypes]uint64{}
	r.score = 0
	r.goodReputation = true
	r.timeLostGoodReputation = time.Time{}
	r.expirationTime = 0
}

func (r *record) count(kind EventType) uint64 {
	if !kind.Valid() {
		return 0
	}
	return r.counters[kind]
}

func (r *record) totalEvents() uint64 {
	var total uint64
	for _, c := range r.counters {
		total += c
	}
	return total
}

func (r *record) punishedUntil() time.Time {
	if r.goodReputation || r.timeLostGoodReputation.IsZero() {
		return time.Time{}
	}
	return r.timeLostGoodReputation.Add(r.expirationTime)
}
