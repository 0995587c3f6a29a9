package scoring

import (
	"fmt"
	"math"
	"math/bits"
	"time"
)

// PunishmentParams configures one punishment schedule. Durations are applied
// with millisecond precision.
type PunishmentParams struct {
	// Initial is the duration of a first punishment.
	Initial time.Duration
	// IncrementRate is the percentage each previous punishment adds, so 10
	// makes every repeat 1.1x the previous one.
	IncrementRate uint32
	// Maximum caps every punishment. Zero means uncapped.
	Maximum time.Duration
}

func (p PunishmentParams) validate() error {
	if p.Initial < time.Millisecond {
		return fmt.Errorf("punishment duration must be at least 1ms, got %s", p.Initial)
	}
	if p.Maximum < 0 {
		return fmt.Errorf("maximum punishment duration must not be negative, got %s", p.Maximum)
	}
	if p.Maximum > 0 && p.Maximum < time.Millisecond {
		return fmt.Errorf("maximum punishment duration must be zero or at least 1ms, got %s", p.Maximum)
	}
	return nil
}

// Schedule computes escalating punishment durations.
type Schedule struct {
	params PunishmentParams
}

// NewSchedule returns a schedule for the given parameters.
func NewSchedule(params PunishmentParams) Schedule {
	return Schedule{params: params}
}

// Params returns the schedule configuration.
func (s Schedule) Params() PunishmentParams {
	return s.params
}

const maxDurationMillis = uint64(math.MaxInt64 / int64(time.Millisecond))

// Calculate returns the punishment duration for a peer that has already been
// punished punishmentCount times and currently holds score. Each prior
// punishment multiplies the initial duration by (100+IncrementRate)/100, and a
// negative score multiplies the result by its magnitude. The result never
// exceeds Maximum when one is set. ErrPunishmentOverflow is returned when an
// uncapped result does not fit.
func (s Schedule) Calculate(punishmentCount uint32, score int) (time.Duration, error) {
	result := uint64(s.params.Initial / time.Millisecond)
	maximum := uint64(0)
	if s.params.Maximum > 0 {
		maximum = uint64(s.params.Maximum / time.Millisecond)
	}
	rate := 100 + uint64(s.params.IncrementRate)

	for i := uint32(0); i < punishmentCount && rate != 100; i++ {
		hi, lo := bits.Mul64(result, rate)
		if hi != 0 {
			if maximum > 0 {
				return millis(maximum), nil
			}
			return 0, fmt.Errorf("%w: escalation step %d of %d", ErrPunishmentOverflow, i+1, punishmentCount)
		}
		result = lo / 100
		if maximum > 0 && result > maximum {
			return millis(maximum), nil
		}
	}

	if score < 0 {
		severity := uint64(-int64(score))
		hi, lo := bits.Mul64(result, severity)
		if hi != 0 {
			if maximum > 0 {
				return millis(maximum), nil
			}
			return 0, fmt.Errorf("%w: severity %d", ErrPunishmentOverflow, severity)
		}
		result = lo
	}

	if maximum > 0 && result > maximum {
		result = maximum
	}
	if result > maxDurationMillis {
		return 0, fmt.Errorf("%w: %dms", ErrPunishmentOverflow, result)
	}
	return millis(result), nil
}

// Fallback is the duration used when Calculate overflows.
func (s Schedule) Fallback() time.Duration {
	if s.params.Maximum > 0 {
		return s.params.Maximum.Truncate(time.Millisecond)
	}
	return millis(maxDurationMillis)
}

func millis(ms uint64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
