package vm

// Native gas charges.
const (
	FastMapGetCost = 50
	FastMapSetCost = 100

	// PenaltyThreshold is the instruction count past which native charges
	// double.
	PenaltyThreshold = 100000
)

// Meter counts executed instructions against a limit. A zero limit means
// unlimited. The count never decreases.
type Meter struct {
	count uint64
	limit uint64
}

// Consume charges n instructions. It fails once the count passes a
// positive limit.
func (m *Meter) Consume(n uint64) error {
	m.count += n
	if m.limit > 0 && m.count > m.limit {
		return ErrInstructionLimit
	}
	return nil
}

// Charge consumes a native cost, doubled past the penalty threshold.
func (m *Meter) Charge(cost uint64) error {
	if m.count > PenaltyThreshold {
		cost *= 2
	}
	return m.Consume(cost)
}

// Count returns the instructions consumed so far.
func (m *Meter) Count() uint64 { return m.count }

// Limit returns the instruction limit.
func (m *Meter) Limit() uint64 { return m.limit }

// SetLimit replaces the instruction limit.
func (m *Meter) SetLimit(limit uint64) { m.limit = limit }

// Remaining returns the instructions left before the limit, or 0 when
// unlimited.
func (m *Meter) Remaining() uint64 {
	if m.limit == 0 || m.count >= m.limit {
		return 0
	}
	return m.limit - m.count
}
