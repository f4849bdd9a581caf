package core

import (
	"fmt"
)

// ChainPartition orders every command coming off the host chain. Commands
// share a single total order; only oracle prices get per-asset partitions.
const ChainPartition = "chain"

// SequenceValidator validates source sequences per partition.
// Not thread-safe — only accessed from the single-threaded core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateSequence checks source sequence ordering for command partitions.
// Gaps and out-of-order deliveries are hard errors: chain commands must
// arrive in exact order or state diverges from the host.
//
// Validation never advances the partition. A command that later fails its
// handler must leave the slot open for the resubmission that replaces it;
// the caller commits the sequence with CommitSequence once the command
// actually applies.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		// Stale or duplicate
		if isDuplicate {
			// Already applied — expected on redelivery
			return nil
		}
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("out-of-order command: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		return nil
	}

	// sourceSequence > expected - gap detected
	sv.metrics.RecordGap(partition, expected, sourceSequence)
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// CommitSequence advances a partition past an applied command. Called only
// after the dispatched handler succeeds, so rejected commands never consume
// their slot.
func (sv *SequenceValidator) CommitSequence(partition string, sourceSequence int64) {
	if sourceSequence >= sv.expectedNextSeq[partition] {
		sv.expectedNextSeq[partition] = sourceSequence + 1
	}
}

// ValidatePriceSequence validates oracle price updates (gaps tolerated).
// A missed price tick is recoverable — the next one supersedes it — so
// gaps only count toward metrics. Stale ticks are silently ignored.
// Like ValidateSequence, this never advances the partition.
func (sv *SequenceValidator) ValidatePriceSequence(
	denom string,
	priceSequence int64,
) error {
	partition := fmt.Sprintf("price:%s", denom)

	expected := sv.expectedNextSeq[partition]

	if priceSequence > expected+1 {
		sv.metrics.RecordPriceGap(denom, expected, priceSequence)
	}

	return nil
}

// ObservePriceSequence advances a price partition without gap accounting
// (used after a price update applies, and during replay where gaps were
// already counted live).
func (sv *SequenceValidator) ObservePriceSequence(denom string, priceSequence int64) {
	partition := fmt.Sprintf("price:%s", denom)
	if priceSequence >= sv.expectedNextSeq[partition] {
		sv.expectedNextSeq[partition] = priceSequence + 1
	}
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns the full partition map (snapshot support)
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe — only accessed from the single-threaded core.
type SequenceMetrics struct {
	gaps       map[string]int64 // partition -> gap count
	outOfOrder map[string]int64 // partition -> out-of-order count
	priceGaps  map[string]int64 // denom -> price gap count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
		priceGaps:  make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordPriceGap(denom string, expected, got int64) {
	m.priceGaps[denom]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

func (m *SequenceMetrics) GetPriceGaps(denom string) int64 {
	return m.priceGaps[denom]
}
