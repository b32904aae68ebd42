package delivery

import "time"

// Metrics receives counters for an external observability pipeline.
type Metrics interface {
	// ObserveBatchDuration records the time to deliver and complete a batch.
	ObserveBatchDuration(duration time.Duration)
	// AddClaimed counts events returned by Claim.
	AddClaimed(count int)
	// AddProcessed counts events that reached the processed state, duplicates included.
	AddProcessed(count int)
	// AddDuplicates counts duplicate acks normalized to success.
	AddDuplicates(count int)
	// AddFailed counts failed delivery attempts.
	AddFailed(count int)
	// AddRetries counts failed events scheduled for another attempt.
	AddRetries(count int)
	// AddDeadLettered counts events archived and abandoned.
	AddDeadLettered(count int)
	// SetPending updates the current pending event count.
	SetPending(count int)
	// AddLeaseAcquired counts successful lease acquisitions.
	AddLeaseAcquired(count int)
	// AddLeaseLost counts leases lost while a job was running.
	AddLeaseLost(count int)
	// AddReplayed counts replays that republished a message.
	AddReplayed(count int)
	// AddReplaySkipped counts replays short-circuited as already done.
	AddReplaySkipped(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObserveBatchDuration implements Metrics.
func (NopMetrics) ObserveBatchDuration(time.Duration) {}

// AddClaimed implements Metrics.
func (NopMetrics) AddClaimed(int) {}

// AddProcessed implements Metrics.
func (NopMetrics) AddProcessed(int) {}

// AddDuplicates implements Metrics.
func (NopMetrics) AddDuplicates(int) {}

// AddFailed implements Metrics.
func (NopMetrics) AddFailed(int) {}

// AddRetries implements Metrics.
func (NopMetrics) AddRetries(int) {}

// AddDeadLettered implements Metrics.
func (NopMetrics) AddDeadLettered(int) {}

// SetPending implements Metrics.
func (NopMetrics) SetPending(int) {}

// AddLeaseAcquired implements Metrics.
func (NopMetrics) AddLeaseAcquired(int) {}

// AddLeaseLost implements Metrics.
func (NopMetrics) AddLeaseLost(int) {}

// AddReplayed implements Metrics.
func (NopMetrics) AddReplayed(int) {}

// AddReplaySkipped implements Metrics.
func (NopMetrics) AddReplaySkipped(int) {}
