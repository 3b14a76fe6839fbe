package scheduler

import (
	"time"

	"github.com/rs/zerolog"
)

// Config is the construction-time configuration for a Scheduler, mirroring
// the teacher's Config struct (one flat struct of knobs passed to New)
// generalized to the options §6 names: store and job factory are
// dependencies, the rest are defaulted tuning knobs.
type Config struct {
	// InstanceName identifies this scheduler in the process-wide
	// repository (§9). Defaults to "scheduler" if empty.
	InstanceName string
	// InstanceID distinguishes nodes sharing a clustered store. "AUTO"
	// (the default) generates a random one.
	InstanceID string

	// Store is the JobStore this scheduler drives. Required.
	Store JobStore

	// JobFactory resolves JobDetail.JobClass into an executable Job.
	// Defaults to an empty SimpleJobFactory.
	JobFactory JobFactory

	// Logger receives structured events for acquire failures, store
	// faults, listener panics, and job errors (SPEC_FULL §A.1). Defaults to
	// a disabled logger.
	Logger zerolog.Logger

	// ThreadCount sizes the worker pool (§4.5). Defaults to 10. A value
	// of exactly ZeroSizeThreadCount builds a zero-size pool appropriate
	// only for a scheduler that is never Start-ed.
	ThreadCount int

	// IdleWaitTime bounds how long the dispatch loop sleeps when no
	// trigger is due (§4.4 step 7). Defaults to 30s.
	IdleWaitTime time.Duration
	// MaxBatchSize is the most triggers AcquireNextTriggers may return in
	// one pass (§4.4 step 2). Defaults to 1.
	MaxBatchSize int
	// BatchTimeWindow extends the acquisition horizon so that up to
	// MaxBatchSize near-simultaneous triggers can be batched together
	// (§4.4 step 2). Defaults to 0.
	BatchTimeWindow time.Duration
	// MisfireThreshold is how far in the past a trigger's fire time must
	// be, at acquisition, to be considered misfired (§4.2). Defaults to
	// 60s. The scheduler does not pass it to Store; each store takes its
	// own threshold when built (memory.New, mongodb.Config).
	MisfireThreshold time.Duration
	// CostThreshold decides when a signaled scheduling change is worth
	// abandoning an acquired batch back to the store (§4.4 step 4 "early
	// replan"): the batch is released only if the signaled fire time is
	// earlier than the batch's (or unknown) and at least CostThreshold
	// remains before the batch is due. Defaults to 70ms for a persistent
	// store, 7ms for an in-memory one (§4.4 step 5) — re-acquiring is cheap
	// locally and expensive against a remote store, so the in-memory
	// default trades a little more replan thrash for much lower latency.
	CostThreshold time.Duration

	// MaxFireRate caps how many jobs per second the dispatch loop will hand
	// to the worker pool, smoothing out a burst of simultaneously-due
	// triggers (e.g. after recovery or a long standby) instead of slamming
	// the pool all at once. Zero (the default) means unlimited.
	MaxFireRate float64

	// Listeners is used as-is if non-nil; otherwise an empty
	// ListenerManager is created.
	Listeners *ListenerManager
}

// ZeroSizeThreadCount, passed as Config.ThreadCount, builds the
// never-Start scheduler variant from SPEC_FULL §C.4.
const ZeroSizeThreadCount = -1

func (c *Config) withDefaults() *Config {
	out := *c
	if out.InstanceName == "" {
		out.InstanceName = "scheduler"
	}
	if out.InstanceID == "" {
		out.InstanceID = "AUTO"
	}
	if out.JobFactory == nil {
		out.JobFactory = NewSimpleJobFactory()
	}
	if out.ThreadCount == 0 {
		out.ThreadCount = 10
	}
	if out.IdleWaitTime <= 0 {
		out.IdleWaitTime = 30 * time.Second
	}
	if out.MaxBatchSize <= 0 {
		out.MaxBatchSize = 1
	}
	if out.MisfireThreshold <= 0 {
		out.MisfireThreshold = 60 * time.Second
	}
	if out.CostThreshold <= 0 {
		out.CostThreshold = 7 * time.Millisecond
		if out.Store != nil && out.Store.SupportsPersistence() {
			out.CostThreshold = 70 * time.Millisecond
		}
	}
	if out.Listeners == nil {
		out.Listeners = newListenerManager(out.Logger)
	}
	return &out
}
