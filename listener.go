package scheduler

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Matcher is a predicate over a job/trigger Key, used to scope a listener
// registration (§4.7).
type Matcher func(Key) bool

// KeyEquals matches exactly one key.
func KeyEquals(k Key) Matcher { return func(candidate Key) bool { return candidate == k } }

// GroupEquals matches every key in a group.
func GroupEquals(group string) Matcher {
	return func(candidate Key) bool { return candidate.Group == group }
}

// NameStartsWith matches keys whose name has the given prefix.
func NameStartsWith(prefix string) Matcher {
	return func(candidate Key) bool { return len(candidate.Name) >= len(prefix) && candidate.Name[:len(prefix)] == prefix }
}

// MatchAny matches every key.
func MatchAny() Matcher { return func(Key) bool { return true } }

// JobListener observes job execution lifecycle events (§4.6).
type JobListener interface {
	Name() string
	JobToBeExecuted(ctx context.Context, jec *JobExecutionContext)
	JobExecutionVetoed(ctx context.Context, jec *JobExecutionContext)
	JobWasExecuted(ctx context.Context, jec *JobExecutionContext, err error)
}

// TriggerListener observes trigger firing lifecycle events (§4.6). Vetoing
// a fire from TriggerFired causes JobExecutionVetoed instead of execution.
type TriggerListener interface {
	Name() string
	TriggerFired(ctx context.Context, trigger *Trigger, jec *JobExecutionContext) (veto bool)
	TriggerComplete(ctx context.Context, trigger *Trigger, jec *JobExecutionContext, instruction CompletedExecutionInstruction)
}

// SchedulerListener observes scheduler-wide events; these have no matchers
// (§4.7 "Scheduler listeners are global").
type SchedulerListener interface {
	Name() string
	SchedulerStarted()
	SchedulerPaused()
	SchedulerResumed()
	SchedulerShutdown()
	SchedulingDataCleared()
}

type jobListenerEntry struct {
	listener JobListener
	matchers []Matcher
}

type triggerListenerEntry struct {
	listener TriggerListener
	matchers []Matcher
}

// ListenerManager is the typed registry of listeners §6's
// getListenerManager exposes, and the broadcaster §4.7 describes: it
// iterates listeners in insertion order, applies matchers, and invokes the
// matching callback, logging (not propagating) any listener panic/error —
// grounded on org.quartz.listeners.BroadcastTriggerListener /
// TriggerListenerSupport (SPEC_FULL §C.2).
type ListenerManager struct {
	mu sync.RWMutex

	jobListeners     []jobListenerEntry
	triggerListeners []triggerListenerEntry
	schedListeners   []SchedulerListener

	log zerolog.Logger
}

func newListenerManager(log zerolog.Logger) *ListenerManager {
	return &ListenerManager{log: log}
}

// AddJobListener registers l, scoped to any matcher in matchers (no
// matchers means "every job").
func (m *ListenerManager) AddJobListener(l JobListener, matchers ...Matcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobListeners = append(m.jobListeners, jobListenerEntry{l, matchers})
}

// AddTriggerListener registers l, scoped to any matcher in matchers.
func (m *ListenerManager) AddTriggerListener(l TriggerListener, matchers ...Matcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggerListeners = append(m.triggerListeners, triggerListenerEntry{l, matchers})
}

// AddSchedulerListener registers a global scheduler listener.
func (m *ListenerManager) AddSchedulerListener(l SchedulerListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedListeners = append(m.schedListeners, l)
}

func matches(matchers []Matcher, k Key) bool {
	if len(matchers) == 0 {
		return true
	}
	for _, m := range matchers {
		if m(k) {
			return true
		}
	}
	return false
}

func (m *ListenerManager) snapshotJobListeners() []jobListenerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]jobListenerEntry, len(m.jobListeners))
	copy(out, m.jobListeners)
	return out
}

func (m *ListenerManager) snapshotTriggerListeners() []triggerListenerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]triggerListenerEntry, len(m.triggerListeners))
	copy(out, m.triggerListeners)
	return out
}

func (m *ListenerManager) snapshotSchedListeners() []SchedulerListener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SchedulerListener, len(m.schedListeners))
	copy(out, m.schedListeners)
	return out
}

func (m *ListenerManager) safeguard(name string) {
	if r := recover(); r != nil {
		m.log.Error().Str("listener", name).Interface("panic", r).Msg("listener panicked")
	}
}

func (m *ListenerManager) broadcastTriggerFired(ctx context.Context, trigger *Trigger, jec *JobExecutionContext) (veto bool) {
	for _, e := range m.snapshotTriggerListeners() {
		if !matches(e.matchers, trigger.Key) {
			continue
		}
		if m.invokeTriggerFired(ctx, e.listener, trigger, jec) {
			veto = true
		}
	}
	return veto
}

func (m *ListenerManager) invokeTriggerFired(ctx context.Context, l TriggerListener, trigger *Trigger, jec *JobExecutionContext) (veto bool) {
	defer m.safeguard(l.Name())
	return l.TriggerFired(ctx, trigger, jec)
}

func (m *ListenerManager) broadcastTriggerComplete(ctx context.Context, trigger *Trigger, jec *JobExecutionContext, instr CompletedExecutionInstruction) {
	for _, e := range m.snapshotTriggerListeners() {
		if !matches(e.matchers, trigger.Key) {
			continue
		}
		m.invokeTriggerComplete(ctx, e.listener, trigger, jec, instr)
	}
}

func (m *ListenerManager) invokeTriggerComplete(ctx context.Context, l TriggerListener, trigger *Trigger, jec *JobExecutionContext, instr CompletedExecutionInstruction) {
	defer m.safeguard(l.Name())
	l.TriggerComplete(ctx, trigger, jec, instr)
}

func (m *ListenerManager) broadcastJobToBeExecuted(ctx context.Context, jec *JobExecutionContext) {
	for _, e := range m.snapshotJobListeners() {
		if !matches(e.matchers, jec.JobDetail.Key) {
			continue
		}
		m.invokeJobToBeExecuted(ctx, e.listener, jec)
	}
}

func (m *ListenerManager) invokeJobToBeExecuted(ctx context.Context, l JobListener, jec *JobExecutionContext) {
	defer m.safeguard(l.Name())
	l.JobToBeExecuted(ctx, jec)
}

func (m *ListenerManager) broadcastJobExecutionVetoed(ctx context.Context, jec *JobExecutionContext) {
	for _, e := range m.snapshotJobListeners() {
		if !matches(e.matchers, jec.JobDetail.Key) {
			continue
		}
		m.invokeJobExecutionVetoed(ctx, e.listener, jec)
	}
}

func (m *ListenerManager) invokeJobExecutionVetoed(ctx context.Context, l JobListener, jec *JobExecutionContext) {
	defer m.safeguard(l.Name())
	l.JobExecutionVetoed(ctx, jec)
}

func (m *ListenerManager) broadcastJobWasExecuted(ctx context.Context, jec *JobExecutionContext, err error) {
	for _, e := range m.snapshotJobListeners() {
		if !matches(e.matchers, jec.JobDetail.Key) {
			continue
		}
		m.invokeJobWasExecuted(ctx, e.listener, jec, err)
	}
}

func (m *ListenerManager) invokeJobWasExecuted(ctx context.Context, l JobListener, jec *JobExecutionContext, err error) {
	defer m.safeguard(l.Name())
	l.JobWasExecuted(ctx, jec, err)
}

func (m *ListenerManager) broadcastSchedulerEvent(fn func(SchedulerListener)) {
	for _, l := range m.snapshotSchedListeners() {
		m.invokeSchedulerEvent(fn, l)
	}
}

func (m *ListenerManager) invokeSchedulerEvent(fn func(SchedulerListener), l SchedulerListener) {
	defer m.safeguard(l.Name())
	fn(l)
}
