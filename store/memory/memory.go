// Package memory is the reference scheduler.JobStore implementation:
// everything lives in process memory behind one mutex. It exists for
// tests and single-process deployments that don't need
// clustering or restart recovery — grounded on the transactional
// lock-then-mutate shape of the teacher's mongodb Store.FindOneAndUpdate
// claim, translated from a remote compare-and-set into a local mutex
// critical section (SPEC_FULL §A.4, §D).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/novaq/scheduler"
	"github.com/novaq/scheduler/calendar"
)

type jobEntry struct {
	detail   *scheduler.JobDetail
	triggers map[scheduler.Key]struct{}
}

type triggerEntry struct {
	trigger *scheduler.Trigger
}

// Store is a *scheduler.JobStore backed by in-process maps.
type Store struct {
	mu sync.Mutex

	jobs     map[scheduler.Key]*jobEntry
	triggers map[scheduler.Key]*triggerEntry
	cals     map[string]calendar.Calendar

	pausedTriggerKeys   map[scheduler.Key]struct{}
	pausedTriggerGroups map[string]struct{}
	pausedJobKeys       map[scheduler.Key]struct{}
	pausedJobGroups     map[string]struct{}
	pausedAll           bool

	blockedJobs map[scheduler.Key]struct{}

	misfireThreshold time.Duration
}

// New returns an empty Store. misfireThreshold is how far in the past a
// trigger's fire time must be, at acquisition, before it is considered
// misfired (§4.2); 0 selects the 60s default the same way Config does.
func New(misfireThreshold time.Duration) *Store {
	if misfireThreshold <= 0 {
		misfireThreshold = 60 * time.Second
	}
	return &Store{
		jobs:                make(map[scheduler.Key]*jobEntry),
		triggers:            make(map[scheduler.Key]*triggerEntry),
		cals:                make(map[string]calendar.Calendar),
		pausedTriggerKeys:   make(map[scheduler.Key]struct{}),
		pausedTriggerGroups: make(map[string]struct{}),
		pausedJobKeys:       make(map[scheduler.Key]struct{}),
		pausedJobGroups:     make(map[string]struct{}),
		blockedJobs:         make(map[scheduler.Key]struct{}),
		misfireThreshold:    misfireThreshold,
	}
}

var _ scheduler.JobStore = (*Store)(nil)

// Initialize is a no-op: a fresh in-process Store never has orphaned
// ACQUIRED/EXECUTING triggers from a prior crash — there is no "prior" for
// memory that didn't survive the process — so there is nothing to scan,
// unlike a persistent store's Initialize. TriggersFired still honors a
// trigger's Recovering flag if one is ever set directly (e.g. by a caller
// restoring state), for contract symmetry with store/mongodb.
func (s *Store) Initialize(ctx context.Context) error { return nil }

func (s *Store) Shutdown(ctx context.Context) error { return nil }

func (s *Store) SupportsPersistence() bool { return false }
func (s *Store) IsClustered() bool         { return false }

func (s *Store) calendarFor(name string) calendar.Calendar {
	if name == "" {
		return nil
	}
	return s.cals[name]
}

// --- Mutation ---

func (s *Store) StoreJob(ctx context.Context, job *scheduler.JobDetail, replaceExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeJobLocked(job, replaceExisting)
}

func (s *Store) storeJobLocked(job *scheduler.JobDetail, replaceExisting bool) error {
	if existing, ok := s.jobs[job.Key]; ok {
		if !replaceExisting {
			return scheduler.ObjectAlreadyExistsError(job.Key)
		}
		clone := job.Clone()
		existing.detail = clone
		return nil
	}
	s.jobs[job.Key] = &jobEntry{detail: job.Clone(), triggers: make(map[scheduler.Key]struct{})}
	return nil
}

func (s *Store) StoreTrigger(ctx context.Context, trigger *scheduler.Trigger, replaceExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeTriggerLocked(trigger, replaceExisting)
}

func (s *Store) storeTriggerLocked(trigger *scheduler.Trigger, replaceExisting bool) error {
	if _, ok := s.triggers[trigger.Key]; ok && !replaceExisting {
		return scheduler.ObjectAlreadyExistsError(trigger.Key)
	}
	je, ok := s.jobs[trigger.JobKey]
	if !ok {
		return scheduler.JobPersistenceError("no job stored for trigger's JobKey "+trigger.JobKey.String(), nil)
	}
	t := trigger.Clone()
	if t.NextFireTime == nil {
		t.ComputeFirstFireTime(s.calendarFor(t.CalendarName))
	}
	t.State = s.effectiveInitialState(t)
	s.triggers[t.Key] = &triggerEntry{trigger: t}
	je.triggers[t.Key] = struct{}{}
	return nil
}

func (s *Store) effectiveInitialState(t *scheduler.Trigger) scheduler.TriggerState {
	if s.isPaused(t) {
		return scheduler.StatePaused
	}
	return scheduler.StateWaiting
}

func (s *Store) isPaused(t *scheduler.Trigger) bool {
	if s.pausedAll {
		return true
	}
	if _, ok := s.pausedTriggerKeys[t.Key]; ok {
		return true
	}
	if _, ok := s.pausedTriggerGroups[t.Key.Group]; ok {
		return true
	}
	if _, ok := s.pausedJobKeys[t.JobKey]; ok {
		return true
	}
	if _, ok := s.pausedJobGroups[t.JobKey.Group]; ok {
		return true
	}
	return false
}

func (s *Store) StoreJobAndTrigger(ctx context.Context, job *scheduler.JobDetail, trigger *scheduler.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storeJobLocked(job, true); err != nil {
		return err
	}
	return s.storeTriggerLocked(trigger, true)
}

func (s *Store) RemoveJob(ctx context.Context, key scheduler.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	je, ok := s.jobs[key]
	if !ok {
		return false, nil
	}
	for tk := range je.triggers {
		delete(s.triggers, tk)
	}
	delete(s.jobs, key)
	return true, nil
}

func (s *Store) RemoveTrigger(ctx context.Context, key scheduler.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeTriggerLocked(key)
}

func (s *Store) removeTriggerLocked(key scheduler.Key) (bool, error) {
	te, ok := s.triggers[key]
	if !ok {
		return false, nil
	}
	jobKey := te.trigger.JobKey
	delete(s.triggers, key)
	if je, ok := s.jobs[jobKey]; ok {
		delete(je.triggers, key)
		if !je.detail.Durable && len(je.triggers) == 0 {
			delete(s.jobs, jobKey)
		}
	}
	return true, nil
}

func (s *Store) ReplaceTrigger(ctx context.Context, key scheduler.Key, newTrigger *scheduler.Trigger) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[key]; !ok {
		return false, nil
	}
	if _, err := s.removeTriggerLocked(key); err != nil {
		return false, err
	}
	newTrigger.Key = key
	if err := s.storeTriggerLocked(newTrigger, true); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) pauseTriggerLocked(te *triggerEntry) {
	switch te.trigger.State {
	case scheduler.StateBlocked:
		te.trigger.State = scheduler.StatePausedBlocked
	case scheduler.StateWaiting:
		te.trigger.State = scheduler.StatePaused
	}
}

func (s *Store) resumeTriggerLocked(te *triggerEntry) {
	if s.isPaused(te.trigger) {
		return
	}
	switch te.trigger.State {
	case scheduler.StatePausedBlocked:
		te.trigger.State = scheduler.StateBlocked
	case scheduler.StatePaused:
		te.trigger.State = scheduler.StateWaiting
	}
}

func (s *Store) PauseTrigger(ctx context.Context, key scheduler.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedTriggerKeys[key] = struct{}{}
	if te, ok := s.triggers[key]; ok {
		s.pauseTriggerLocked(te)
	}
	return nil
}

func (s *Store) PauseTriggerGroup(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedTriggerGroups[group] = struct{}{}
	for _, te := range s.triggers {
		if te.trigger.Key.Group == group {
			s.pauseTriggerLocked(te)
		}
	}
	return nil
}

func (s *Store) PauseJob(ctx context.Context, key scheduler.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedJobKeys[key] = struct{}{}
	if je, ok := s.jobs[key]; ok {
		for tk := range je.triggers {
			s.pauseTriggerLocked(s.triggers[tk])
		}
	}
	return nil
}

func (s *Store) PauseJobGroup(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedJobGroups[group] = struct{}{}
	for jk, je := range s.jobs {
		if jk.Group != group {
			continue
		}
		for tk := range je.triggers {
			s.pauseTriggerLocked(s.triggers[tk])
		}
	}
	return nil
}

func (s *Store) ResumeTrigger(ctx context.Context, key scheduler.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pausedTriggerKeys, key)
	if te, ok := s.triggers[key]; ok {
		s.resumeTriggerLocked(te)
	}
	return nil
}

func (s *Store) ResumeTriggerGroup(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pausedTriggerGroups, group)
	for _, te := range s.triggers {
		if te.trigger.Key.Group == group {
			s.resumeTriggerLocked(te)
		}
	}
	return nil
}

func (s *Store) ResumeJob(ctx context.Context, key scheduler.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pausedJobKeys, key)
	if je, ok := s.jobs[key]; ok {
		for tk := range je.triggers {
			s.resumeTriggerLocked(s.triggers[tk])
		}
	}
	return nil
}

func (s *Store) ResumeJobGroup(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pausedJobGroups, group)
	for jk, je := range s.jobs {
		if jk.Group != group {
			continue
		}
		for tk := range je.triggers {
			s.resumeTriggerLocked(s.triggers[tk])
		}
	}
	return nil
}

func (s *Store) PauseAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedAll = true
	for _, te := range s.triggers {
		s.pauseTriggerLocked(te)
	}
	return nil
}

func (s *Store) ResumeAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedAll = false
	for _, te := range s.triggers {
		s.resumeTriggerLocked(te)
	}
	return nil
}

func (s *Store) StoreCalendar(ctx context.Context, name string, cal calendar.Calendar, replaceExisting, updateTriggers bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cals[name]; ok && !replaceExisting {
		return scheduler.ObjectAlreadyExistsError(calendarKey(name))
	}
	s.cals[name] = cal
	if updateTriggers {
		for _, te := range s.triggers {
			if te.trigger.CalendarName == name {
				te.trigger.NextFireTime = te.trigger.GetFireTimeAfter(timeOrZero(te.trigger.PreviousFireTime), cal)
			}
		}
	}
	return nil
}

type calendarKey string

func (c calendarKey) String() string { return string(c) }

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (s *Store) RemoveCalendar(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cals[name]; !ok {
		return false, nil
	}
	delete(s.cals, name)
	return true, nil
}

func (s *Store) ClearAllSchedulingData(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[scheduler.Key]*jobEntry)
	s.triggers = make(map[scheduler.Key]*triggerEntry)
	s.cals = make(map[string]calendar.Calendar)
	s.pausedTriggerKeys = make(map[scheduler.Key]struct{})
	s.pausedTriggerGroups = make(map[string]struct{})
	s.pausedJobKeys = make(map[scheduler.Key]struct{})
	s.pausedJobGroups = make(map[string]struct{})
	s.blockedJobs = make(map[scheduler.Key]struct{})
	s.pausedAll = false
	return nil
}

func (s *Store) ResetTriggerFromErrorState(ctx context.Context, key scheduler.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	te, ok := s.triggers[key]
	if !ok {
		return nil
	}
	if te.trigger.State != scheduler.StateError {
		return nil
	}
	if te.trigger.NextFireTime == nil {
		te.trigger.ComputeFirstFireTime(s.calendarFor(te.trigger.CalendarName))
	}
	te.trigger.State = s.effectiveInitialState(te.trigger)
	return nil
}

// --- Query ---

func (s *Store) RetrieveJob(ctx context.Context, key scheduler.Key) (*scheduler.JobDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	je, ok := s.jobs[key]
	if !ok {
		return nil, nil
	}
	return je.detail.Clone(), nil
}

func (s *Store) RetrieveTrigger(ctx context.Context, key scheduler.Key) (*scheduler.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	te, ok := s.triggers[key]
	if !ok {
		return nil, nil
	}
	return te.trigger.Clone(), nil
}

func (s *Store) CheckJobExists(ctx context.Context, key scheduler.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok, nil
}

func (s *Store) CheckTriggerExists(ctx context.Context, key scheduler.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.triggers[key]
	return ok, nil
}

func (s *Store) GetJobKeys(ctx context.Context, matcher scheduler.Matcher) ([]scheduler.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scheduler.Key
	for k := range s.jobs {
		if matcher == nil || matcher(k) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

func (s *Store) GetTriggerKeys(ctx context.Context, matcher scheduler.Matcher) ([]scheduler.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scheduler.Key
	for k := range s.triggers {
		if matcher == nil || matcher(k) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

func (s *Store) GetTriggersForJob(ctx context.Context, jobKey scheduler.Key) ([]*scheduler.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	je, ok := s.jobs[jobKey]
	if !ok {
		return nil, nil
	}
	out := make([]*scheduler.Trigger, 0, len(je.triggers))
	for tk := range je.triggers {
		out = append(out, s.triggers[tk].trigger.Clone())
	}
	return out, nil
}

func (s *Store) GetTriggerState(ctx context.Context, key scheduler.Key) (scheduler.TriggerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	te, ok := s.triggers[key]
	if !ok {
		return scheduler.StateNone, nil
	}
	return te.trigger.State, nil
}

func (s *Store) GetCalendar(ctx context.Context, name string) (calendar.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cals[name], nil
}

func (s *Store) GetCalendarNames(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.cals))
	for n := range s.cals {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetNumberOfJobs(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs), nil
}

func (s *Store) GetNumberOfTriggers(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.triggers), nil
}

func (s *Store) GetPausedTriggerGroups(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pausedTriggerGroups))
	for g := range s.pausedTriggerGroups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetJobGroupNames(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for k := range s.jobs {
		seen[k.Group] = struct{}{}
	}
	return groupNames(seen), nil
}

func (s *Store) GetTriggerGroupNames(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for k := range s.triggers {
		seen[k.Group] = struct{}{}
	}
	return groupNames(seen), nil
}

func groupNames(seen map[string]struct{}) []string {
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// --- Firing protocol ---

func (s *Store) AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]*scheduler.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	horizon := noLaterThan.Add(timeWindow)
	misfireCutoff := now.Add(-s.misfireThreshold)

	var candidates []*triggerEntry
	for _, te := range s.triggers {
		if te.trigger.State != scheduler.StateWaiting {
			continue
		}
		if te.trigger.NextFireTime == nil {
			continue
		}
		if te.trigger.NextFireTime.Before(misfireCutoff) {
			cal := s.calendarFor(te.trigger.CalendarName)
			te.trigger.UpdateAfterMisfire(cal, now)
			if te.trigger.NextFireTime == nil {
				te.trigger.State = scheduler.StateComplete
				continue
			}
		}
		if te.trigger.NextFireTime.After(horizon) {
			continue
		}
		candidates = append(candidates, te)
	}

	sort.Slice(candidates, func(i, j int) bool {
		ti, tj := candidates[i].trigger, candidates[j].trigger
		if !ti.NextFireTime.Equal(*tj.NextFireTime) {
			return ti.NextFireTime.Before(*tj.NextFireTime)
		}
		if ti.Priority != tj.Priority {
			return ti.Priority > tj.Priority
		}
		return ti.Key.Less(tj.Key)
	})

	if maxCount > 0 && len(candidates) > maxCount {
		candidates = candidates[:maxCount]
	}

	out := make([]*scheduler.Trigger, 0, len(candidates))
	for _, te := range candidates {
		te.trigger.State = scheduler.StateAcquired
		out = append(out, te.trigger.Clone())
	}
	return out, nil
}

func (s *Store) ReleaseAcquiredTrigger(ctx context.Context, trigger *scheduler.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	te, ok := s.triggers[trigger.Key]
	if !ok || te.trigger.State != scheduler.StateAcquired {
		return nil
	}
	te.trigger.State = scheduler.StateWaiting
	return nil
}

func (s *Store) TriggersFired(ctx context.Context, triggers []*scheduler.Trigger) ([]*scheduler.TriggerFiredResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]*scheduler.TriggerFiredResult, 0, len(triggers))
	for _, t := range triggers {
		res := &scheduler.TriggerFiredResult{TriggerKey: t.Key}
		te, ok := s.triggers[t.Key]
		if !ok || te.trigger.State != scheduler.StateAcquired {
			results = append(results, res) // removed/paused/re-released since acquisition
			continue
		}
		je, ok := s.jobs[te.trigger.JobKey]
		if !ok {
			results = append(results, res)
			continue
		}
		if je.detail.DisallowConcurrentExecution {
			if _, blocked := s.blockedJobs[je.detail.Key]; blocked {
				if te.trigger.State == scheduler.StatePaused {
					te.trigger.State = scheduler.StatePausedBlocked
				} else {
					te.trigger.State = scheduler.StateBlocked
				}
				results = append(results, res)
				continue
			}
			s.blockedJobs[je.detail.Key] = struct{}{}
		}

		prev := te.trigger.PreviousFireTime
		fireTime := timeOrZero(te.trigger.NextFireTime)
		cal := s.calendarFor(te.trigger.CalendarName)
		recovering := te.trigger.Recovering
		te.trigger.Recovering = false
		te.trigger.Triggered(cal)
		te.trigger.State = scheduler.StateExecuting

		res.Bundle = &scheduler.TriggerFiredBundle{
			JobDetail:          je.detail.Clone(),
			Trigger:            te.trigger.Clone(),
			Calendar:           cal,
			FireTime:           fireTime,
			ScheduledFireTime:  fireTime,
			PrevFireTime:       prev,
			NextFireTime:       te.trigger.NextFireTime,
			FireInstanceID:     scheduler.NewFireInstanceID(),
		}
		if recovering {
			scheduler.ApplyRecoveryMarkers(res.Bundle, te.trigger.Key, fireTime)
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Store) TriggeredJobComplete(ctx context.Context, trigger *scheduler.Trigger, job *scheduler.JobDetail, instruction scheduler.CompletedExecutionInstruction, jobData scheduler.JobDataMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	je, jobExists := s.jobs[job.Key]
	if jobExists && job.DisallowConcurrentExecution {
		delete(s.blockedJobs, job.Key)
		for tk := range je.triggers {
			other := s.triggers[tk]
			switch other.trigger.State {
			case scheduler.StateBlocked:
				other.trigger.State = scheduler.StateWaiting
			case scheduler.StatePausedBlocked:
				other.trigger.State = scheduler.StatePaused
			}
		}
	}
	if jobExists && job.PersistDataAfterExecution && jobData != nil {
		je.detail.Data = jobData.Clone()
	}

	te, ok := s.triggers[trigger.Key]
	if !ok {
		return nil
	}

	switch instruction {
	case scheduler.NoOp:
		if te.trigger.NextFireTime == nil {
			te.trigger.State = scheduler.StateComplete
		} else {
			te.trigger.State = s.effectiveInitialState(te.trigger)
		}
	case scheduler.SetTriggerComplete:
		te.trigger.State = scheduler.StateComplete
	case scheduler.DeleteTrigger:
		s.removeTriggerLocked(trigger.Key)
	case scheduler.ReExecuteJob:
		now := time.Now()
		te.trigger.NextFireTime = &now
		te.trigger.State = scheduler.StateWaiting
	case scheduler.SetTriggerError:
		te.trigger.State = scheduler.StateError
	case scheduler.SetAllJobTriggersComplete:
		if jobExists {
			for tk := range je.triggers {
				s.triggers[tk].trigger.State = scheduler.StateComplete
			}
		}
	case scheduler.SetAllJobTriggersError:
		if jobExists {
			for tk := range je.triggers {
				s.triggers[tk].trigger.State = scheduler.StateError
			}
		}
	}
	return nil
}

func (s *Store) GetAcquireRetryDelay(failureCount int) time.Duration {
	d := 50 * time.Millisecond
	for i := 0; i < failureCount && i < 10; i++ {
		d *= 2
	}
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
