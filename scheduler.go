// Package scheduler implements a Quartz-style job scheduler core: a cron
// expression engine, a trigger state machine, a transactional job store
// contract, a dispatch loop that drives stored triggers into a worker pool,
// and the listener/run-shell machinery around one job execution.
package scheduler

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/novaq/scheduler/calendar"
	"github.com/novaq/scheduler/pool"
)

// Scheduler is the façade described in §6: every method takes effect
// against the configured JobStore and, once Started, the background
// dispatch loop (dispatch.go) picks up the result. It is safe for
// concurrent use, matching the teacher's own Scheduler.
type Scheduler struct {
	cfg   *Config
	store JobStore
	pool  *pool.Pool
	log   zerolog.Logger

	// dispatchLimiter throttles how fast the loop hands bundles to the
	// pool when Config.MaxFireRate is set; nil means unlimited.
	dispatchLimiter *rate.Limiter

	listeners *ListenerManager

	mu       sync.Mutex
	started  bool
	standby  bool
	shutdown bool

	signalMu             sync.Mutex
	signaledNextFireTime *time.Time
	wakeCh               chan struct{}
	stopLoop             chan struct{}
	loopDone             chan struct{}

	executingMu sync.Mutex
	executing   map[string]*JobExecutionContext
}

// New builds a Scheduler from cfg and registers it in the process-wide
// repository under cfg.InstanceName (§9). It does not start the dispatch
// loop; call Start for that.
func New(cfg *Config) (*Scheduler, error) {
	if cfg == nil || cfg.Store == nil {
		return nil, IllegalArgumentError("scheduler: Config.Store is required")
	}
	full := cfg.withDefaults()
	if full.InstanceID == "AUTO" {
		full.InstanceID = generateInstanceID()
	}

	s := &Scheduler{
		cfg:       full,
		store:     full.Store,
		listeners: full.Listeners,
		log:       full.Logger,
		wakeCh:    make(chan struct{}, 1),
		stopLoop:  make(chan struct{}),
		loopDone:  make(chan struct{}),
		executing: make(map[string]*JobExecutionContext),
	}

	if full.ThreadCount == ZeroSizeThreadCount {
		s.pool = pool.NewZeroSize()
	} else {
		s.pool = pool.New(full.ThreadCount)
	}

	if full.MaxFireRate > 0 {
		s.dispatchLimiter = rate.NewLimiter(rate.Limit(full.MaxFireRate), 1)
	}

	if err := globalRepository.bind(full.InstanceName, s); err != nil {
		return nil, err
	}
	return s, nil
}

func generateInstanceID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("NON-CLUSTERED-%x", b)
}

// Start begins driving the configured JobStore: it runs store
// initialization/recovery once, then launches the dispatch loop. Calling
// Start on an already-started, non-standby scheduler is a no-op; calling it
// while in standby resumes it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrSchedulerShutdown
	}
	if s.started {
		s.standby = false
		s.mu.Unlock()
		s.signalSchedulingChange(nil)
		return nil
	}
	s.started = true
	s.standby = false
	s.mu.Unlock()

	if err := s.store.Initialize(ctx); err != nil {
		return JobPersistenceError("store initialization failed", err)
	}
	go s.dispatchLoop()
	s.listeners.broadcastSchedulerEvent(func(l SchedulerListener) { l.SchedulerStarted() })
	return nil
}

// StartDelayed starts the scheduler after waiting delay, without blocking
// the caller (§6).
func (s *Scheduler) StartDelayed(delay time.Duration) <-chan error {
	result := make(chan error, 1)
	go func() {
		time.Sleep(delay)
		result <- s.Start(context.Background())
	}()
	return result
}

// Standby pauses the dispatch loop without releasing any resource: no
// trigger is acquired until Start is called again (§6).
func (s *Scheduler) Standby() {
	s.mu.Lock()
	s.standby = true
	s.mu.Unlock()
	s.listeners.broadcastSchedulerEvent(func(l SchedulerListener) { l.SchedulerPaused() })
}

// Shutdown stops the dispatch loop and releases the store. If waitForJobs,
// it blocks until every in-flight job finishes.
func (s *Scheduler) Shutdown(ctx context.Context, waitForJobs bool) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	wasStarted := s.started
	s.mu.Unlock()

	close(s.stopLoop)
	if wasStarted {
		<-s.loopDone
	}
	s.pool.Shutdown(waitForJobs)
	err := s.store.Shutdown(ctx)
	globalRepository.unbind(s.cfg.InstanceName)
	s.listeners.broadcastSchedulerEvent(func(l SchedulerListener) { l.SchedulerShutdown() })
	return err
}

func (s *Scheduler) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.standby
}

func (s *Scheduler) IsInStandbyMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.standby
}

func (s *Scheduler) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Scheduler) isHalted() bool {
	select {
	case <-s.stopLoop:
		return true
	default:
		return false
	}
}

func (s *Scheduler) isStandby() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.standby
}

func (s *Scheduler) guardMutable() error {
	if s.IsShutdown() {
		return ErrSchedulerShutdown
	}
	return nil
}

// SchedulerName returns this scheduler's InstanceName.
func (s *Scheduler) SchedulerName() string { return s.cfg.InstanceName }

// SchedulerInstanceID returns this scheduler's InstanceID.
func (s *Scheduler) SchedulerInstanceID() string { return s.cfg.InstanceID }

// GetListenerManager exposes the typed listener registry (§6).
func (s *Scheduler) GetListenerManager() *ListenerManager { return s.listeners }

// SetJobFactory swaps the JobFactory used to resolve JobClass identifiers.
func (s *Scheduler) SetJobFactory(f JobFactory) {
	s.cfg.JobFactory = f
}

// --- Job/Trigger scheduling ---

// ScheduleJob stores job (if non-nil) and trigger, pointing trigger at
// job's key if trigger.JobKey is zero (§6).
func (s *Scheduler) ScheduleJob(ctx context.Context, job *JobDetail, trigger *Trigger) error {
	if err := s.guardMutable(); err != nil {
		return err
	}
	if trigger == nil || trigger.Key.IsZero() {
		return IllegalArgumentError("scheduler: trigger and trigger.Key are required")
	}
	if job != nil {
		if trigger.JobKey.IsZero() {
			trigger.JobKey = job.Key
		}
		if err := s.store.StoreJobAndTrigger(ctx, job, trigger); err != nil {
			return err
		}
	} else {
		if trigger.JobKey.IsZero() {
			return IllegalArgumentError("scheduler: trigger.JobKey is required when job is nil")
		}
		exists, err := s.store.CheckJobExists(ctx, trigger.JobKey)
		if err != nil {
			return err
		}
		if !exists {
			return newErr(KindNotFound, fmt.Sprintf("no job stored for key %s", trigger.JobKey), nil)
		}
		if err := s.store.StoreTrigger(ctx, trigger, false); err != nil {
			return err
		}
	}
	s.signalSchedulingChange(trigger.NextFireTime)
	return nil
}

// AddJob stores a durable job definition with no trigger (§6).
func (s *Scheduler) AddJob(ctx context.Context, job *JobDetail, replaceExisting bool) error {
	if err := s.guardMutable(); err != nil {
		return err
	}
	if job == nil || job.Key.IsZero() {
		return IllegalArgumentError("scheduler: job and job.Key are required")
	}
	return s.store.StoreJob(ctx, job, replaceExisting)
}

// DeleteJob removes a job and every trigger pointing at it (§6).
func (s *Scheduler) DeleteJob(ctx context.Context, key Key) (bool, error) {
	if err := s.guardMutable(); err != nil {
		return false, err
	}
	return s.store.RemoveJob(ctx, key)
}

// DeleteJobs removes several jobs, reporting how many were actually
// removed.
func (s *Scheduler) DeleteJobs(ctx context.Context, keys []Key) (int, error) {
	if err := s.guardMutable(); err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		ok, err := s.store.RemoveJob(ctx, k)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// UnscheduleJob removes one trigger (§6).
func (s *Scheduler) UnscheduleJob(ctx context.Context, key Key) (bool, error) {
	if err := s.guardMutable(); err != nil {
		return false, err
	}
	return s.store.RemoveTrigger(ctx, key)
}

// UnscheduleJobs removes several triggers, returning true only if every one
// of them existed and was removed.
func (s *Scheduler) UnscheduleJobs(ctx context.Context, keys []Key) (bool, error) {
	if err := s.guardMutable(); err != nil {
		return false, err
	}
	all := true
	for _, k := range keys {
		ok, err := s.store.RemoveTrigger(ctx, k)
		if err != nil {
			return false, err
		}
		all = all && ok
	}
	return all, nil
}

// RescheduleJob replaces triggerKey's trigger with newTrigger, preserving
// the job it points at if newTrigger.JobKey is zero (§6).
func (s *Scheduler) RescheduleJob(ctx context.Context, triggerKey Key, newTrigger *Trigger) (*time.Time, error) {
	if err := s.guardMutable(); err != nil {
		return nil, err
	}
	if newTrigger.JobKey.IsZero() {
		old, err := s.store.RetrieveTrigger(ctx, triggerKey)
		if err != nil {
			return nil, err
		}
		if old == nil {
			return nil, newErr(KindNotFound, fmt.Sprintf("no trigger stored for key %s", triggerKey), nil)
		}
		newTrigger.JobKey = old.JobKey
	}
	ok, err := s.store.ReplaceTrigger(ctx, triggerKey, newTrigger)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	s.signalSchedulingChange(newTrigger.NextFireTime)
	return newTrigger.NextFireTime, nil
}

// TriggerJob fires job immediately, once, outside its normal schedule
// (§6), by storing an ephemeral one-shot SimpleTrigger — the same technique
// Quartz's StdScheduler.triggerJob uses.
func (s *Scheduler) TriggerJob(ctx context.Context, jobKey Key, data JobDataMap) error {
	if err := s.guardMutable(); err != nil {
		return err
	}
	exists, err := s.store.CheckJobExists(ctx, jobKey)
	if err != nil {
		return err
	}
	if !exists {
		return newErr(KindNotFound, fmt.Sprintf("no job stored for key %s", jobKey), nil)
	}
	now := time.Now()
	trig := NewSimpleTrigger(NewKey(fmt.Sprintf("MANUAL_TRIGGER.%s", NewFireInstanceID()), DefaultGroup), jobKey, now, 0, 0)
	trig.Data = data
	trig.NextFireTime = &now
	if err := s.store.StoreTrigger(ctx, trig, false); err != nil {
		return err
	}
	s.signalSchedulingChange(&now)
	return nil
}

// Interrupt signals every currently-executing fire instance of jobKey
// (§5). It returns an error if no fire instance of jobKey is currently
// executing, matching §6's UnableToInterruptJobError.
func (s *Scheduler) Interrupt(jobKey Key) error {
	s.executingMu.Lock()
	defer s.executingMu.Unlock()
	interrupted := false
	for _, jec := range s.executing {
		if jec.JobDetail.Key != jobKey {
			continue
		}
		if in, ok := jec.Job.(Interruptable); ok {
			if err := in.Interrupt(); err != nil {
				return UnableToInterruptJobError(err.Error())
			}
		}
		closeInterruptedOnce(jec)
		interrupted = true
	}
	if !interrupted {
		return UnableToInterruptJobError(fmt.Sprintf("no currently-executing job for key %s", jobKey))
	}
	return nil
}

// InterruptFireInstance interrupts one specific fire instance by ID.
func (s *Scheduler) InterruptFireInstance(fireInstanceID string) error {
	s.executingMu.Lock()
	defer s.executingMu.Unlock()
	jec, ok := s.executing[fireInstanceID]
	if !ok {
		return UnableToInterruptJobError("no currently-executing fire instance " + fireInstanceID)
	}
	if in, ok := jec.Job.(Interruptable); ok {
		if err := in.Interrupt(); err != nil {
			return UnableToInterruptJobError(err.Error())
		}
	}
	closeInterruptedOnce(jec)
	return nil
}

func closeInterruptedOnce(jec *JobExecutionContext) {
	select {
	case <-jec.interrupted:
	default:
		close(jec.interrupted)
	}
}

// GetCurrentlyExecutingJobs returns a snapshot of in-flight job executions
// (§6).
func (s *Scheduler) GetCurrentlyExecutingJobs() []*JobExecutionContext {
	s.executingMu.Lock()
	defer s.executingMu.Unlock()
	out := make([]*JobExecutionContext, 0, len(s.executing))
	for _, jec := range s.executing {
		out = append(out, jec)
	}
	return out
}

// --- Pause / resume ---

func (s *Scheduler) PauseTrigger(ctx context.Context, key Key) error       { return s.store.PauseTrigger(ctx, key) }
func (s *Scheduler) PauseTriggerGroup(ctx context.Context, g string) error { return s.store.PauseTriggerGroup(ctx, g) }
func (s *Scheduler) PauseJob(ctx context.Context, key Key) error           { return s.store.PauseJob(ctx, key) }
func (s *Scheduler) PauseJobGroup(ctx context.Context, g string) error     { return s.store.PauseJobGroup(ctx, g) }
func (s *Scheduler) PauseAll(ctx context.Context) error                    { return s.store.PauseAll(ctx) }

func (s *Scheduler) ResumeTrigger(ctx context.Context, key Key) error {
	if err := s.store.ResumeTrigger(ctx, key); err != nil {
		return err
	}
	s.signalSchedulingChange(nil)
	return nil
}

func (s *Scheduler) ResumeTriggerGroup(ctx context.Context, g string) error {
	if err := s.store.ResumeTriggerGroup(ctx, g); err != nil {
		return err
	}
	s.signalSchedulingChange(nil)
	return nil
}

func (s *Scheduler) ResumeJob(ctx context.Context, key Key) error {
	if err := s.store.ResumeJob(ctx, key); err != nil {
		return err
	}
	s.signalSchedulingChange(nil)
	return nil
}

func (s *Scheduler) ResumeJobGroup(ctx context.Context, g string) error {
	if err := s.store.ResumeJobGroup(ctx, g); err != nil {
		return err
	}
	s.signalSchedulingChange(nil)
	return nil
}

func (s *Scheduler) ResumeAll(ctx context.Context) error {
	if err := s.store.ResumeAll(ctx); err != nil {
		return err
	}
	s.signalSchedulingChange(nil)
	return nil
}

// --- Queries ---

func (s *Scheduler) CheckJobExists(ctx context.Context, key Key) (bool, error) {
	return s.store.CheckJobExists(ctx, key)
}
func (s *Scheduler) CheckTriggerExists(ctx context.Context, key Key) (bool, error) {
	return s.store.CheckTriggerExists(ctx, key)
}
func (s *Scheduler) GetJobDetail(ctx context.Context, key Key) (*JobDetail, error) {
	return s.store.RetrieveJob(ctx, key)
}
func (s *Scheduler) GetTrigger(ctx context.Context, key Key) (*Trigger, error) {
	return s.store.RetrieveTrigger(ctx, key)
}
func (s *Scheduler) GetTriggerState(ctx context.Context, key Key) (TriggerState, error) {
	return s.store.GetTriggerState(ctx, key)
}
func (s *Scheduler) GetJobKeys(ctx context.Context, matcher Matcher) ([]Key, error) {
	return s.store.GetJobKeys(ctx, matcher)
}
func (s *Scheduler) GetTriggerKeys(ctx context.Context, matcher Matcher) ([]Key, error) {
	return s.store.GetTriggerKeys(ctx, matcher)
}
func (s *Scheduler) GetTriggersOfJob(ctx context.Context, jobKey Key) ([]*Trigger, error) {
	return s.store.GetTriggersForJob(ctx, jobKey)
}
func (s *Scheduler) GetJobGroupNames(ctx context.Context) ([]string, error) {
	return s.store.GetJobGroupNames(ctx)
}
func (s *Scheduler) GetTriggerGroupNames(ctx context.Context) ([]string, error) {
	return s.store.GetTriggerGroupNames(ctx)
}
func (s *Scheduler) GetPausedTriggerGroups(ctx context.Context) ([]string, error) {
	return s.store.GetPausedTriggerGroups(ctx)
}

// Clear removes every job, trigger, and calendar (§6).
func (s *Scheduler) Clear(ctx context.Context) error {
	if err := s.guardMutable(); err != nil {
		return err
	}
	if err := s.store.ClearAllSchedulingData(ctx); err != nil {
		return err
	}
	s.listeners.broadcastSchedulerEvent(func(l SchedulerListener) { l.SchedulingDataCleared() })
	return nil
}

// --- Calendars ---

func (s *Scheduler) AddCalendar(ctx context.Context, name string, cal calendar.Calendar, replaceExisting, updateTriggers bool) error {
	return s.store.StoreCalendar(ctx, name, cal, replaceExisting, updateTriggers)
}
func (s *Scheduler) DeleteCalendar(ctx context.Context, name string) (bool, error) {
	return s.store.RemoveCalendar(ctx, name)
}
func (s *Scheduler) GetCalendar(ctx context.Context, name string) (calendar.Calendar, error) {
	return s.store.GetCalendar(ctx, name)
}
func (s *Scheduler) GetCalendarNames(ctx context.Context) ([]string, error) {
	return s.store.GetCalendarNames(ctx)
}
