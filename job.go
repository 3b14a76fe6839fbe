package scheduler

import "fmt"

// DefaultGroup is the group name a Key is assigned when none is given,
// per §3 "group defaults to the literal DEFAULT".
const DefaultGroup = "DEFAULT"

// Key identifies a Job or a Trigger by its (group, name) pair. The zero
// Key is invalid; use NewKey.
type Key struct {
	Name  string
	Group string
}

// NewKey builds a Key, defaulting an empty group to DefaultGroup.
func NewKey(name, group string) Key {
	if group == "" {
		group = DefaultGroup
	}
	return Key{Name: name, Group: group}
}

func (k Key) String() string {
	return fmt.Sprintf("%s.%s", k.Group, k.Name)
}

func (k Key) IsZero() bool { return k.Name == "" && k.Group == "" }

// Less orders keys with DefaultGroup first, then lexicographic group, then
// name, per §3 "Sorting places DEFAULT before any other group...".
func (k Key) Less(o Key) bool {
	if k.Group != o.Group {
		if k.Group == DefaultGroup {
			return true
		}
		if o.Group == DefaultGroup {
			return false
		}
		return k.Group < o.Group
	}
	return k.Name < o.Name
}

// JobDataMap is the string-keyed, arbitrary-value dictionary carried by
// jobs and triggers (§3).
type JobDataMap map[string]interface{}

// Clone returns a shallow copy.
func (m JobDataMap) Clone() JobDataMap {
	if m == nil {
		return nil
	}
	out := make(JobDataMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MergedOver returns a copy of base with every key in m overlaid on top —
// "trigger wins" when merging a trigger's data map over its job's (§3).
func (m JobDataMap) MergedOver(base JobDataMap) JobDataMap {
	out := base.Clone()
	if out == nil {
		out = make(JobDataMap, len(m))
	}
	for k, v := range m {
		out[k] = v
	}
	return out
}

// JobDetail is the persisted definition of a job (§3 "Job definition").
type JobDetail struct {
	Key         Key
	JobClass    string // opaque identifier the JobFactory resolves to executable code
	Description string
	Data        JobDataMap

	// Durable jobs survive with no trigger referencing them; non-durable
	// jobs are deleted automatically once their last trigger is removed.
	Durable bool

	// RequestsRecovery opts the job into §4.3 "Recovery": if it was
	// EXECUTING when the process died, it is re-fired on restart.
	RequestsRecovery bool

	// PersistDataAfterExecution: the job's returned data map replaces the
	// stored one, rather than being discarded.
	PersistDataAfterExecution bool

	// DisallowConcurrentExecution: at most one execution of this job
	// identity runs at a time, across all of its triggers.
	DisallowConcurrentExecution bool
}

// Clone returns a deep-enough copy (Data is cloned) for safe handoff across
// goroutines.
func (j *JobDetail) Clone() *JobDetail {
	if j == nil {
		return nil
	}
	c := *j
	c.Data = j.Data.Clone()
	return &c
}

// Job is the executable unit a JobFactory resolves a JobDetail's JobClass
// into. Execute runs synchronously on a worker-pool goroutine; a
// long-running Job that wants best-effort cancellation should also
// implement Interruptable.
type Job interface {
	Execute(ctx *JobExecutionContext) error
}

// Interruptable is implemented by jobs that can react to Scheduler.Interrupt
// (§5 "Cancellation"). It is best-effort: the state machine is unaffected.
type Interruptable interface {
	Interrupt() error
}

// JobFactory resolves a fired trigger's job-class identifier into an
// executable Job instance (§9 "Dynamic dispatch on job class").
type JobFactory interface {
	NewJob(bundle *TriggerFiredBundle, sched *Scheduler) (Job, error)
}

// SimpleJobFactory is a JobFactory backed by a static registry of
// constructors keyed by JobClass, modeled on Quartz's SimpleJobFactory.
type SimpleJobFactory struct {
	constructors map[string]func() Job
}

// NewSimpleJobFactory returns an empty registry-backed factory.
func NewSimpleJobFactory() *SimpleJobFactory {
	return &SimpleJobFactory{constructors: make(map[string]func() Job)}
}

// Register associates a JobClass identifier with a constructor.
func (f *SimpleJobFactory) Register(jobClass string, ctor func() Job) {
	f.constructors[jobClass] = ctor
}

func (f *SimpleJobFactory) NewJob(bundle *TriggerFiredBundle, sched *Scheduler) (Job, error) {
	ctor, ok := f.constructors[bundle.JobDetail.JobClass]
	if !ok {
		return nil, fmt.Errorf("scheduler: no job registered for class %q", bundle.JobDetail.JobClass)
	}
	return ctor(), nil
}
