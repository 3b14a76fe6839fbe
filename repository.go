package scheduler

import "sync"

// repository is the process-wide registry keyed by scheduler instance name
// (§9 "Global state"), grounded on Quartz's SchedulerRepository: it
// prevents premature collection and enforces uniqueness-by-name, with
// explicit lifecycle tied to New/Scheduler.Shutdown rather than process
// exit (SPEC_FULL §C.1).
type repository struct {
	mu         sync.Mutex
	schedulers map[string]*Scheduler
}

var globalRepository = &repository{schedulers: make(map[string]*Scheduler)}

// bind registers s under name, failing if the name is already taken by a
// different, still-live scheduler.
func (r *repository) bind(name string, s *Scheduler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.schedulers[name]; ok && existing != s {
		return SchedulerConfigError("scheduler instance name already in use: "+name, nil)
	}
	r.schedulers[name] = s
	return nil
}

func (r *repository) unbind(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schedulers, name)
}

func (r *repository) lookup(name string) (*Scheduler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedulers[name]
	return s, ok
}

func (r *repository) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.schedulers))
	for name := range r.schedulers {
		out = append(out, name)
	}
	return out
}

// Lookup returns the previously-created Scheduler registered under name,
// per §9's "singleton with explicit init/shutdown".
func Lookup(name string) (*Scheduler, bool) {
	return globalRepository.lookup(name)
}

// InstanceNames lists every scheduler instance name currently registered.
func InstanceNames() []string {
	return globalRepository.names()
}
