package scheduler

import (
	"errors"
	"fmt"
)

// Kind classifies a SchedulerError per §7's taxonomy.
type Kind int

const (
	KindInput Kind = iota
	KindNotFound
	KindDuplicate
	KindStoreFault
	KindJobFault
	KindFatal
	KindConfig
)

// SchedulerError is the single error type every façade method returns
// (§6 "Error conditions"), wrapping a Kind and an optional cause so callers
// can errors.Is/As on it, mirroring the teacher's fmt.Errorf("...: %w", err)
// wrapping throughout store.go/cron.go.
type SchedulerError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *SchedulerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SchedulerError) Unwrap() error { return e.Cause }

func newErr(kind Kind, msg string, cause error) *SchedulerError {
	return &SchedulerError{Kind: kind, Message: msg, Cause: cause}
}

// ObjectAlreadyExistsError is a SchedulerError of KindDuplicate — a store
// or store.storeJob/storeTrigger call with replace=false hit an existing
// identity (§6).
func ObjectAlreadyExistsError(key fmt.Stringer) error {
	return newErr(KindDuplicate, fmt.Sprintf("object already exists: %s", key), nil)
}

// JobPersistenceError is a SchedulerError of KindStoreFault — the backing
// store is unavailable or a stored trigger references a missing calendar
// (§6).
func JobPersistenceError(msg string, cause error) error {
	return newErr(KindStoreFault, msg, cause)
}

// UnableToInterruptJobError is a SchedulerError of KindJobFault — Interrupt
// was called for a job that isn't currently executing, or the Job's
// Interruptable.Interrupt returned an error. A Job that does not implement
// Interruptable is still interrupted through its context's channel.
func UnableToInterruptJobError(msg string) error {
	return newErr(KindJobFault, msg, nil)
}

// SchedulerConfigError is a SchedulerError of KindConfig — invalid startup
// configuration (§6).
func SchedulerConfigError(msg string, cause error) error {
	return newErr(KindConfig, msg, cause)
}

// IllegalArgumentError is a SchedulerError of KindInput, thrown
// synchronously at construction time for a null/empty identity (§6).
func IllegalArgumentError(msg string) error {
	return newErr(KindInput, msg, nil)
}

// ErrSchedulerShutdown is returned after Shutdown by Start and by the
// job/trigger mutation methods (ScheduleJob, AddJob, DeleteJob, DeleteJobs,
// UnscheduleJob, UnscheduleJobs, RescheduleJob, TriggerJob, Clear). The
// pause/resume, query and calendar methods do not check for shutdown; they
// call straight through to the store.
var ErrSchedulerShutdown = newErr(KindFatal, "scheduler is shut down", nil)

// IsKind reports whether err is a *SchedulerError of the given Kind.
func IsKind(err error, kind Kind) bool {
	var se *SchedulerError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
