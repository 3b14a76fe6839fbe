package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/novaq/scheduler"
	"github.com/novaq/scheduler/calendar"
	"github.com/novaq/scheduler/store/memory"
)

func newJobAndTrigger(jobName string, fireTime time.Time) (*scheduler.JobDetail, *scheduler.Trigger) {
	jobKey := scheduler.NewKey(jobName, "")
	job := &scheduler.JobDetail{Key: jobKey, JobClass: "noop"}
	trigKey := scheduler.NewKey(jobName+"-trigger", "")
	trig := scheduler.NewSimpleTrigger(trigKey, jobKey, fireTime, 0, 0)
	return job, trig
}

func TestStore_StoreAndRetrieveJob(t *testing.T) {
	ctx := context.Background()
	s := memory.New(0)
	job, trig := newJobAndTrigger("job1", time.Now())

	require.NoError(t, s.StoreJobAndTrigger(ctx, job, trig))

	got, err := s.RetrieveJob(ctx, job.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, job.Key, got.Key)

	exists, err := s.CheckJobExists(ctx, job.Key)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestStore_StoreJobWithoutReplaceRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := memory.New(0)
	job, _ := newJobAndTrigger("dup", time.Now())
	require.NoError(t, s.StoreJob(ctx, job, false))
	err := s.StoreJob(ctx, job, false)
	require.Error(t, err)
}

func TestStore_StoreTriggerWithoutJobFails(t *testing.T) {
	ctx := context.Background()
	s := memory.New(0)
	jobKey := scheduler.NewKey("ghost", "")
	trig := scheduler.NewSimpleTrigger(scheduler.NewKey("ghost-trigger", ""), jobKey, time.Now(), 0, 0)
	err := s.StoreTrigger(ctx, trig, false)
	require.Error(t, err)
}

func TestStore_RemoveJobRemovesItsTriggers(t *testing.T) {
	ctx := context.Background()
	s := memory.New(0)
	job, trig := newJobAndTrigger("job2", time.Now())
	require.NoError(t, s.StoreJobAndTrigger(ctx, job, trig))

	removed, err := s.RemoveJob(ctx, job.Key)
	require.NoError(t, err)
	require.True(t, removed)

	gotTrig, err := s.RetrieveTrigger(ctx, trig.Key)
	require.NoError(t, err)
	require.Nil(t, gotTrig)
}

func TestStore_RemoveTriggerNonDurableJobCascades(t *testing.T) {
	ctx := context.Background()
	s := memory.New(0)
	job, trig := newJobAndTrigger("job3", time.Now())
	require.NoError(t, s.StoreJobAndTrigger(ctx, job, trig))

	removed, err := s.RemoveTrigger(ctx, trig.Key)
	require.NoError(t, err)
	require.True(t, removed)

	exists, err := s.CheckJobExists(ctx, job.Key)
	require.NoError(t, err)
	require.False(t, exists, "non-durable job with no remaining triggers should be removed")
}

func TestStore_RemoveTriggerDurableJobSurvives(t *testing.T) {
	ctx := context.Background()
	s := memory.New(0)
	jobKey := scheduler.NewKey("durable-job", "")
	job := &scheduler.JobDetail{Key: jobKey, JobClass: "noop", Durable: true}
	trig := scheduler.NewSimpleTrigger(scheduler.NewKey("durable-trigger", ""), jobKey, time.Now(), 0, 0)
	require.NoError(t, s.StoreJobAndTrigger(ctx, job, trig))

	_, err := s.RemoveTrigger(ctx, trig.Key)
	require.NoError(t, err)

	exists, err := s.CheckJobExists(ctx, jobKey)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestStore_PauseAndResumeTrigger(t *testing.T) {
	ctx := context.Background()
	s := memory.New(0)
	job, trig := newJobAndTrigger("job4", time.Now().Add(time.Hour))
	require.NoError(t, s.StoreJobAndTrigger(ctx, job, trig))

	require.NoError(t, s.PauseTrigger(ctx, trig.Key))
	state, err := s.GetTriggerState(ctx, trig.Key)
	require.NoError(t, err)
	require.Equal(t, scheduler.StatePaused, state)

	require.NoError(t, s.ResumeTrigger(ctx, trig.Key))
	state, err = s.GetTriggerState(ctx, trig.Key)
	require.NoError(t, err)
	require.Equal(t, scheduler.StateWaiting, state)
}

func TestStore_PauseAllThenResumeAll(t *testing.T) {
	ctx := context.Background()
	s := memory.New(0)
	job, trig := newJobAndTrigger("job5", time.Now().Add(time.Hour))
	require.NoError(t, s.StoreJobAndTrigger(ctx, job, trig))

	require.NoError(t, s.PauseAll(ctx))
	state, err := s.GetTriggerState(ctx, trig.Key)
	require.NoError(t, err)
	require.Equal(t, scheduler.StatePaused, state)

	require.NoError(t, s.ResumeAll(ctx))
	state, err = s.GetTriggerState(ctx, trig.Key)
	require.NoError(t, err)
	require.Equal(t, scheduler.StateWaiting, state)
}

func TestStore_AcquireNextTriggersRespectsHorizonAndMaxCount(t *testing.T) {
	ctx := context.Background()
	s := memory.New(time.Minute)
	now := time.Now()

	job1, trig1 := newJobAndTrigger("a", now)
	job2, trig2 := newJobAndTrigger("b", now.Add(time.Hour))
	require.NoError(t, s.StoreJobAndTrigger(ctx, job1, trig1))
	require.NoError(t, s.StoreJobAndTrigger(ctx, job2, trig2))

	acquired, err := s.AcquireNextTriggers(ctx, now, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, acquired, 1)
	require.Equal(t, trig1.Key, acquired[0].Key)

	state, err := s.GetTriggerState(ctx, trig1.Key)
	require.NoError(t, err)
	require.Equal(t, scheduler.StateAcquired, state)

	// "b" (now+1h) and "c" (now) are both inside this horizon; maxCount 1
	// keeps only the earliest.
	job3, trig3 := newJobAndTrigger("c", now)
	require.NoError(t, s.StoreJobAndTrigger(ctx, job3, trig3))
	acquired, err = s.AcquireNextTriggers(ctx, now.Add(2*time.Hour), 1, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 1)
	require.Equal(t, trig3.Key, acquired[0].Key)
}

func TestStore_ReleaseAcquiredTriggerReturnsToWaiting(t *testing.T) {
	ctx := context.Background()
	s := memory.New(time.Minute)
	job, trig := newJobAndTrigger("c", time.Now())
	require.NoError(t, s.StoreJobAndTrigger(ctx, job, trig))

	acquired, err := s.AcquireNextTriggers(ctx, time.Now(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, acquired, 1)

	require.NoError(t, s.ReleaseAcquiredTrigger(ctx, acquired[0]))
	state, err := s.GetTriggerState(ctx, trig.Key)
	require.NoError(t, err)
	require.Equal(t, scheduler.StateWaiting, state)
}

func TestStore_TriggersFiredAndTriggeredJobComplete(t *testing.T) {
	ctx := context.Background()
	s := memory.New(time.Minute)
	job, trig := newJobAndTrigger("d", time.Now())
	require.NoError(t, s.StoreJobAndTrigger(ctx, job, trig))

	acquired, err := s.AcquireNextTriggers(ctx, time.Now(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, acquired, 1)

	results, err := s.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Bundle)

	require.NoError(t, s.TriggeredJobComplete(ctx, trig, job, scheduler.SetTriggerComplete, nil))
	state, err := s.GetTriggerState(ctx, trig.Key)
	require.NoError(t, err)
	require.Equal(t, scheduler.StateComplete, state)
}

func TestStore_TriggersFiredHonorsRecoveringFlag(t *testing.T) {
	ctx := context.Background()
	s := memory.New(time.Minute)
	job, trig := newJobAndTrigger("e", time.Now())
	trig.Recovering = true
	require.NoError(t, s.StoreJobAndTrigger(ctx, job, trig))

	acquired, err := s.AcquireNextTriggers(ctx, time.Now(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, acquired, 1)

	results, err := s.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Bundle)
	require.True(t, results[0].Bundle.IsRecovering)
	require.Equal(t, trig.Key, results[0].Bundle.RecoveringTriggerKey)
	require.Equal(t, trig.Key.Name, results[0].Bundle.Trigger.Data[scheduler.FailedJobOriginalTriggerName])

	require.NoError(t, s.TriggeredJobComplete(ctx, results[0].Bundle.Trigger, job, scheduler.SetTriggerComplete, nil))
}

func TestStore_DisallowConcurrentExecutionBlocksOtherTriggers(t *testing.T) {
	ctx := context.Background()
	s := memory.New(time.Minute)
	jobKey := scheduler.NewKey("serial-job", "")
	job := &scheduler.JobDetail{Key: jobKey, JobClass: "noop", DisallowConcurrentExecution: true}
	trigA := scheduler.NewSimpleTrigger(scheduler.NewKey("serial-a", ""), jobKey, time.Now(), 0, 0)
	trigB := scheduler.NewSimpleTrigger(scheduler.NewKey("serial-b", ""), jobKey, time.Now(), 0, 0)

	require.NoError(t, s.StoreJobAndTrigger(ctx, job, trigA))
	require.NoError(t, s.StoreTrigger(ctx, trigB, false))

	acquired, err := s.AcquireNextTriggers(ctx, time.Now(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, acquired, 2)

	results, err := s.TriggersFired(ctx, acquired)
	require.NoError(t, err)

	fired := 0
	blocked := 0
	for _, r := range results {
		if r.Bundle != nil {
			fired++
		} else {
			blocked++
		}
	}
	require.Equal(t, 1, fired)
	require.Equal(t, 1, blocked)

	require.NoError(t, s.TriggeredJobComplete(ctx, trigA, job, scheduler.NoOp, nil))
	state, err := s.GetTriggerState(ctx, trigB.Key)
	require.NoError(t, err)
	require.NotEqual(t, scheduler.StateBlocked, state)
}

func TestStore_CalendarStoreAndRetrieve(t *testing.T) {
	ctx := context.Background()
	s := memory.New(0)
	cal := calendar.NewHoliday("test cal", time.UTC)
	require.NoError(t, s.StoreCalendar(ctx, "holidays", cal, false, false))

	got, err := s.GetCalendar(ctx, "holidays")
	require.NoError(t, err)
	require.NotNil(t, got)

	names, err := s.GetCalendarNames(ctx)
	require.NoError(t, err)
	require.Contains(t, names, "holidays")

	removed, err := s.RemoveCalendar(ctx, "holidays")
	require.NoError(t, err)
	require.True(t, removed)
}

func TestStore_ClearAllSchedulingDataRemovesEverything(t *testing.T) {
	ctx := context.Background()
	s := memory.New(0)
	job, trig := newJobAndTrigger("e", time.Now())
	require.NoError(t, s.StoreJobAndTrigger(ctx, job, trig))
	require.NoError(t, s.StoreCalendar(ctx, "cal", calendar.NewBase("x"), false, false))

	require.NoError(t, s.ClearAllSchedulingData(ctx))

	n, err := s.GetNumberOfJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	names, err := s.GetCalendarNames(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestStore_GetJobKeysFiltersByMatcher(t *testing.T) {
	ctx := context.Background()
	s := memory.New(0)
	job1, trig1 := newJobAndTrigger("groupA-job", time.Now())
	job1.Key = scheduler.NewKey("job1", "groupA")
	trig1.JobKey = job1.Key
	job2, trig2 := newJobAndTrigger("groupB-job", time.Now())
	job2.Key = scheduler.NewKey("job2", "groupB")
	trig2.JobKey = job2.Key

	require.NoError(t, s.StoreJobAndTrigger(ctx, job1, trig1))
	require.NoError(t, s.StoreJobAndTrigger(ctx, job2, trig2))

	keys, err := s.GetJobKeys(ctx, func(k scheduler.Key) bool { return k.Group == "groupA" })
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, job1.Key, keys[0])
}
