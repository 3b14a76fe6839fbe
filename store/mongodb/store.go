// Package mongodb is a persistent scheduler.JobStore backed by
// go.mongodb.org/mongo-driver, adapting the teacher's FindOneAndUpdate
// atomic-claim technique (mongodb/store.go's LockNext) from a single
// "jobs" collection with a sleepUntil lock field to the two-collection
// job/trigger schema and WAITING->ACQUIRED->EXECUTING state machine of
// §4.3. A single node using this store is safe to run concurrently with
// itself; true multi-node clustering would additionally need the
// acquisition claim and the pause/block bookkeeping in the same atomic
// operation, which SPEC_FULL §D leaves as a known simplification (see
// DESIGN.md).
package mongodb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/novaq/scheduler"
	"github.com/novaq/scheduler/calendar"
)

// Config names the collections the store uses. All four are required
// (NewStore rejects a nil one); Meta holds the one pause/blocked-jobs
// bookkeeping document, and Calendars the stored *calendar.Holiday values.
type Config struct {
	Jobs      *mongo.Collection
	Triggers  *mongo.Collection
	Meta      *mongo.Collection
	Calendars *mongo.Collection

	MisfireThreshold time.Duration
}

// Store is the mongodb-backed scheduler.JobStore.
type Store struct {
	jobs      *mongo.Collection
	triggers  *mongo.Collection
	meta      *mongo.Collection
	calendars *mongo.Collection

	misfireThreshold time.Duration
}

var _ scheduler.JobStore = (*Store)(nil)

const metaDocID = "scheduler_meta"

type metaDoc struct {
	ID                  string   `bson:"_id"`
	PausedTriggerKeys   []string `bson:"pausedTriggerKeys"`
	PausedTriggerGroups []string `bson:"pausedTriggerGroups"`
	PausedJobKeys       []string `bson:"pausedJobKeys"`
	PausedJobGroups     []string `bson:"pausedJobGroups"`
	PausedAll           bool     `bson:"pausedAll"`
	BlockedJobs         []string `bson:"blockedJobs"`
}

// NewStore validates cfg and returns a ready Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Jobs == nil || cfg.Triggers == nil || cfg.Meta == nil || cfg.Calendars == nil {
		return nil, fmt.Errorf("mongodb: Jobs, Triggers, Meta, and Calendars collections are required")
	}
	threshold := cfg.MisfireThreshold
	if threshold <= 0 {
		threshold = 60 * time.Second
	}
	return &Store{jobs: cfg.Jobs, triggers: cfg.Triggers, meta: cfg.Meta, calendars: cfg.Calendars, misfireThreshold: threshold}, nil
}

func (s *Store) SupportsPersistence() bool { return true }
func (s *Store) IsClustered() bool         { return false }

// Initialize runs §4.3's recovery scan: any trigger still ACQUIRED or
// EXECUTING from a previous process is released back to WAITING, and one
// whose job RequestsRecovery gets its NextFireTime reset to now and its
// Recovering flag set, so it is promptly re-acquired and TriggersFired
// produces a bundle with IsRecovering=true for its next (and only its
// next) fire.
func (s *Store) Initialize(ctx context.Context) error {
	cur, err := s.triggers.Find(ctx, bson.M{"state": bson.M{"$in": []int{int(scheduler.StateAcquired), int(scheduler.StateExecuting)}}})
	if err != nil {
		return fmt.Errorf("mongodb: recovery scan failed: %w", err)
	}
	defer cur.Close(ctx)

	now := time.Now()
	for cur.Next(ctx) {
		var doc triggerDoc
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("mongodb: decoding orphaned trigger: %w", err)
		}
		jd, err := s.findJobDoc(ctx, doc.JobGroup, doc.JobName)
		if err != nil {
			return err
		}
		update := bson.M{"state": int(scheduler.StateWaiting)}
		if jd != nil && jd.RequestsRecovery {
			update["nextFireTime"] = now
			update["recovering"] = true
		}
		if _, err := s.triggers.UpdateOne(ctx, bson.M{"_id": doc.ID}, bson.M{"$set": update}); err != nil {
			return fmt.Errorf("mongodb: recovering trigger %s: %w", doc.ID, err)
		}
	}
	return cur.Err()
}

func (s *Store) Shutdown(ctx context.Context) error { return nil }

// --- Mutation ---

func (s *Store) StoreJob(ctx context.Context, job *scheduler.JobDetail, replaceExisting bool) error {
	doc := toJobDoc(job)
	if !replaceExisting {
		if _, err := s.jobs.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return scheduler.ObjectAlreadyExistsError(job.Key)
			}
			return fmt.Errorf("mongodb: storeJob: %w", err)
		}
		return nil
	}
	opts := options.Replace().SetUpsert(true)
	_, err := s.jobs.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongodb: storeJob: %w", err)
	}
	return nil
}

func (s *Store) StoreTrigger(ctx context.Context, trigger *scheduler.Trigger, replaceExisting bool) error {
	jd, err := s.findJobDoc(ctx, trigger.JobKey.Group, trigger.JobKey.Name)
	if err != nil {
		return err
	}
	if jd == nil {
		return scheduler.JobPersistenceError("no job stored for trigger's JobKey "+trigger.JobKey.String(), nil)
	}
	t := trigger.Clone()
	if t.NextFireTime == nil {
		cal, err := s.GetCalendar(ctx, t.CalendarName)
		if err != nil {
			return err
		}
		t.ComputeFirstFireTime(cal)
	}
	paused, err := s.isPaused(ctx, t)
	if err != nil {
		return err
	}
	if paused {
		t.State = scheduler.StatePaused
	} else {
		t.State = scheduler.StateWaiting
	}
	doc := toTriggerDoc(t)

	if !replaceExisting {
		if _, err := s.triggers.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return scheduler.ObjectAlreadyExistsError(trigger.Key)
			}
			return fmt.Errorf("mongodb: storeTrigger: %w", err)
		}
		return nil
	}
	opts := options.Replace().SetUpsert(true)
	_, err = s.triggers.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongodb: storeTrigger: %w", err)
	}
	return nil
}

func (s *Store) StoreJobAndTrigger(ctx context.Context, job *scheduler.JobDetail, trigger *scheduler.Trigger) error {
	if err := s.StoreJob(ctx, job, true); err != nil {
		return err
	}
	return s.StoreTrigger(ctx, trigger, true)
}

func (s *Store) RemoveJob(ctx context.Context, key scheduler.Key) (bool, error) {
	if _, err := s.triggers.DeleteMany(ctx, bson.M{"jobGroup": key.Group, "jobName": key.Name}); err != nil {
		return false, fmt.Errorf("mongodb: removeJob (triggers): %w", err)
	}
	res, err := s.jobs.DeleteOne(ctx, bson.M{"_id": key.String()})
	if err != nil {
		return false, fmt.Errorf("mongodb: removeJob: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func (s *Store) RemoveTrigger(ctx context.Context, key scheduler.Key) (bool, error) {
	var doc triggerDoc
	err := s.triggers.FindOneAndDelete(ctx, bson.M{"_id": key.String()}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mongodb: removeTrigger: %w", err)
	}
	jd, err := s.findJobDoc(ctx, doc.JobGroup, doc.JobName)
	if err != nil {
		return true, err
	}
	if jd != nil && !jd.Durable {
		n, err := s.triggers.CountDocuments(ctx, bson.M{"jobGroup": doc.JobGroup, "jobName": doc.JobName})
		if err != nil {
			return true, fmt.Errorf("mongodb: removeTrigger cascade check: %w", err)
		}
		if n == 0 {
			if _, err := s.jobs.DeleteOne(ctx, bson.M{"_id": jd.ID}); err != nil {
				return true, fmt.Errorf("mongodb: removeTrigger cascade delete: %w", err)
			}
		}
	}
	return true, nil
}

func (s *Store) ReplaceTrigger(ctx context.Context, key scheduler.Key, newTrigger *scheduler.Trigger) (bool, error) {
	existing, err := s.RetrieveTrigger(ctx, key)
	if err != nil || existing == nil {
		return false, err
	}
	if _, err := s.RemoveTrigger(ctx, key); err != nil {
		return false, err
	}
	newTrigger.Key = key
	if err := s.StoreTrigger(ctx, newTrigger, true); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) withMeta(ctx context.Context, fn func(*metaDoc) error) error {
	var m metaDoc
	err := s.meta.FindOne(ctx, bson.M{"_id": metaDocID}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		m = metaDoc{ID: metaDocID}
	} else if err != nil {
		return fmt.Errorf("mongodb: loading meta: %w", err)
	}
	if err := fn(&m); err != nil {
		return err
	}
	opts := options.Replace().SetUpsert(true)
	_, err = s.meta.ReplaceOne(ctx, bson.M{"_id": metaDocID}, m, opts)
	if err != nil {
		return fmt.Errorf("mongodb: saving meta: %w", err)
	}
	return nil
}

func (s *Store) isPaused(ctx context.Context, t *scheduler.Trigger) (bool, error) {
	var m metaDoc
	err := s.meta.FindOne(ctx, bson.M{"_id": metaDocID}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mongodb: loading meta: %w", err)
	}
	return m.PausedAll ||
		contains(m.PausedTriggerKeys, t.Key.String()) ||
		contains(m.PausedTriggerGroups, t.Key.Group) ||
		contains(m.PausedJobKeys, t.JobKey.String()) ||
		contains(m.PausedJobGroups, t.JobKey.Group), nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func addUnique(list []string, v string) []string {
	if contains(list, v) {
		return list
	}
	return append(list, v)
}

func removeFrom(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func (s *Store) setTriggerStatesForGroup(ctx context.Context, filter bson.M, from, to scheduler.TriggerState) error {
	f := bson.M{"state": int(from)}
	for k, v := range filter {
		f[k] = v
	}
	_, err := s.triggers.UpdateMany(ctx, f, bson.M{"$set": bson.M{"state": int(to)}})
	if err != nil {
		return fmt.Errorf("mongodb: bulk state transition: %w", err)
	}
	return nil
}

func (s *Store) PauseTrigger(ctx context.Context, key scheduler.Key) error {
	if err := s.withMeta(ctx, func(m *metaDoc) error {
		m.PausedTriggerKeys = addUnique(m.PausedTriggerKeys, key.String())
		return nil
	}); err != nil {
		return err
	}
	if err := s.setTriggerStatesForGroup(ctx, bson.M{"_id": key.String()}, scheduler.StateWaiting, scheduler.StatePaused); err != nil {
		return err
	}
	return s.setTriggerStatesForGroup(ctx, bson.M{"_id": key.String()}, scheduler.StateBlocked, scheduler.StatePausedBlocked)
}

func (s *Store) PauseTriggerGroup(ctx context.Context, group string) error {
	if err := s.withMeta(ctx, func(m *metaDoc) error {
		m.PausedTriggerGroups = addUnique(m.PausedTriggerGroups, group)
		return nil
	}); err != nil {
		return err
	}
	if err := s.setTriggerStatesForGroup(ctx, bson.M{"group": group}, scheduler.StateWaiting, scheduler.StatePaused); err != nil {
		return err
	}
	return s.setTriggerStatesForGroup(ctx, bson.M{"group": group}, scheduler.StateBlocked, scheduler.StatePausedBlocked)
}

func (s *Store) PauseJob(ctx context.Context, key scheduler.Key) error {
	if err := s.withMeta(ctx, func(m *metaDoc) error {
		m.PausedJobKeys = addUnique(m.PausedJobKeys, key.String())
		return nil
	}); err != nil {
		return err
	}
	f := bson.M{"jobGroup": key.Group, "jobName": key.Name}
	if err := s.setTriggerStatesForGroup(ctx, f, scheduler.StateWaiting, scheduler.StatePaused); err != nil {
		return err
	}
	return s.setTriggerStatesForGroup(ctx, f, scheduler.StateBlocked, scheduler.StatePausedBlocked)
}

func (s *Store) PauseJobGroup(ctx context.Context, group string) error {
	if err := s.withMeta(ctx, func(m *metaDoc) error {
		m.PausedJobGroups = addUnique(m.PausedJobGroups, group)
		return nil
	}); err != nil {
		return err
	}
	f := bson.M{"jobGroup": group}
	if err := s.setTriggerStatesForGroup(ctx, f, scheduler.StateWaiting, scheduler.StatePaused); err != nil {
		return err
	}
	return s.setTriggerStatesForGroup(ctx, f, scheduler.StateBlocked, scheduler.StatePausedBlocked)
}

func (s *Store) ResumeTrigger(ctx context.Context, key scheduler.Key) error {
	if err := s.withMeta(ctx, func(m *metaDoc) error {
		m.PausedTriggerKeys = removeFrom(m.PausedTriggerKeys, key.String())
		return nil
	}); err != nil {
		return err
	}
	if err := s.setTriggerStatesForGroup(ctx, bson.M{"_id": key.String()}, scheduler.StatePaused, scheduler.StateWaiting); err != nil {
		return err
	}
	return s.setTriggerStatesForGroup(ctx, bson.M{"_id": key.String()}, scheduler.StatePausedBlocked, scheduler.StateBlocked)
}

func (s *Store) ResumeTriggerGroup(ctx context.Context, group string) error {
	if err := s.withMeta(ctx, func(m *metaDoc) error {
		m.PausedTriggerGroups = removeFrom(m.PausedTriggerGroups, group)
		return nil
	}); err != nil {
		return err
	}
	if err := s.setTriggerStatesForGroup(ctx, bson.M{"group": group}, scheduler.StatePaused, scheduler.StateWaiting); err != nil {
		return err
	}
	return s.setTriggerStatesForGroup(ctx, bson.M{"group": group}, scheduler.StatePausedBlocked, scheduler.StateBlocked)
}

func (s *Store) ResumeJob(ctx context.Context, key scheduler.Key) error {
	if err := s.withMeta(ctx, func(m *metaDoc) error {
		m.PausedJobKeys = removeFrom(m.PausedJobKeys, key.String())
		return nil
	}); err != nil {
		return err
	}
	f := bson.M{"jobGroup": key.Group, "jobName": key.Name}
	if err := s.setTriggerStatesForGroup(ctx, f, scheduler.StatePaused, scheduler.StateWaiting); err != nil {
		return err
	}
	return s.setTriggerStatesForGroup(ctx, f, scheduler.StatePausedBlocked, scheduler.StateBlocked)
}

func (s *Store) ResumeJobGroup(ctx context.Context, group string) error {
	if err := s.withMeta(ctx, func(m *metaDoc) error {
		m.PausedJobGroups = removeFrom(m.PausedJobGroups, group)
		return nil
	}); err != nil {
		return err
	}
	f := bson.M{"jobGroup": group}
	if err := s.setTriggerStatesForGroup(ctx, f, scheduler.StatePaused, scheduler.StateWaiting); err != nil {
		return err
	}
	return s.setTriggerStatesForGroup(ctx, f, scheduler.StatePausedBlocked, scheduler.StateBlocked)
}

func (s *Store) PauseAll(ctx context.Context) error {
	if err := s.withMeta(ctx, func(m *metaDoc) error {
		m.PausedAll = true
		return nil
	}); err != nil {
		return err
	}
	if err := s.setTriggerStatesForGroup(ctx, bson.M{}, scheduler.StateWaiting, scheduler.StatePaused); err != nil {
		return err
	}
	return s.setTriggerStatesForGroup(ctx, bson.M{}, scheduler.StateBlocked, scheduler.StatePausedBlocked)
}

func (s *Store) ResumeAll(ctx context.Context) error {
	if err := s.withMeta(ctx, func(m *metaDoc) error {
		m.PausedAll = false
		return nil
	}); err != nil {
		return err
	}
	if err := s.setTriggerStatesForGroup(ctx, bson.M{}, scheduler.StatePaused, scheduler.StateWaiting); err != nil {
		return err
	}
	return s.setTriggerStatesForGroup(ctx, bson.M{}, scheduler.StatePausedBlocked, scheduler.StateBlocked)
}

// StoreCalendar persists cal under name. Only *calendar.Holiday has a known
// BSON shape (codec.go's calendarDoc); any other Calendar implementation is
// rejected, since a remote store can't serialize an arbitrary Go interface
// value the way the in-memory store's Go map can hold it directly.
func (s *Store) StoreCalendar(ctx context.Context, name string, cal calendar.Calendar, replaceExisting, updateTriggers bool) error {
	h, ok := cal.(*calendar.Holiday)
	if !ok {
		return scheduler.JobPersistenceError(fmt.Sprintf("mongodb store only persists *calendar.Holiday calendars, got %T", cal), nil)
	}
	doc := toCalendarDoc(name, h)
	if !replaceExisting {
		if _, err := s.calendars.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return scheduler.ObjectAlreadyExistsError(calendarKey(name))
			}
			return fmt.Errorf("mongodb: storeCalendar: %w", err)
		}
	} else {
		opts := options.Replace().SetUpsert(true)
		if _, err := s.calendars.ReplaceOne(ctx, bson.M{"_id": name}, doc, opts); err != nil {
			return fmt.Errorf("mongodb: storeCalendar: %w", err)
		}
	}
	if updateTriggers {
		cur, err := s.triggers.Find(ctx, bson.M{"calendarName": name})
		if err != nil {
			return fmt.Errorf("mongodb: storeCalendar updateTriggers scan: %w", err)
		}
		defer cur.Close(ctx)
		for cur.Next(ctx) {
			var td triggerDoc
			if err := cur.Decode(&td); err != nil {
				return err
			}
			t := fromTriggerDoc(&td)
			prev := time.Time{}
			if t.PreviousFireTime != nil {
				prev = *t.PreviousFireTime
			}
			t.NextFireTime = t.GetFireTimeAfter(prev, h)
			s.updateNextFireTimePtr(ctx, t.Key, t.NextFireTime)
		}
	}
	return nil
}

type calendarKey string

func (c calendarKey) String() string { return string(c) }

func (s *Store) updateNextFireTimePtr(ctx context.Context, key scheduler.Key, t *time.Time) {
	_, _ = s.triggers.UpdateOne(ctx, bson.M{"_id": key.String()}, bson.M{"$set": bson.M{"nextFireTime": t}})
}

func (s *Store) RemoveCalendar(ctx context.Context, name string) (bool, error) {
	res, err := s.calendars.DeleteOne(ctx, bson.M{"_id": name})
	if err != nil {
		return false, fmt.Errorf("mongodb: removeCalendar: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func (s *Store) GetCalendar(ctx context.Context, name string) (calendar.Calendar, error) {
	if name == "" {
		return nil, nil
	}
	var doc calendarDoc
	err := s.calendars.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb: getCalendar: %w", err)
	}
	return fromCalendarDoc(&doc), nil
}

func (s *Store) GetCalendarNames(ctx context.Context) ([]string, error) {
	cur, err := s.calendars.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongodb: getCalendarNames: %w", err)
	}
	defer cur.Close(ctx)
	var out []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.ID)
	}
	sort.Strings(out)
	return out, cur.Err()
}

func (s *Store) ClearAllSchedulingData(ctx context.Context) error {
	if _, err := s.triggers.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("mongodb: clear triggers: %w", err)
	}
	if _, err := s.jobs.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("mongodb: clear jobs: %w", err)
	}
	if _, err := s.meta.DeleteMany(ctx, bson.M{"_id": metaDocID}); err != nil {
		return fmt.Errorf("mongodb: clear meta: %w", err)
	}
	if _, err := s.calendars.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("mongodb: clear calendars: %w", err)
	}
	return nil
}

func (s *Store) ResetTriggerFromErrorState(ctx context.Context, key scheduler.Key) error {
	_, err := s.triggers.UpdateOne(ctx,
		bson.M{"_id": key.String(), "state": int(scheduler.StateError)},
		bson.M{"$set": bson.M{"state": int(scheduler.StateWaiting), "nextFireTime": time.Now()}})
	if err != nil {
		return fmt.Errorf("mongodb: resetTriggerFromErrorState: %w", err)
	}
	return nil
}

// --- Query ---

func (s *Store) findJobDoc(ctx context.Context, group, name string) (*jobDoc, error) {
	var jd jobDoc
	err := s.jobs.FindOne(ctx, bson.M{"_id": scheduler.NewKey(name, group).String()}).Decode(&jd)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb: findJobDoc: %w", err)
	}
	return &jd, nil
}

func (s *Store) RetrieveJob(ctx context.Context, key scheduler.Key) (*scheduler.JobDetail, error) {
	jd, err := s.findJobDoc(ctx, key.Group, key.Name)
	if err != nil || jd == nil {
		return nil, err
	}
	return fromJobDoc(jd), nil
}

func (s *Store) RetrieveTrigger(ctx context.Context, key scheduler.Key) (*scheduler.Trigger, error) {
	var td triggerDoc
	err := s.triggers.FindOne(ctx, bson.M{"_id": key.String()}).Decode(&td)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb: retrieveTrigger: %w", err)
	}
	return fromTriggerDoc(&td), nil
}

func (s *Store) CheckJobExists(ctx context.Context, key scheduler.Key) (bool, error) {
	n, err := s.jobs.CountDocuments(ctx, bson.M{"_id": key.String()})
	return n > 0, err
}

func (s *Store) CheckTriggerExists(ctx context.Context, key scheduler.Key) (bool, error) {
	n, err := s.triggers.CountDocuments(ctx, bson.M{"_id": key.String()})
	return n > 0, err
}

func (s *Store) GetJobKeys(ctx context.Context, matcher scheduler.Matcher) ([]scheduler.Key, error) {
	cur, err := s.jobs.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"group": 1, "name": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongodb: getJobKeys: %w", err)
	}
	defer cur.Close(ctx)
	var out []scheduler.Key
	for cur.Next(ctx) {
		var jd jobDoc
		if err := cur.Decode(&jd); err != nil {
			return nil, err
		}
		k := scheduler.NewKey(jd.Name, jd.Group)
		if matcher == nil || matcher(k) {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out, cur.Err()
}

func (s *Store) GetTriggerKeys(ctx context.Context, matcher scheduler.Matcher) ([]scheduler.Key, error) {
	cur, err := s.triggers.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("mongodb: getTriggerKeys: %w", err)
	}
	defer cur.Close(ctx)
	var out []scheduler.Key
	for cur.Next(ctx) {
		var td triggerDoc
		if err := cur.Decode(&td); err != nil {
			return nil, err
		}
		k := scheduler.NewKey(td.Name, td.Group)
		if matcher == nil || matcher(k) {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out, cur.Err()
}

func sortKeys(keys []scheduler.Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

func (s *Store) GetTriggersForJob(ctx context.Context, jobKey scheduler.Key) ([]*scheduler.Trigger, error) {
	cur, err := s.triggers.Find(ctx, bson.M{"jobGroup": jobKey.Group, "jobName": jobKey.Name})
	if err != nil {
		return nil, fmt.Errorf("mongodb: getTriggersForJob: %w", err)
	}
	defer cur.Close(ctx)
	var out []*scheduler.Trigger
	for cur.Next(ctx) {
		var td triggerDoc
		if err := cur.Decode(&td); err != nil {
			return nil, err
		}
		out = append(out, fromTriggerDoc(&td))
	}
	return out, cur.Err()
}

func (s *Store) GetTriggerState(ctx context.Context, key scheduler.Key) (scheduler.TriggerState, error) {
	var td triggerDoc
	err := s.triggers.FindOne(ctx, bson.M{"_id": key.String()}).Decode(&td)
	if err == mongo.ErrNoDocuments {
		return scheduler.StateNone, nil
	}
	if err != nil {
		return scheduler.StateNone, fmt.Errorf("mongodb: getTriggerState: %w", err)
	}
	return scheduler.TriggerState(td.State), nil
}

func (s *Store) GetNumberOfJobs(ctx context.Context) (int, error) {
	n, err := s.jobs.CountDocuments(ctx, bson.M{})
	return int(n), err
}

func (s *Store) GetNumberOfTriggers(ctx context.Context) (int, error) {
	n, err := s.triggers.CountDocuments(ctx, bson.M{})
	return int(n), err
}

func (s *Store) GetPausedTriggerGroups(ctx context.Context) ([]string, error) {
	var m metaDoc
	err := s.meta.FindOne(ctx, bson.M{"_id": metaDocID}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	return m.PausedTriggerGroups, err
}

func (s *Store) GetJobGroupNames(ctx context.Context) ([]string, error) {
	return s.distinctGroups(ctx, s.jobs)
}

func (s *Store) GetTriggerGroupNames(ctx context.Context) ([]string, error) {
	return s.distinctGroups(ctx, s.triggers)
}

func (s *Store) distinctGroups(ctx context.Context, coll *mongo.Collection) ([]string, error) {
	raw, err := coll.Distinct(ctx, "group", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("mongodb: distinct groups: %w", err)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- Firing protocol ---

func (s *Store) AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]*scheduler.Trigger, error) {
	now := time.Now()
	horizon := noLaterThan.Add(timeWindow)
	misfireCutoff := now.Add(-s.misfireThreshold)

	cur, err := s.triggers.Find(ctx,
		bson.M{"state": int(scheduler.StateWaiting), "nextFireTime": bson.M{"$lte": horizon}},
		options.Find().SetSort(bson.D{{Key: "nextFireTime", Value: 1}, {Key: "priority", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb: acquireNextTriggers scan: %w", err)
	}
	defer cur.Close(ctx)

	var acquired []*scheduler.Trigger
	for cur.Next(ctx) && (maxCount <= 0 || len(acquired) < maxCount) {
		var td triggerDoc
		if err := cur.Decode(&td); err != nil {
			return nil, err
		}
		t := fromTriggerDoc(&td)

		if t.NextFireTime != nil && t.NextFireTime.Before(misfireCutoff) {
			cal, err := s.GetCalendar(ctx, t.CalendarName)
			if err != nil {
				return nil, err
			}
			t.UpdateAfterMisfire(cal, now)
			if t.NextFireTime == nil {
				s.setState(ctx, t.Key, scheduler.StateComplete)
				continue
			}
			if t.NextFireTime.After(horizon) {
				s.updateNextFireTime(ctx, t.Key, *t.NextFireTime)
				continue
			}
			s.updateNextFireTime(ctx, t.Key, *t.NextFireTime)
		}

		res, err := s.triggers.UpdateOne(ctx,
			bson.M{"_id": t.Key.String(), "state": int(scheduler.StateWaiting)},
			bson.M{"$set": bson.M{"state": int(scheduler.StateAcquired)}})
		if err != nil {
			return nil, fmt.Errorf("mongodb: acquire claim: %w", err)
		}
		if res.ModifiedCount == 0 {
			continue // another node claimed it first
		}
		t.State = scheduler.StateAcquired
		acquired = append(acquired, t)
	}
	return acquired, cur.Err()
}

func (s *Store) setState(ctx context.Context, key scheduler.Key, state scheduler.TriggerState) {
	_, _ = s.triggers.UpdateOne(ctx, bson.M{"_id": key.String()}, bson.M{"$set": bson.M{"state": int(state)}})
}

func (s *Store) updateNextFireTime(ctx context.Context, key scheduler.Key, t time.Time) {
	_, _ = s.triggers.UpdateOne(ctx, bson.M{"_id": key.String()}, bson.M{"$set": bson.M{"nextFireTime": t}})
}

func (s *Store) ReleaseAcquiredTrigger(ctx context.Context, trigger *scheduler.Trigger) error {
	_, err := s.triggers.UpdateOne(ctx,
		bson.M{"_id": trigger.Key.String(), "state": int(scheduler.StateAcquired)},
		bson.M{"$set": bson.M{"state": int(scheduler.StateWaiting)}})
	if err != nil {
		return fmt.Errorf("mongodb: releaseAcquiredTrigger: %w", err)
	}
	return nil
}

func (s *Store) TriggersFired(ctx context.Context, triggers []*scheduler.Trigger) ([]*scheduler.TriggerFiredResult, error) {
	results := make([]*scheduler.TriggerFiredResult, 0, len(triggers))
	for _, t := range triggers {
		res := &scheduler.TriggerFiredResult{TriggerKey: t.Key}

		var td triggerDoc
		err := s.triggers.FindOne(ctx, bson.M{"_id": t.Key.String(), "state": int(scheduler.StateAcquired)}).Decode(&td)
		if err == mongo.ErrNoDocuments {
			results = append(results, res)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("mongodb: triggersFired lookup: %w", err)
		}
		cur := fromTriggerDoc(&td)

		jd, err := s.findJobDoc(ctx, cur.JobKey.Group, cur.JobKey.Name)
		if err != nil || jd == nil {
			results = append(results, res)
			continue
		}
		job := fromJobDoc(jd)

		if job.DisallowConcurrentExecution {
			claimed, err := s.claimBlock(ctx, job.Key)
			if err != nil {
				return nil, err
			}
			if !claimed {
				next := scheduler.StateBlocked
				if cur.State == scheduler.StatePaused {
					next = scheduler.StatePausedBlocked
				}
				s.setState(ctx, cur.Key, next)
				results = append(results, res)
				continue
			}
		}

		prev := cur.PreviousFireTime
		fireTime := time.Time{}
		if cur.NextFireTime != nil {
			fireTime = *cur.NextFireTime
		}
		cal, err := s.GetCalendar(ctx, cur.CalendarName)
		if err != nil {
			return nil, err
		}
		recovering := cur.Recovering
		cur.Recovering = false
		cur.Triggered(cal)
		cur.State = scheduler.StateExecuting
		if _, err := s.triggers.ReplaceOne(ctx, bson.M{"_id": cur.Key.String()}, toTriggerDoc(cur)); err != nil {
			return nil, fmt.Errorf("mongodb: triggersFired commit: %w", err)
		}

		res.Bundle = &scheduler.TriggerFiredBundle{
			JobDetail:         job,
			Trigger:           cur.Clone(),
			Calendar:          cal,
			FireTime:          fireTime,
			ScheduledFireTime: fireTime,
			PrevFireTime:      prev,
			NextFireTime:      cur.NextFireTime,
			FireInstanceID:    scheduler.NewFireInstanceID(),
		}
		if recovering {
			scheduler.ApplyRecoveryMarkers(res.Bundle, cur.Key, fireTime)
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Store) claimBlock(ctx context.Context, jobKey scheduler.Key) (bool, error) {
	claimed := false
	err := s.withMeta(ctx, func(m *metaDoc) error {
		if contains(m.BlockedJobs, jobKey.String()) {
			return nil
		}
		m.BlockedJobs = addUnique(m.BlockedJobs, jobKey.String())
		claimed = true
		return nil
	})
	return claimed, err
}

func (s *Store) TriggeredJobComplete(ctx context.Context, trigger *scheduler.Trigger, job *scheduler.JobDetail, instruction scheduler.CompletedExecutionInstruction, jobData scheduler.JobDataMap) error {
	if job.DisallowConcurrentExecution {
		if err := s.withMeta(ctx, func(m *metaDoc) error {
			m.BlockedJobs = removeFrom(m.BlockedJobs, job.Key.String())
			return nil
		}); err != nil {
			return err
		}
		f := bson.M{"jobGroup": job.Key.Group, "jobName": job.Key.Name}
		if err := s.setTriggerStatesForGroup(ctx, f, scheduler.StateBlocked, scheduler.StateWaiting); err != nil {
			return err
		}
		if err := s.setTriggerStatesForGroup(ctx, f, scheduler.StatePausedBlocked, scheduler.StatePaused); err != nil {
			return err
		}
	}
	if job.PersistDataAfterExecution && jobData != nil {
		if _, err := s.jobs.UpdateOne(ctx, bson.M{"_id": job.Key.String()}, bson.M{"$set": bson.M{"data": bson.M(jobData)}}); err != nil {
			return fmt.Errorf("mongodb: persisting job data: %w", err)
		}
	}

	switch instruction {
	case scheduler.NoOp:
		var td triggerDoc
		if err := s.triggers.FindOne(ctx, bson.M{"_id": trigger.Key.String()}).Decode(&td); err == nil {
			if td.NextFireTime == nil {
				s.setState(ctx, trigger.Key, scheduler.StateComplete)
			} else {
				paused, _ := s.isPaused(ctx, fromTriggerDoc(&td))
				if paused {
					s.setState(ctx, trigger.Key, scheduler.StatePaused)
				} else {
					s.setState(ctx, trigger.Key, scheduler.StateWaiting)
				}
			}
		}
	case scheduler.SetTriggerComplete:
		s.setState(ctx, trigger.Key, scheduler.StateComplete)
	case scheduler.DeleteTrigger:
		_, err := s.RemoveTrigger(ctx, trigger.Key)
		return err
	case scheduler.ReExecuteJob:
		now := time.Now()
		_, err := s.triggers.UpdateOne(ctx, bson.M{"_id": trigger.Key.String()},
			bson.M{"$set": bson.M{"state": int(scheduler.StateWaiting), "nextFireTime": now}})
		return err
	case scheduler.SetTriggerError:
		s.setState(ctx, trigger.Key, scheduler.StateError)
	case scheduler.SetAllJobTriggersComplete:
		return s.setTriggerStatesForJob(ctx, job.Key, scheduler.StateComplete)
	case scheduler.SetAllJobTriggersError:
		return s.setTriggerStatesForJob(ctx, job.Key, scheduler.StateError)
	}
	return nil
}

func (s *Store) setTriggerStatesForJob(ctx context.Context, jobKey scheduler.Key, state scheduler.TriggerState) error {
	_, err := s.triggers.UpdateMany(ctx,
		bson.M{"jobGroup": jobKey.Group, "jobName": jobKey.Name},
		bson.M{"$set": bson.M{"state": int(state)}})
	if err != nil {
		return fmt.Errorf("mongodb: setTriggerStatesForJob: %w", err)
	}
	return nil
}

func (s *Store) GetAcquireRetryDelay(failureCount int) time.Duration {
	d := 100 * time.Millisecond
	for i := 0; i < failureCount && i < 12; i++ {
		d *= 2
	}
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}
