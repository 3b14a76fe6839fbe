package mongodb

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/novaq/scheduler"
	"github.com/novaq/scheduler/calendar"
)

// jobDoc and triggerDoc are explicit BSON document shapes rather than a
// reflected scheduler.JobDetail/Trigger, mainly because Trigger carries
// *time.Location fields the driver has no codec for; storing the zone name
// and re-resolving it with time.LoadLocation keeps the documents plain JSON-
// shaped, which also lets them be inspected with mongosh.
type jobDoc struct {
	ID                          string `bson:"_id"`
	Group                       string `bson:"group"`
	Name                        string `bson:"name"`
	JobClass                    string `bson:"jobClass"`
	Description                 string `bson:"description"`
	Data                        bson.M `bson:"data"`
	Durable                     bool   `bson:"durable"`
	RequestsRecovery            bool   `bson:"requestsRecovery"`
	PersistDataAfterExecution   bool   `bson:"persistDataAfterExecution"`
	DisallowConcurrentExecution bool   `bson:"disallowConcurrentExecution"`
}

func toJobDoc(j *scheduler.JobDetail) *jobDoc {
	return &jobDoc{
		ID:                          j.Key.String(),
		Group:                       j.Key.Group,
		Name:                        j.Key.Name,
		JobClass:                    j.JobClass,
		Description:                 j.Description,
		Data:                        bson.M(j.Data),
		Durable:                     j.Durable,
		RequestsRecovery:            j.RequestsRecovery,
		PersistDataAfterExecution:   j.PersistDataAfterExecution,
		DisallowConcurrentExecution: j.DisallowConcurrentExecution,
	}
}

func fromJobDoc(d *jobDoc) *scheduler.JobDetail {
	return &scheduler.JobDetail{
		Key:                         scheduler.NewKey(d.Name, d.Group),
		JobClass:                    d.JobClass,
		Description:                 d.Description,
		Data:                        scheduler.JobDataMap(d.Data),
		Durable:                     d.Durable,
		RequestsRecovery:            d.RequestsRecovery,
		PersistDataAfterExecution:   d.PersistDataAfterExecution,
		DisallowConcurrentExecution: d.DisallowConcurrentExecution,
	}
}

type simpleSpecDoc struct {
	RepeatCount    int   `bson:"repeatCount"`
	RepeatInterval int64 `bson:"repeatIntervalNanos"`
	TimesTriggered int   `bson:"timesTriggered"`
}

type cronSpecDoc struct {
	Expression string `bson:"expression"`
	TimeZone   string `bson:"timeZone"`
}

type calendarIntervalDoc struct {
	Interval       int    `bson:"interval"`
	Unit           int    `bson:"unit"`
	TimeZone       string `bson:"timeZone"`
	TimesTriggered int    `bson:"timesTriggered"`
}

type dailyTimeIntervalDoc struct {
	StartHour, StartMinute, StartSecond int
	EndHour, EndMinute, EndSecond       int
	Interval                            int    `bson:"interval"`
	Unit                                int    `bson:"unit"`
	DaysOfWeek                          []int  `bson:"daysOfWeek"`
	TimeZone                            string `bson:"timeZone"`
	TimesTriggered                      int    `bson:"timesTriggered"`
}

type triggerDoc struct {
	ID           string `bson:"_id"`
	Group        string `bson:"group"`
	Name         string `bson:"name"`
	JobGroup     string `bson:"jobGroup"`
	JobName      string `bson:"jobName"`
	CalendarName string `bson:"calendarName"`
	Priority     int    `bson:"priority"`

	StartTime time.Time  `bson:"startTime"`
	EndTime   *time.Time `bson:"endTime,omitempty"`

	PreviousFireTime *time.Time `bson:"previousFireTime,omitempty"`
	NextFireTime     *time.Time `bson:"nextFireTime,omitempty"`

	MisfireInstruction int    `bson:"misfireInstruction"`
	Data               bson.M `bson:"data"`
	State              int    `bson:"state"`
	Recovering         bool   `bson:"recovering"`

	Kind              int                   `bson:"kind"`
	Simple            *simpleSpecDoc        `bson:"simple,omitempty"`
	Cron              *cronSpecDoc          `bson:"cron,omitempty"`
	CalendarInterval  *calendarIntervalDoc  `bson:"calendarInterval,omitempty"`
	DailyTimeInterval *dailyTimeIntervalDoc `bson:"dailyTimeInterval,omitempty"`
}

func zoneName(loc *time.Location) string {
	if loc == nil {
		return ""
	}
	return loc.String()
}

func loadZone(name string) *time.Location {
	if name == "" || name == "UTC" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func toTriggerDoc(t *scheduler.Trigger) *triggerDoc {
	d := &triggerDoc{
		ID:                 t.Key.String(),
		Group:              t.Key.Group,
		Name:               t.Key.Name,
		JobGroup:           t.JobKey.Group,
		JobName:            t.JobKey.Name,
		CalendarName:       t.CalendarName,
		Priority:           t.Priority,
		StartTime:          t.StartTime,
		EndTime:            t.EndTime,
		PreviousFireTime:   t.PreviousFireTime,
		NextFireTime:       t.NextFireTime,
		MisfireInstruction: t.MisfireInstruction,
		Data:               bson.M(t.Data),
		State:              int(t.State),
		Recovering:         t.Recovering,
		Kind:               int(t.Kind),
	}
	switch t.Kind {
	case scheduler.KindSimple:
		if t.Simple != nil {
			d.Simple = &simpleSpecDoc{RepeatCount: t.Simple.RepeatCount, RepeatInterval: int64(t.Simple.RepeatInterval), TimesTriggered: t.Simple.TimesTriggered}
		}
	case scheduler.KindCron:
		if t.Cron != nil {
			d.Cron = &cronSpecDoc{Expression: t.Cron.Expression, TimeZone: zoneName(t.Cron.TimeZone)}
		}
	case scheduler.KindCalendarInterval:
		if t.CalendarInterval != nil {
			d.CalendarInterval = &calendarIntervalDoc{
				Interval:       t.CalendarInterval.Interval,
				Unit:           int(t.CalendarInterval.Unit),
				TimeZone:       zoneName(t.CalendarInterval.TimeZone),
				TimesTriggered: t.CalendarInterval.TimesTriggered,
			}
		}
	case scheduler.KindDailyTimeInterval:
		if t.DailyTimeInterval != nil {
			days := make([]int, 0, 7)
			for wd, on := range t.DailyTimeInterval.DaysOfWeek {
				if on {
					days = append(days, int(wd))
				}
			}
			dt := t.DailyTimeInterval
			d.DailyTimeInterval = &dailyTimeIntervalDoc{
				StartHour: dt.StartTimeOfDay.Hour, StartMinute: dt.StartTimeOfDay.Minute, StartSecond: dt.StartTimeOfDay.Second,
				EndHour: dt.EndTimeOfDay.Hour, EndMinute: dt.EndTimeOfDay.Minute, EndSecond: dt.EndTimeOfDay.Second,
				Interval: dt.Interval, Unit: int(dt.Unit), DaysOfWeek: days,
				TimeZone: zoneName(dt.TimeZone), TimesTriggered: dt.TimesTriggered,
			}
		}
	}
	return d
}

type calendarDoc struct {
	ID            string   `bson:"_id"`
	Description   string   `bson:"description"`
	TimeZone      string   `bson:"timeZone"`
	ExcludedDates []string `bson:"excludedDates"`
}

func toCalendarDoc(name string, h *calendar.Holiday) *calendarDoc {
	dates := h.ExcludedDates()
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.Format("2006-01-02")
	}
	return &calendarDoc{ID: name, Description: h.Description(), TimeZone: zoneName(h.Location()), ExcludedDates: out}
}

func fromCalendarDoc(d *calendarDoc) *calendar.Holiday {
	h := calendar.NewHoliday(d.Description, loadZone(d.TimeZone))
	for _, dateStr := range d.ExcludedDates {
		if t, err := time.ParseInLocation("2006-01-02", dateStr, loadZone(d.TimeZone)); err == nil {
			h.AddExcludedDate(t)
		}
	}
	return h
}

func fromTriggerDoc(d *triggerDoc) *scheduler.Trigger {
	t := &scheduler.Trigger{
		Key:                scheduler.NewKey(d.Name, d.Group),
		JobKey:             scheduler.NewKey(d.JobName, d.JobGroup),
		CalendarName:       d.CalendarName,
		Priority:           d.Priority,
		StartTime:          d.StartTime,
		EndTime:            d.EndTime,
		PreviousFireTime:   d.PreviousFireTime,
		NextFireTime:       d.NextFireTime,
		MisfireInstruction: d.MisfireInstruction,
		Data:               scheduler.JobDataMap(d.Data),
		State:              scheduler.TriggerState(d.State),
		Recovering:         d.Recovering,
		Kind:               scheduler.TriggerKind(d.Kind),
	}
	switch t.Kind {
	case scheduler.KindSimple:
		if d.Simple != nil {
			t.Simple = &scheduler.SimpleSpec{RepeatCount: d.Simple.RepeatCount, RepeatInterval: time.Duration(d.Simple.RepeatInterval), TimesTriggered: d.Simple.TimesTriggered}
		}
	case scheduler.KindCron:
		if d.Cron != nil {
			t.Cron = &scheduler.CronSpec{Expression: d.Cron.Expression, TimeZone: loadZone(d.Cron.TimeZone)}
		}
	case scheduler.KindCalendarInterval:
		if d.CalendarInterval != nil {
			t.CalendarInterval = &scheduler.CalendarIntervalSpec{
				Interval:       d.CalendarInterval.Interval,
				Unit:           scheduler.CalendarIntervalUnit(d.CalendarInterval.Unit),
				TimeZone:       loadZone(d.CalendarInterval.TimeZone),
				TimesTriggered: d.CalendarInterval.TimesTriggered,
			}
		}
	case scheduler.KindDailyTimeInterval:
		if d.DailyTimeInterval != nil {
			dd := d.DailyTimeInterval
			days := make(map[time.Weekday]bool, len(dd.DaysOfWeek))
			for _, wd := range dd.DaysOfWeek {
				days[time.Weekday(wd)] = true
			}
			t.DailyTimeInterval = &scheduler.DailyTimeIntervalSpec{
				StartTimeOfDay: scheduler.TimeOfDay{Hour: dd.StartHour, Minute: dd.StartMinute, Second: dd.StartSecond},
				EndTimeOfDay:   scheduler.TimeOfDay{Hour: dd.EndHour, Minute: dd.EndMinute, Second: dd.EndSecond},
				Interval:       dd.Interval,
				Unit:           scheduler.CalendarIntervalUnit(dd.Unit),
				DaysOfWeek:     days,
				TimeZone:       loadZone(dd.TimeZone),
				TimesTriggered: dd.TimesTriggered,
			}
		}
	}
	return t
}
