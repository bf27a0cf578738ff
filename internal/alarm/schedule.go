package alarm

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Kind is the schedule type of an alarm.
type Kind string

const (
	KindDaily    Kind = "daily"
	KindWeekday  Kind = "weekday"
	KindInterval Kind = "interval"
)

const (
	// MaxAlarmsPerAgent bounds the number of live alarms for one agent.
	MaxAlarmsPerAgent = 20
	// MinIntervalMinutes is the shortest allowed interval period.
	MinIntervalMinutes = 10
)

// Schedule is the structured form of a schedule string.
type Schedule struct {
	Kind            Kind
	Hour            int // daily/weekday only
	Minute          int // daily/weekday only
	IntervalMinutes int // interval only
}

var (
	dailyRe     = regexp.MustCompile(`(?i)^daily\s+(\d{1,2}):(\d{2})$`)
	weekdayRe   = regexp.MustCompile(`(?i)^weekday\s+(\d{1,2}):(\d{2})$`)
	everyHourRe = regexp.MustCompile(`(?i)^every\s+(\d+)h$`)
	everyMinRe  = regexp.MustCompile(`(?i)^every\s+(\d+)m$`)
)

// ParseSchedule parses one of:
//
//	daily HH:MM
//	weekday HH:MM
//	every Nh
//	every Nm
//
// Matching is case-insensitive. Anything else is InvalidScheduleFormat.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)

	if m := dailyRe.FindStringSubmatch(s); m != nil {
		return clockSchedule(KindDaily, s, m[1], m[2])
	}
	if m := weekdayRe.FindStringSubmatch(s); m != nil {
		return clockSchedule(KindWeekday, s, m[1], m[2])
	}
	if m := everyHourRe.FindStringSubmatch(s); m != nil {
		hours, err := strconv.Atoi(m[1])
		if err != nil || hours > math.MaxInt32/60 {
			return Schedule{}, invalidFormat(s)
		}
		minutes := hours * 60
		if minutes < MinIntervalMinutes {
			return Schedule{}, intervalTooShort(fmt.Sprintf("%d시간", hours))
		}
		return Schedule{Kind: KindInterval, IntervalMinutes: minutes}, nil
	}
	if m := everyMinRe.FindStringSubmatch(s); m != nil {
		minutes, err := strconv.Atoi(m[1])
		if err != nil || minutes > math.MaxInt32 {
			return Schedule{}, invalidFormat(s)
		}
		if minutes < MinIntervalMinutes {
			return Schedule{}, intervalTooShort(fmt.Sprintf("%d분", minutes))
		}
		return Schedule{Kind: KindInterval, IntervalMinutes: minutes}, nil
	}
	return Schedule{}, invalidFormat(s)
}

func clockSchedule(kind Kind, s, hh, mm string) (Schedule, error) {
	hour, _ := strconv.Atoi(hh)
	minute, _ := strconv.Atoi(mm)
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return Schedule{}, invalidTime(s)
	}
	return Schedule{Kind: kind, Hour: hour, Minute: minute}, nil
}

// String renders the schedule back into its canonical string form.
func (s Schedule) String() string {
	switch s.Kind {
	case KindDaily, KindWeekday:
		return fmt.Sprintf("%s %02d:%02d", s.Kind, s.Hour, s.Minute)
	case KindInterval:
		if s.IntervalMinutes%60 == 0 {
			return fmt.Sprintf("every %dh", s.IntervalMinutes/60)
		}
		return fmt.Sprintf("every %dm", s.IntervalMinutes)
	default:
		return string(s.Kind)
	}
}
