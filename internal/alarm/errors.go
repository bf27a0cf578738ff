package alarm

import (
	"errors"
	"fmt"
)

// ValidationKind classifies why an alarm request was refused.
type ValidationKind string

const (
	KindInvalidScheduleFormat ValidationKind = "InvalidScheduleFormat"
	KindTooManyAlarms         ValidationKind = "TooManyAlarms"
	KindInvalidTimezone       ValidationKind = "InvalidTimezone"
	KindIntervalTooShort      ValidationKind = "IntervalTooShort"
)

// ValidationError is returned synchronously for bad alarm requests. Message
// is localized and safe to show to chat users verbatim.
type ValidationError struct {
	Kind    ValidationKind
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is matches any ValidationError of the same kind, so callers can use the
// sentinels below with errors.Is.
func (e *ValidationError) Is(target error) bool {
	var t *ValidationError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidScheduleFormat = &ValidationError{Kind: KindInvalidScheduleFormat}
	ErrTooManyAlarms         = &ValidationError{Kind: KindTooManyAlarms}
	ErrInvalidTimezone       = &ValidationError{Kind: KindInvalidTimezone}
	ErrIntervalTooShort      = &ValidationError{Kind: KindIntervalTooShort}

	// ErrNotFound is returned when an alarm id is unknown to the agent.
	ErrNotFound = errors.New("alarm not found")
)

func invalidFormat(s string) error {
	return &ValidationError{
		Kind:    KindInvalidScheduleFormat,
		Message: fmt.Sprintf("잘못된 스케줄 형식: %q. 지원: daily HH:MM, weekday HH:MM, every Nh, every Nm", s),
	}
}

func invalidTime(s string) error {
	return &ValidationError{
		Kind:    KindInvalidScheduleFormat,
		Message: fmt.Sprintf("잘못된 시간: %s", s),
	}
}

func intervalTooShort(requested string) error {
	return &ValidationError{
		Kind:    KindIntervalTooShort,
		Message: fmt.Sprintf("최소 간격은 %d분 (요청: %s)", MinIntervalMinutes, requested),
	}
}

func tooManyAlarms() error {
	return &ValidationError{
		Kind:    KindTooManyAlarms,
		Message: fmt.Sprintf("알람 개수 제한 초과 (최대 %d개)", MaxAlarmsPerAgent),
	}
}

func invalidTimezone(tz string) error {
	return &ValidationError{
		Kind:    KindInvalidTimezone,
		Message: fmt.Sprintf("잘못된 타임존: %q", tz),
	}
}
