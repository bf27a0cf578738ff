// Package alarm keeps a per-agent registry of recurring and interval alarms,
// persisted as one JSON document per agent, and decides which are due.
package alarm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	_ "time/tzdata" // IANA lookups must work in minimal containers.

	"github.com/google/uuid"

	"github.com/basket/smolclaw/internal/shared"
)

// DefaultTimezone is used when an alarm is added without a timezone.
const DefaultTimezone = "Asia/Seoul"

// Entry is one registered alarm.
type Entry struct {
	ID              string     `json:"alarm_id"`
	Kind            Kind       `json:"schedule_type"`
	Hour            int        `json:"hour"`
	Minute          int        `json:"minute"`
	IntervalMinutes int        `json:"interval_minutes"`
	Timezone        string     `json:"tz"`
	Prompt          string     `json:"prompt"`
	ChannelID       string     `json:"channel_id"`
	CreatedBy       string     `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
	LastRun         *time.Time `json:"last_run,omitempty"`
	Enabled         bool       `json:"enabled"`
}

// Schedule returns the structured schedule of the entry.
func (e Entry) Schedule() Schedule {
	return Schedule{Kind: e.Kind, Hour: e.Hour, Minute: e.Minute, IntervalMinutes: e.IntervalMinutes}
}

// Config holds the dependencies for a Scheduler.
type Config struct {
	AgentID string
	// Dir holds alarms_<agent>.json. Empty keeps alarms in memory only.
	Dir string
	// Logger should already carry the agent_id attribute.
	Logger *slog.Logger
	// Now defaults to time.Now; tests inject a fixed clock.
	Now func() time.Time
}

// Scheduler owns the alarms of one agent. Mutations are serialized and
// written through to disk before they become visible; reads run lock-free
// against the last written snapshot.
type Scheduler struct {
	agentID string
	path    string
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex // held across read-all, mutate, write-all
	snapshot atomic.Pointer[[]Entry]
}

// NewScheduler creates a Scheduler and loads its alarms. A missing or
// corrupt file yields an empty collection; the failure is logged.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		agentID: cfg.AgentID,
		logger:  logger,
		now:     now,
	}
	if cfg.Dir != "" {
		s.path = filepath.Join(cfg.Dir, fmt.Sprintf("alarms_%s.json", shared.SafeFileComponent(cfg.AgentID)))
	}
	s.load()
	return s
}

// Path returns the file alarms are persisted to.
func (s *Scheduler) Path() string { return s.path }

// AddAlarm validates the request, appends the alarm and persists the set.
// On any error the stored set is left unchanged.
func (s *Scheduler) AddAlarm(schedule, prompt, channelID, createdBy, tz string) (Entry, error) {
	if tz == "" {
		tz = DefaultTimezone
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.entries()
	if len(current) >= MaxAlarmsPerAgent {
		return Entry{}, tooManyAlarms()
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return Entry{}, err
	}
	if _, err := loadLocation(tz); err != nil {
		return Entry{}, invalidTimezone(tz)
	}

	entry := Entry{
		ID:              newAlarmID(),
		Kind:            sched.Kind,
		Hour:            sched.Hour,
		Minute:          sched.Minute,
		IntervalMinutes: sched.IntervalMinutes,
		Timezone:        tz,
		Prompt:          prompt,
		ChannelID:       channelID,
		CreatedBy:       createdBy,
		CreatedAt:       s.now().UTC(),
		Enabled:         true,
	}
	next := append(slices.Clone(current), entry)
	if err := s.commit(next); err != nil {
		return Entry{}, err
	}
	s.logger.Info("alarm: added", "alarm_id", entry.ID, "schedule", sched.String(), "tz", tz)
	return entry, nil
}

// RemoveAlarm deletes the alarm. It reports whether the id existed.
func (s *Scheduler) RemoveAlarm(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.entries()
	idx := slices.IndexFunc(current, func(e Entry) bool { return e.ID == id })
	if idx < 0 {
		return false, nil
	}
	next := slices.Delete(slices.Clone(current), idx, idx+1)
	if err := s.commit(next); err != nil {
		return false, err
	}
	s.logger.Info("alarm: removed", "alarm_id", id)
	return true, nil
}

// MarkRun records that the alarm fired at now. Callers invoke it after
// every fire regardless of the outcome, bounding fires to one per period.
func (s *Scheduler) MarkRun(id string, now time.Time) error {
	return s.update(id, func(e *Entry) {
		t := now.UTC()
		e.LastRun = &t
	})
}

// SetEnabled toggles whether the alarm takes part in due evaluation.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	return s.update(id, func(e *Entry) { e.Enabled = enabled })
}

func (s *Scheduler) update(id string, mutate func(*Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := slices.Clone(s.entries())
	idx := slices.IndexFunc(next, func(e Entry) bool { return e.ID == id })
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	mutate(&next[idx])
	return s.commit(next)
}

// ListAlarms returns all alarms ordered by creation time.
func (s *Scheduler) ListAlarms() []Entry {
	out := slices.Clone(s.entries())
	slices.SortStableFunc(out, func(a, b Entry) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Get returns the alarm with the given id.
func (s *Scheduler) Get(id string) (Entry, bool) {
	for _, e := range s.entries() {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Count returns the number of live alarms.
func (s *Scheduler) Count() int {
	return len(s.entries())
}

// DueAlarms returns the enabled alarms that should fire at nowUTC.
func (s *Scheduler) DueAlarms(nowUTC time.Time) []Entry {
	var due []Entry
	for _, e := range s.ListAlarms() {
		if e.Enabled && IsDue(e, nowUTC) {
			due = append(due, e)
		}
	}
	return due
}

// IsDue reports whether the alarm should fire at nowUTC. Unknown kinds and
// unresolvable timezones are never due.
func IsDue(e Entry, nowUTC time.Time) bool {
	loc, err := loadLocation(e.Timezone)
	if err != nil {
		return false
	}
	nowLocal := nowUTC.In(loc)

	switch e.Kind {
	case KindDaily, KindWeekday:
		if e.Kind == KindWeekday {
			if wd := nowLocal.Weekday(); wd == time.Saturday || wd == time.Sunday {
				return false
			}
		}
		y, m, d := nowLocal.Date()
		scheduled := time.Date(y, m, d, e.Hour, e.Minute, 0, 0, loc)
		if nowLocal.Before(scheduled) {
			return false
		}
		if e.LastRun != nil {
			ly, lm, ld := e.LastRun.In(loc).Date()
			if ly == y && lm == m && ld == d {
				return false
			}
		}
		return true

	case KindInterval:
		if e.LastRun == nil {
			return true
		}
		elapsed := nowUTC.Sub(*e.LastRun)
		return elapsed >= time.Duration(e.IntervalMinutes)*time.Minute

	default:
		return false
	}
}

func (s *Scheduler) entries() []Entry {
	if p := s.snapshot.Load(); p != nil {
		return *p
	}
	return nil
}

// commit persists next and publishes it as the new snapshot. Callers hold mu.
// A failed write leaves the previous snapshot in place.
func (s *Scheduler) commit(next []Entry) error {
	if s.path != "" {
		if next == nil {
			next = []Entry{}
		}
		data, err := json.MarshalIndent(next, "", "  ")
		if err != nil {
			return fmt.Errorf("alarm: marshal: %w", err)
		}
		if err := shared.WriteFileAtomic(s.path, data, 0o644); err != nil {
			s.logger.Error("alarm: save failed", "path", s.path, "error", err)
			return fmt.Errorf("alarm: save %s: %w", s.path, err)
		}
	}
	s.snapshot.Store(&next)
	return nil
}

func (s *Scheduler) load() {
	empty := []Entry{}
	s.snapshot.Store(&empty)
	if s.path == "" {
		return
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("alarm: load failed", "path", s.path, "error", err)
		}
		return
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		s.logger.Warn("alarm: load failed, starting empty", "path", s.path, "error", err)
		return
	}
	kept := make([]Entry, 0, len(items))
	for i, item := range items {
		var e Entry
		if err := json.Unmarshal(item, &e); err != nil {
			s.logger.Warn("alarm: skipping unreadable entry", "path", s.path, "index", i, "error", err)
			continue
		}
		if e.ID == "" {
			continue
		}
		if e.Timezone == "" {
			e.Timezone = DefaultTimezone
		}
		kept = append(kept, e)
	}
	s.snapshot.Store(&kept)
	s.logger.Debug("alarm: loaded", "path", s.path, "count", len(kept))
}

var (
	locMu    sync.Mutex
	locCache = map[string]*time.Location{}
)

// loadLocation resolves an IANA name. Empty and "Local" are rejected so an
// alarm never silently binds to the host timezone.
func loadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "local") {
		return nil, fmt.Errorf("unresolvable timezone %q", name)
	}
	locMu.Lock()
	defer locMu.Unlock()
	if loc, ok := locCache[name]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	locCache[name] = loc
	return loc, nil
}

func newAlarmID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
