package alarm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// isoLayouts are the timestamp forms found in alarm files, including naive
// timestamps without an offset, which are read as UTC.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON reads an entry leniently: channel ids may be numbers,
// empty timestamps mean "never", and a missing enabled key means enabled.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID              string          `json:"alarm_id"`
		Kind            Kind            `json:"schedule_type"`
		Hour            *int            `json:"hour"`
		Minute          *int            `json:"minute"`
		IntervalMinutes *int            `json:"interval_minutes"`
		Timezone        string          `json:"tz"`
		Prompt          string          `json:"prompt"`
		ChannelID       json.RawMessage `json:"channel_id"`
		CreatedBy       string          `json:"created_by"`
		CreatedAt       string          `json:"created_at"`
		LastRun         *string         `json:"last_run"`
		Enabled         *bool           `json:"enabled"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	channel, err := decodeChannelID(raw.ChannelID)
	if err != nil {
		return err
	}
	created, err := parseISO(raw.CreatedAt)
	if err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	*e = Entry{
		ID:              raw.ID,
		Kind:            raw.Kind,
		Hour:            deref(raw.Hour),
		Minute:          deref(raw.Minute),
		IntervalMinutes: deref(raw.IntervalMinutes),
		Timezone:        raw.Timezone,
		Prompt:          raw.Prompt,
		ChannelID:       channel,
		CreatedBy:       raw.CreatedBy,
		CreatedAt:       created,
		Enabled:         raw.Enabled == nil || *raw.Enabled,
	}
	if raw.LastRun != nil && strings.TrimSpace(*raw.LastRun) != "" {
		t, err := parseISO(*raw.LastRun)
		if err != nil {
			return fmt.Errorf("last_run: %w", err)
		}
		e.LastRun = &t
	}
	return nil
}

func decodeChannelID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("channel_id: %w", err)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("channel_id: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return "", fmt.Errorf("channel_id: %w", err)
	}
	if n.String() == "0" {
		return "", nil
	}
	return n.String(), nil
}

func parseISO(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	var firstErr error
	for _, layout := range isoLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
