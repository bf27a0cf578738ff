package approval

import (
	"maps"
	"strconv"
	"time"

	"github.com/basket/smolclaw/internal/platform"
)

// Status is the lifecycle state of an approval record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved" // written just before the platform call
	StatusRejected Status = "rejected"
	StatusPosted   Status = "posted"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusPosted || s == StatusFailed
}

// Action is what an approved record does on its platform.
type Action string

const (
	ActionPost  Action = "post"
	ActionReply Action = "reply"
)

// Record is one proposed post waiting for, or past, a human decision.
// It is stored as one JSON line in the approval log.
type Record struct {
	ID        string         `json:"id"`
	Platform  string         `json:"platform"`
	Action    Action         `json:"action"`
	Text      string         `json:"text"`
	Meta      map[string]any `json:"meta"`
	Status    Status         `json:"status"`
	AgentID   string         `json:"agent_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	PostID    *string        `json:"post_id"`
	Error     *string        `json:"error"`
}

func (r Record) clone() Record {
	r.Meta = maps.Clone(r.Meta)
	if r.PostID != nil {
		v := *r.PostID
		r.PostID = &v
	}
	if r.Error != nil {
		v := *r.Error
		r.Error = &v
	}
	return r
}

// ParentID returns the id a reply is attached to. Threads replies carry
// meta.post_id and X replies meta.tweet_id; meta.parent_id works for both.
func (r Record) ParentID() string {
	var key string
	switch r.Platform {
	case platform.Threads:
		key = "post_id"
	case platform.X:
		key = "tweet_id"
	}
	if key != "" {
		if v := metaString(r.Meta, key); v != "" {
			return v
		}
	}
	return metaString(r.Meta, "parent_id")
}

func metaString(meta map[string]any, key string) string {
	switch v := meta[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

func strPtr(s string) *string { return &s }
