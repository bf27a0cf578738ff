// Package approval holds proposed social posts until a human approves or
// rejects them. Records move pending -> approved -> posted|failed, or
// pending -> rejected, and every change is persisted before it is visible.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/smolclaw/internal/audit"
	"github.com/basket/smolclaw/internal/bus"
	otelPkg "github.com/basket/smolclaw/internal/otel"
	"github.com/basket/smolclaw/internal/platform"
	"github.com/basket/smolclaw/internal/safety"
)

// DefaultTimeout bounds a platform call when the caller's context has no
// deadline. Cancelling the caller's context does not abort the call.
const DefaultTimeout = 30 * time.Second

const notifyTimeout = 10 * time.Second

// Notifier is told about every newly queued record. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, rec Record) error
}

// Request describes a post to queue.
type Request struct {
	Platform string
	Action   Action
	Text     string
	Meta     map[string]any
	AgentID  string
}

// ExecuteResult is the outcome of ApproveAndExecute. Platform failures are
// reported here, not as a Go error.
type ExecuteResult struct {
	Success bool   `json:"success"`
	PostID  string `json:"post_id,omitempty"`
	Text    string `json:"text,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Config holds the dependencies for a Queue.
type Config struct {
	// Path is the JSONL log. Empty keeps records in memory only.
	Path     string
	Clients  *platform.Set
	Notifier Notifier
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
	// OnOutcome is called after a record reaches posted or failed.
	OnOutcome func(ctx context.Context, rec Record)

	Bus     *bus.Bus
	Audit   *audit.Log
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Queue is the approval state machine. It is shared by every agent and
// command surface in the process.
type Queue struct {
	cfg    Config
	log    recordLog
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu       sync.Mutex // held across read-all, mutate, write-all
	snapshot atomic.Pointer[[]Record]
	notifyWG sync.WaitGroup
}

// NewQueue creates a Queue and loads the existing log.
func NewQueue(cfg Config) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	q := &Queue{
		cfg:    cfg,
		log:    recordLog{path: cfg.Path, logger: logger},
		logger: logger,
		now:    now,
		newID:  newApprovalID,
	}
	recs, err := q.log.readAll()
	if err != nil {
		logger.Warn("approval: load failed, starting empty", "path", cfg.Path, "error", err)
	}
	if recs == nil {
		recs = []Record{}
	}
	q.snapshot.Store(&recs)
	return q
}

// Close waits for in-flight notifications.
func (q *Queue) Close() {
	q.notifyWG.Wait()
}

// Enqueue validates req, appends a pending record and fires a notification
// in the background. Notification failure never fails the enqueue.
func (q *Queue) Enqueue(ctx context.Context, req Request) (Record, error) {
	if err := q.validate(req); err != nil {
		return Record{}, err
	}
	meta := req.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	now := q.now().UTC()
	rec := Record{
		Platform:  req.Platform,
		Action:    req.Action,
		Text:      req.Text,
		Meta:      meta,
		Status:    StatusPending,
		AgentID:   req.AgentID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	q.mu.Lock()
	rec.ID = q.uniqueIDLocked()
	if err := q.log.appendRecord(rec); err != nil {
		q.mu.Unlock()
		return Record{}, err
	}
	next := append(slices.Clone(q.records()), rec)
	q.snapshot.Store(&next)
	q.mu.Unlock()

	q.logger.Info("approval: queued", "approval_id", rec.ID, "platform", rec.Platform, "action", rec.Action, "agent_id", rec.AgentID)
	q.cfg.Metrics.Transition(ctx, rec.Platform, "", string(StatusPending))
	q.cfg.Bus.Publish(bus.TopicApprovalPending, eventFor(rec, ""))
	q.notify(rec.clone())
	return rec.clone(), nil
}

func (q *Queue) validate(req Request) error {
	if req.Action != ActionPost && req.Action != ActionReply {
		return fmt.Errorf("%w: action %q", ErrUnsupported, req.Action)
	}
	client, ok := q.cfg.Clients.Client(req.Platform)
	if !ok {
		return fmt.Errorf("%w: platform %q", ErrUnsupported, req.Platform)
	}
	if !client.IsConfigured() {
		return fmt.Errorf("%w: %s", ErrNotConfigured, req.Platform)
	}
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidRequest)
	}
	if found := safety.ScanSecrets(req.Text); len(found) > 0 {
		return fmt.Errorf("%w: text contains what looks like a %s", ErrInvalidRequest, found[0].Kind)
	}
	if req.Action == ActionReply {
		candidate := Record{Platform: req.Platform, Meta: req.Meta}
		if candidate.ParentID() == "" {
			return fmt.Errorf("%w: reply without parent id", ErrInvalidRequest)
		}
	}
	return nil
}

func (q *Queue) notify(rec Record) {
	if q.cfg.Notifier == nil {
		return
	}
	q.notifyWG.Add(1)
	go func() {
		defer q.notifyWG.Done()
		defer func() {
			if r := recover(); r != nil {
				q.logger.Warn("approval: notifier panicked", "approval_id", rec.ID, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := q.cfg.Notifier.Notify(ctx, rec); err != nil {
			q.logger.Warn("approval: notify failed", "approval_id", rec.ID, "error", err)
			q.cfg.Metrics.NotifyFailed(ctx, fmt.Sprintf("%T", q.cfg.Notifier))
		}
	}()
}

// ListPending returns the pending records in queue order.
func (q *Queue) ListPending() []Record {
	return q.filter(func(r Record) bool { return r.Status == StatusPending })
}

// List returns every record in queue order.
func (q *Queue) List() []Record {
	return q.filter(func(Record) bool { return true })
}

func (q *Queue) filter(keep func(Record) bool) []Record {
	var out []Record
	for _, r := range q.records() {
		if keep(r) {
			out = append(out, r.clone())
		}
	}
	return out
}

// Get returns the record with the given id.
func (q *Queue) Get(id string) (Record, bool) {
	for _, r := range q.records() {
		if r.ID == id {
			return r.clone(), true
		}
	}
	return Record{}, false
}

// ApproveAndExecute moves a pending record to approved, publishes it on its
// platform, and records posted or failed. Only the first call for an id
// reaches the platform; later calls get a *StatusError. The platform call
// runs without the queue lock held.
func (q *Queue) ApproveAndExecute(ctx context.Context, id string) (ExecuteResult, error) {
	ctx, span := otelPkg.StartSpan(ctx, q.cfg.Tracer, "approval.approve_and_execute",
		otelPkg.AttrApprovalID.String(id))
	defer span.End()

	q.mu.Lock()
	target, client, err := q.beginLocked(id)
	if err != nil {
		q.mu.Unlock()
		q.cfg.Audit.Record(ctx, "approval.approve", id, audit.OutcomeRefused, err.Error())
		otelPkg.Fail(span, err)
		return ExecuteResult{}, err
	}
	_, err = q.transitionLocked(ctx, id, StatusApproved, nil)
	q.mu.Unlock()
	if err != nil {
		otelPkg.Fail(span, err)
		return ExecuteResult{}, err
	}
	q.cfg.Audit.Record(ctx, "approval.approve", id, audit.OutcomeOK, "")

	// From here the record must reach posted or failed even if the caller
	// goes away.
	res := q.execute(ctx, target, client)
	ctx = context.WithoutCancel(ctx)

	q.mu.Lock()
	var final Record
	if res.Success {
		final, err = q.transitionLocked(ctx, id, StatusPosted, func(r *Record) {
			r.PostID = strPtr(res.PostID)
		})
	} else {
		final, err = q.transitionLocked(ctx, id, StatusFailed, func(r *Record) {
			r.Error = strPtr(res.Error)
		})
	}
	q.mu.Unlock()
	if err != nil {
		otelPkg.Fail(span, err)
		return res, err
	}

	span.SetAttributes(otelPkg.AttrApprovalStatus.String(string(final.Status)))
	if !res.Success {
		otelPkg.FailMsg(span, res.Error)
	}
	if q.cfg.OnOutcome != nil {
		q.cfg.OnOutcome(ctx, final.clone())
	}
	return res, nil
}

// beginLocked checks that id may be approved and resolves its client.
// Callers hold mu.
func (q *Queue) beginLocked(id string) (Record, platform.Client, error) {
	recs, err := q.currentLocked()
	if err != nil {
		return Record{}, nil, err
	}
	idx := slices.IndexFunc(recs, func(r Record) bool { return r.ID == id })
	if idx < 0 {
		return Record{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	target := recs[idx]
	if target.Status != StatusPending {
		return Record{}, nil, &StatusError{ID: id, Status: target.Status}
	}
	client, ok := q.cfg.Clients.Client(target.Platform)
	if ok && !client.IsConfigured() {
		return Record{}, nil, fmt.Errorf("%w: %s", ErrNotConfigured, target.Platform)
	}
	// A missing client is left to execute, which fails the record.
	return target, client, nil
}

// execute performs the platform call for rec. It never returns a Go error;
// every failure is folded into the result.
func (q *Queue) execute(ctx context.Context, rec Record, client platform.Client) (res ExecuteResult) {
	if client == nil {
		return ExecuteResult{Error: fmt.Sprintf("%s: platform %q", ErrUnsupported, rec.Platform)}
	}

	ctx, cancel := q.callContext(ctx)
	defer cancel()
	ctx, span := otelPkg.StartClientSpan(ctx, q.cfg.Tracer, "platform."+string(rec.Action),
		otelPkg.AttrPlatform.String(rec.Platform),
		otelPkg.AttrAction.String(string(rec.Action)),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = ExecuteResult{Error: fmt.Sprintf("platform client panicked: %v", r)}
		}
		q.cfg.Metrics.PlatformCall(ctx, rec.Platform, string(rec.Action), time.Since(start).Seconds(), res.Success)
		if !res.Success {
			otelPkg.FailMsg(span, res.Error)
		}
	}()

	var (
		out platform.Result
		err error
	)
	switch rec.Action {
	case ActionPost:
		out, err = client.Post(ctx, rec.Text)
	case ActionReply:
		out, err = client.Reply(ctx, rec.Text, rec.ParentID())
	default:
		return ExecuteResult{Error: fmt.Sprintf("%s: action %q", ErrUnsupported, rec.Action)}
	}

	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ExecuteResult{Error: fmt.Sprintf("timeout: %s call did not complete: %v", rec.Platform, err)}
	case err != nil:
		return ExecuteResult{Error: err.Error()}
	case !out.Success:
		msg := out.Error
		if msg == "" {
			msg = "platform reported failure"
		}
		return ExecuteResult{Error: msg}
	default:
		return ExecuteResult{Success: true, PostID: out.PostID, Text: rec.Text}
	}
}

// callContext detaches the platform call from the caller's cancellation.
// The caller's deadline still applies; without one the queue timeout does.
func (q *Queue) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return context.WithTimeout(detached, q.cfg.Timeout)
}

// Reject moves a pending record to rejected. Records that already left
// pending are refused with a *StatusError; the attempt is audited either way.
func (q *Queue) Reject(ctx context.Context, id string) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	recs, err := q.currentLocked()
	if err != nil {
		return Record{}, err
	}
	idx := slices.IndexFunc(recs, func(r Record) bool { return r.ID == id })
	if idx < 0 {
		err := fmt.Errorf("%w: %s", ErrNotFound, id)
		q.cfg.Audit.Record(ctx, "approval.reject", id, audit.OutcomeRefused, err.Error())
		return Record{}, err
	}
	if st := recs[idx].Status; st != StatusPending {
		err := &StatusError{ID: id, Status: st}
		q.cfg.Audit.Record(ctx, "approval.reject", id, audit.OutcomeRefused, err.Error())
		return Record{}, err
	}
	rec, err := q.transitionLocked(ctx, id, StatusRejected, nil)
	if err != nil {
		return Record{}, err
	}
	q.cfg.Audit.Record(ctx, "approval.reject", id, audit.OutcomeOK, "")
	return rec.clone(), nil
}

// Recover fails records left in approved by a process that died during the
// platform call. It returns how many records were recovered.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	recs, err := q.currentLocked()
	if err != nil {
		return 0, err
	}
	var stuck []string
	for _, r := range recs {
		if r.Status == StatusApproved {
			stuck = append(stuck, r.ID)
		}
	}
	for _, id := range stuck {
		if _, err := q.transitionLocked(ctx, id, StatusFailed, func(r *Record) {
			r.Error = strPtr("interrupted")
		}); err != nil {
			return 0, err
		}
		q.logger.Warn("approval: recovered interrupted record", "approval_id", id)
	}
	return len(stuck), nil
}

// transitionLocked rereads the log, changes one record's status, rewrites
// the log and publishes the new snapshot. Callers hold mu.
func (q *Queue) transitionLocked(ctx context.Context, id string, to Status, mutate func(*Record)) (Record, error) {
	recs, err := q.currentLocked()
	if err != nil {
		return Record{}, err
	}
	next := make([]Record, len(recs))
	for i, r := range recs {
		next[i] = r.clone()
	}
	idx := slices.IndexFunc(next, func(r Record) bool { return r.ID == id })
	if idx < 0 {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := next[idx].Status
	next[idx].Status = to
	next[idx].UpdatedAt = q.now().UTC()
	if mutate != nil {
		mutate(&next[idx])
	}
	if err := q.log.rewrite(next); err != nil {
		q.logger.ErrorContext(ctx, "approval: save failed", "approval_id", id, "status", to, "error", err)
		return Record{}, err
	}
	q.snapshot.Store(&next)

	rec := next[idx]
	q.logger.InfoContext(ctx, "approval: transition", "approval_id", id, "from", from, "to", to)
	q.cfg.Metrics.Transition(ctx, rec.Platform, string(from), string(to))
	q.cfg.Bus.Publish(bus.TopicApprovalTransition, eventFor(rec, from))
	return rec, nil
}

// currentLocked returns the authoritative record set: the log on disk, or
// the snapshot when the queue is memory-only. Callers hold mu.
func (q *Queue) currentLocked() ([]Record, error) {
	if q.cfg.Path == "" {
		return q.records(), nil
	}
	return q.log.readAll()
}

func (q *Queue) records() []Record {
	if p := q.snapshot.Load(); p != nil {
		return *p
	}
	return nil
}

func eventFor(r Record, from Status) bus.ApprovalEvent {
	ev := bus.ApprovalEvent{
		ApprovalID: r.ID,
		Platform:   r.Platform,
		Action:     string(r.Action),
		OldStatus:  string(from),
		NewStatus:  string(r.Status),
	}
	if r.PostID != nil {
		ev.PostID = *r.PostID
	}
	if r.Error != nil {
		ev.Error = *r.Error
	}
	return ev
}

// uniqueIDLocked draws ids until one is unused. Ids are short and the log
// is never compacted. Callers hold mu.
func (q *Queue) uniqueIDLocked() string {
	recs := q.records()
	for {
		id := q.newID()
		if !slices.ContainsFunc(recs, func(r Record) bool { return r.ID == id }) {
			return id
		}
		q.logger.Debug("approval: id collision, redrawing", "approval_id", id)
	}
}

func newApprovalID() string {
	return uuid.NewString()[:8]
}
