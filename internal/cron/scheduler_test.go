package cron_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/basket/smolclaw/internal/alarm"
	"github.com/basket/smolclaw/internal/control"
	"github.com/basket/smolclaw/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type countingTicker struct {
	ticks atomic.Int32
}

func (c *countingTicker) TickAll(context.Context) []control.TickResult {
	c.ticks.Add(1)
	return []control.TickResult{{AgentID: "a"}}
}

func TestScheduler_TicksImmediatelyAndPeriodically(t *testing.T) {
	defer goleak.VerifyNone(t)

	ticker := &countingTicker{}
	var observed atomic.Int32
	s := cron.NewScheduler(cron.Config{
		Agents:   ticker,
		Interval: time.Second,
		OnTick:   func(r []control.TickResult) { observed.Add(int32(len(r))) },
	})
	s.Start(context.Background())

	waitFor(t, 500*time.Millisecond, func() bool { return ticker.ticks.Load() >= 1 })
	waitFor(t, 3*time.Second, func() bool { return ticker.ticks.Load() >= 2 })
	s.Stop()

	if observed.Load() < 2 {
		t.Fatalf("OnTick observed %d results, want >= 2", observed.Load())
	}
	after := ticker.ticks.Load()
	time.Sleep(1200 * time.Millisecond)
	if ticker.ticks.Load() != after {
		t.Fatal("ticks continued after Stop")
	}
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := cron.NewScheduler(cron.Config{Agents: &countingTicker{}})
	s.Stop()
}

func TestScheduler_AddJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := cron.NewScheduler(cron.Config{Agents: &countingTicker{}, Interval: time.Hour})
	if err := s.AddJob("not a spec", "bad", func(context.Context) {}); err == nil {
		t.Fatal("expected error for invalid spec")
	}
	var runs atomic.Int32
	var sawCtx atomic.Bool
	if err := s.AddJob("@every 1s", "prune", func(ctx context.Context) {
		runs.Add(1)
		sawCtx.Store(ctx != nil)
	}); err != nil {
		t.Fatalf("add job: %v", err)
	}
	s.Start(context.Background())
	waitFor(t, 3*time.Second, func() bool { return runs.Load() >= 1 })
	s.Stop()
	if !sawCtx.Load() {
		t.Fatal("job did not receive a context")
	}
}

func TestScheduler_RunOnceFiresAgentAlarms(t *testing.T) {
	var mu sync.Mutex
	var fired []string
	firer := control.FirerFunc(func(_ context.Context, agentID string, e alarm.Entry) error {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, agentID+":"+e.Prompt)
		return nil
	})
	now := time.Date(2026, 10, 19, 0, 1, 0, 0, time.UTC)
	deps := control.Deps{StateDir: t.TempDir(), Firer: firer, Now: func() time.Time { return now }}
	marketer := control.NewAgent(control.AgentConfig{AgentID: "marketer"}, deps)
	hr := control.NewAgent(control.AgentConfig{AgentID: "hr"}, deps)
	reg, err := control.NewRegistry(marketer, hr)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if _, err := marketer.AddAlarm(context.Background(), "daily 09:00", "트렌드 Top 5", "c1", "u", ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := hr.AddAlarm(context.Background(), "daily 23:00", "later", "c2", "u", ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	s := cron.NewScheduler(cron.Config{Agents: reg})
	results := s.RunOnce(context.Background())
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if len(fired) != 1 || fired[0] != "marketer:트렌드 Top 5" {
		t.Fatalf("fired = %v", fired)
	}
	if again := s.RunOnce(context.Background()); len(again[1].Fired) != 0 {
		t.Fatalf("second run refired: %+v", again)
	}
}

func TestScheduler_RunOnceCanceled(t *testing.T) {
	ticker := &countingTicker{}
	s := cron.NewScheduler(cron.Config{Agents: ticker})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if res := s.RunOnce(ctx); res != nil || ticker.ticks.Load() != 0 {
		t.Fatal("canceled context must not tick")
	}
}

type slowTicker struct {
	delay    time.Duration
	inflight atomic.Int32
	peak     atomic.Int32
	ticks    atomic.Int32
}

func (s *slowTicker) TickAll(context.Context) []control.TickResult {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(s.delay)
	s.ticks.Add(1)
	return nil
}

func TestScheduler_StartupTickDoesNotOverlapScheduledTick(t *testing.T) {
	defer goleak.VerifyNone(t)

	ticker := &slowTicker{delay: 1500 * time.Millisecond}
	s := cron.NewScheduler(cron.Config{Agents: ticker, Interval: time.Second})
	s.Start(context.Background())
	waitFor(t, 5*time.Second, func() bool { return ticker.ticks.Load() >= 2 })
	s.Stop()

	if got := ticker.peak.Load(); got != 1 {
		t.Fatalf("concurrent control ticks = %d, want 1", got)
	}
}
