package hormone

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeBudget struct {
	usage Usage
	err   error
}

func (f *fakeBudget) UsageStatus() (Usage, error) { return f.usage, f.err }

func newTestEngine(t *testing.T, budget BudgetSource) (*Engine, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hormones.json")
	return NewEngine(Config{StatePath: path, Budget: budget}), path
}

func approxEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestEngine_DefaultState(t *testing.T) {
	e, _ := newTestEngine(t, &fakeBudget{usage: Usage{CallsToday: 250, DailyLimit: 500}})
	s := e.State()
	if s.Dopamine != 0.5 || s.Cortisol != 0 || s.TickCount != 0 {
		t.Fatalf("unexpected default state: %+v", s)
	}
	if s.Energy != 0.5 {
		t.Fatalf("expected energy 0.5 from 50%% usage, got %v", s.Energy)
	}
}

func TestEngine_EnergyWithoutBudget(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	if got := e.State().Energy; got != 1.0 {
		t.Fatalf("expected energy 1.0 without budget source, got %v", got)
	}
}

func TestEngine_EnergyNonPositiveLimit(t *testing.T) {
	e, _ := newTestEngine(t, &fakeBudget{usage: Usage{CallsToday: 10, DailyLimit: 0}})
	e.Decay()
	if got := e.State().Energy; got != 1.0 {
		t.Fatalf("expected energy 1.0 for zero limit, got %v", got)
	}
}

func TestEngine_EnergyBudgetErrorIsFull(t *testing.T) {
	e, _ := newTestEngine(t, &fakeBudget{err: errors.New("db locked")})
	e.Decay()
	if got := e.State().Energy; got != 1.0 {
		t.Fatalf("expected energy 1.0 on budget error, got %v", got)
	}
}

func TestEngine_EnergyOverBudgetClamped(t *testing.T) {
	e, _ := newTestEngine(t, &fakeBudget{usage: Usage{CallsToday: 900, DailyLimit: 500}})
	e.Decay()
	if got := e.State().Energy; got != 0 {
		t.Fatalf("expected energy clamped to 0, got %v", got)
	}
}

func TestEngine_DopamineConvergesFromBothEnds(t *testing.T) {
	for _, start := range []float64{0, 1} {
		e, _ := newTestEngine(t, nil)
		e.TriggerDopamine(start - 0.5)
		for i := 0; i < 50; i++ {
			e.Decay()
			s := e.State()
			if s.Dopamine < 0 || s.Dopamine > 1 || s.Cortisol < 0 || s.Cortisol > 1 {
				t.Fatalf("state out of bounds at tick %d: %+v", i, s)
			}
		}
		if got := e.State().Dopamine; math.Abs(got-0.5) >= 0.01 {
			t.Fatalf("start %v: dopamine %v did not converge to 0.5", start, got)
		}
	}
}

func TestEngine_CortisolDecaysTowardZero(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.TriggerCortisol(0.8)
	for i := 0; i < 80; i++ {
		e.Decay()
	}
	// 0.8 * 0.98^80 ≈ 0.16
	if got := e.State().Cortisol; got >= 0.2 {
		t.Fatalf("expected cortisol < 0.2 after 80 ticks, got %v", got)
	}
}

func TestEngine_DecayIncrementsTickCount(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.Decay()
	e.Decay()
	if got := e.State().TickCount; got != 2 {
		t.Fatalf("expected tick_count 2, got %d", got)
	}
}

func TestEngine_TriggersClamp(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	e.TriggerDopamine(0.2)
	if got := e.State().Dopamine; !approxEqual(got, 0.7) {
		t.Fatalf("expected dopamine 0.7, got %v", got)
	}
	e.TriggerDopamine(1.0)
	if got := e.State().Dopamine; got != 1.0 {
		t.Fatalf("expected dopamine clamped at 1.0, got %v", got)
	}
	e.TriggerDopamine(-2.0)
	if got := e.State().Dopamine; got != 0 {
		t.Fatalf("expected dopamine clamped at 0, got %v", got)
	}

	e.TriggerCortisol(0.3)
	if got := e.State().Cortisol; !approxEqual(got, 0.3) {
		t.Fatalf("expected cortisol 0.3, got %v", got)
	}
	e.TriggerCortisol(-1.0)
	if got := e.State().Cortisol; got != 0 {
		t.Fatalf("expected cortisol clamped at 0, got %v", got)
	}
	e.TriggerCortisol(5)
	if got := e.State().Cortisol; got != 1 {
		t.Fatalf("expected cortisol clamped at 1, got %v", got)
	}
}

func TestEngine_RestartSemantics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hormones.json")
	budget := &fakeBudget{usage: Usage{CallsToday: 100, DailyLimit: 500}}

	e1 := NewEngine(Config{StatePath: path, Budget: budget})
	e1.TriggerCortisol(0.7)
	e1.TriggerDopamine(0.4)
	e1.Decay()
	e1.Decay()
	if err := e1.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	before := e1.State()

	budget.usage.CallsToday = 400
	e2 := NewEngine(Config{StatePath: path, Budget: budget})
	after := e2.State()
	if !approxEqual(after.Cortisol, before.Cortisol) {
		t.Fatalf("cortisol not restored: before %v after %v", before.Cortisol, after.Cortisol)
	}
	if after.TickCount != 2 {
		t.Fatalf("tick_count not restored: %d", after.TickCount)
	}
	if after.Dopamine != 0.5 {
		t.Fatalf("dopamine must reset to 0.5 on restart, got %v", after.Dopamine)
	}
	if !approxEqual(after.Energy, 0.2) {
		t.Fatalf("energy must be recomputed on restart, got %v", after.Energy)
	}
}

func TestEngine_CorruptStateFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hormones.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	e := NewEngine(Config{StatePath: path})
	if s := e.State(); s.Cortisol != 0 || s.TickCount != 0 || s.Dopamine != 0.5 {
		t.Fatalf("expected defaults from corrupt file, got %+v", s)
	}
}

func TestEngine_SaveWritesSnapshots(t *testing.T) {
	e, path := newTestEngine(t, nil)
	e.TriggerDopamine(0.3)
	if err := e.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, key := range []string{`"cortisol"`, `"tick_count"`, `"dopamine_snapshot"`, `"energy_snapshot"`} {
		if !strings.Contains(string(raw), key) {
			t.Fatalf("state file missing %s: %s", key, raw)
		}
	}
}

func TestEngine_ReloadIfStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hormones.json")
	e1 := NewEngine(Config{StatePath: path})
	e1.TriggerDopamine(0.3)
	if err := e1.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if e1.ReloadIfStale() {
		t.Fatal("expected no reload right after own save")
	}

	other := NewEngine(Config{StatePath: path})
	other.TriggerCortisol(0.4)
	other.Decay()
	if err := other.Save(); err != nil {
		t.Fatalf("other save: %v", err)
	}
	// Make sure the mtime moves forward on coarse filesystems.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if !e1.ReloadIfStale() {
		t.Fatal("expected reload after external write")
	}
	s := e1.State()
	if s.TickCount != 1 {
		t.Fatalf("expected tick_count 1 from external write, got %d", s.TickCount)
	}
	if !approxEqual(s.Dopamine, 0.8) {
		t.Fatalf("dopamine must keep its in-memory value, got %v", s.Dopamine)
	}
}

func TestEngine_TickDecaysBeforeDeriving(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.TriggerDopamine(0.25) // 0.75 → excited before decay
	state, params := e.Tick()
	if state.TickCount != 1 {
		t.Fatalf("expected tick applied, got %d", state.TickCount)
	}
	// 0.75 decays to 0.725, still above the 0.7 threshold.
	if params.Creativity != CreativityCreative {
		t.Fatalf("expected creative mode, got %s", params.Creativity)
	}
	e.Tick() // 0.7025
	_, params = e.Tick()
	if params.Creativity != CreativityBalanced {
		t.Fatalf("expected balanced once dopamine decays to <= 0.7, got %s", params.Creativity)
	}
}

func TestEngine_StatusSnapshot(t *testing.T) {
	e, _ := newTestEngine(t, &fakeBudget{usage: Usage{CallsToday: 450, DailyLimit: 500}})
	e.TriggerCortisol(0.12345)
	st := e.StatusSnapshot()
	if st.Cortisol != 0.123 {
		t.Fatalf("expected cortisol rounded to 0.123, got %v", st.Cortisol)
	}
	if st.EffectiveModel != "claude-haiku" {
		t.Fatalf("expected cheap tier alias, got %q", st.EffectiveModel)
	}
	if len(st.CreativityMode) != 40 {
		t.Fatalf("expected creativity mode truncated to 40 chars, got %q", st.CreativityMode)
	}
	if st.ResponseLength != LengthShort {
		t.Fatalf("expected short responses at low energy, got %s", st.ResponseLength)
	}
	if st.Label != LabelExhausted {
		t.Fatalf("expected exhausted label at low energy, got %s", st.Label)
	}
}
