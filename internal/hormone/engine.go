package hormone

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/basket/smolclaw/internal/shared"
)

// Usage is the budget signal energy is derived from.
type Usage struct {
	CallsToday int `json:"calls_today"`
	DailyLimit int `json:"daily_limit"`
}

// BudgetSource reports today's model-call usage.
type BudgetSource interface {
	UsageStatus() (Usage, error)
}

// DefaultModelAliases maps model tiers to concrete model names for display.
var DefaultModelAliases = map[ModelTier]string{
	TierCheap:    "claude-haiku",
	TierStandard: "claude-sonnet",
}

// Config holds the dependencies for an Engine.
type Config struct {
	// StatePath is the JSON document cortisol and tick_count persist to.
	// Empty disables persistence.
	StatePath    string
	Budget       BudgetSource
	ModelAliases map[ModelTier]string
	Logger       *slog.Logger
}

// Engine owns one agent's hormone State. It is safe for concurrent use.
type Engine struct {
	path    string
	budget  BudgetSource
	aliases map[ModelTier]string
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	loadedAt time.Time // mtime of the state file at last load/save
}

// persistedState is the on-disk layout. Dopamine and energy are written as
// informational snapshots only and never restored.
type persistedState struct {
	Cortisol         float64   `json:"cortisol"`
	TickCount        int       `json:"tick_count"`
	DopamineSnapshot float64   `json:"dopamine_snapshot"`
	EnergySnapshot   float64   `json:"energy_snapshot"`
	SavedAt          time.Time `json:"saved_at"`
}

// NewEngine creates an Engine and loads persisted state. A missing or
// corrupt state file yields the default state.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	aliases := cfg.ModelAliases
	if aliases == nil {
		aliases = DefaultModelAliases
	}
	e := &Engine{
		path:    cfg.StatePath,
		budget:  cfg.Budget,
		aliases: aliases,
		logger:  logger,
	}
	if err := e.Load(); err != nil {
		logger.Warn("hormone: state load failed, starting from defaults", "path", e.path, "error", err)
	}
	return e
}

// Load restores cortisol and tick_count from disk, resets dopamine to its
// resting value and recomputes energy. On error the engine is left at the
// default state and the error is returned for logging.
func (e *Engine) Load() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = defaultState()
	e.state.Energy = e.energyLocked()

	if e.path == "" {
		return nil
	}
	p, mtime, err := readPersisted(e.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	e.state.Cortisol = p.Cortisol
	e.state.TickCount = p.TickCount
	e.state.clamp()
	e.loadedAt = mtime
	return nil
}

// ReloadIfStale picks up cortisol and tick_count written by another process
// since the last load or save. Dopamine keeps its in-memory value.
func (e *Engine) ReloadIfStale() bool {
	if e.path == "" {
		return false
	}
	info, err := os.Stat(e.path)
	if err != nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !info.ModTime().After(e.loadedAt) {
		return false
	}
	p, mtime, err := readPersisted(e.path)
	if err != nil {
		e.logger.Warn("hormone: stale reload failed", "path", e.path, "error", err)
		return false
	}
	e.state.Cortisol = p.Cortisol
	e.state.TickCount = p.TickCount
	e.state.clamp()
	e.loadedAt = mtime
	return true
}

// Save persists the current state atomically.
func (e *Engine) Save() error {
	if e.path == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.MarshalIndent(persistedState{
		Cortisol:         e.state.Cortisol,
		TickCount:        e.state.TickCount,
		DopamineSnapshot: e.state.Dopamine,
		EnergySnapshot:   e.state.Energy,
		SavedAt:          time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("hormone: marshal state: %w", err)
	}
	if err := shared.WriteFileAtomic(e.path, data, 0o644); err != nil {
		return fmt.Errorf("hormone: save state: %w", err)
	}
	if info, err := os.Stat(e.path); err == nil {
		e.loadedAt = info.ModTime()
	}
	return nil
}

// Decay advances one control tick: dopamine relaxes toward 0.5 by 10%,
// cortisol toward 0 by 2%, energy is recomputed from the budget source.
// It only mutates memory; call Save to persist.
func (e *Engine) Decay() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decayLocked()
}

func (e *Engine) decayLocked() {
	e.state.Dopamine += (restingDopamine - e.state.Dopamine) * dopamineDecayRate
	e.state.Cortisol += (restingCortisol - e.state.Cortisol) * cortisolDecayRate
	e.state.Energy = e.energyLocked()
	e.state.TickCount++
	e.state.clamp()
}

// Tick decays the state and returns the control parameters for the new
// state under one lock, so parameters are never read before the decay of
// the same tick.
func (e *Engine) Tick() (State, ControlParams) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decayLocked()
	return e.state, DeriveControlParams(e.state)
}

// TriggerDopamine adds delta and clamps. Callers bound delta beforehand.
func (e *Engine) TriggerDopamine(delta float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Dopamine = clamp01(e.state.Dopamine + delta)
}

// TriggerCortisol adds delta and clamps. Callers bound delta beforehand.
func (e *Engine) TriggerCortisol(delta float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Cortisol = clamp01(e.state.Cortisol + delta)
}

// State returns a copy of the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ControlParams derives the control parameters from the current state.
func (e *Engine) ControlParams() ControlParams {
	return DeriveControlParams(e.State())
}

// Label returns the emotional label of the current state.
func (e *Engine) Label() Label {
	return LabelOf(e.State())
}

// Status is a display snapshot for the API, chat commands and CLI.
type Status struct {
	Dopamine          float64        `json:"dopamine"`
	Cortisol          float64        `json:"cortisol"`
	Energy            float64        `json:"energy"`
	TickCount         int            `json:"tick_count"`
	Label             Label          `json:"label"`
	EffectiveModel    string         `json:"effective_model"`
	CreativityMode    string         `json:"creativity_mode"`
	PostingMultiplier float64        `json:"posting_multiplier"`
	ResponseLength    ResponseLength `json:"response_length"`
}

// StatusSnapshot returns the current state rounded for display together
// with the derived parameters.
func (e *Engine) StatusSnapshot() Status {
	s := e.State()
	p := DeriveControlParams(s)

	model := string(p.Model)
	if alias, ok := e.aliases[p.Model]; ok {
		model = alias
	}
	mode := p.CreativityInstruction
	if len(mode) > 40 {
		mode = mode[:40]
	}
	return Status{
		Dopamine:          round3(s.Dopamine),
		Cortisol:          round3(s.Cortisol),
		Energy:            round3(s.Energy),
		TickCount:         s.TickCount,
		Label:             LabelOf(s),
		EffectiveModel:    model,
		CreativityMode:    mode,
		PostingMultiplier: p.PostingFrequencyMultiplier,
		ResponseLength:    p.MaxResponseLength,
	}
}

// energyLocked derives energy from the budget source. No source, a
// non-positive limit or a failing source all mean full energy.
func (e *Engine) energyLocked() float64 {
	if e.budget == nil {
		return 1.0
	}
	u, err := e.budget.UsageStatus()
	if err != nil {
		e.logger.Warn("hormone: budget source unavailable", "error", err)
		return 1.0
	}
	if u.DailyLimit <= 0 {
		return 1.0
	}
	return clamp01(1.0 - float64(u.CallsToday)/float64(u.DailyLimit))
}

func readPersisted(path string) (persistedState, time.Time, error) {
	var p persistedState
	info, err := os.Stat(path)
	if err != nil {
		return p, time.Time{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, time.Time{}, fmt.Errorf("hormone: read state: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, time.Time{}, fmt.Errorf("hormone: parse state: %w", err)
	}
	return p, info.ModTime(), nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
