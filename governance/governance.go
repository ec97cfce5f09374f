// Copyright 2026 Gatehouse Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package governance

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gatehouse-labs/drawbridge/event"
	"github.com/gatehouse-labs/drawbridge/types"
)

const (
	PhaseChangedEventType   event.EventType = "governance.phase_changed"
	EscrowDeployedEventType event.EventType = "governance.escrow_deployed"
)

type PhaseChangedEvent struct {
	From Phase
	To   Phase
	At   types.Timestamp
}

type EscrowDeployedEvent struct {
	Escrow types.Address
	Round  uint64
}

// Phase is the governance state machine's current mode. Exactly one phase
// is active at a time and every transition is a pure function of wall-clock
// time and the active escrow's veto support.
type Phase uint8

const (
	PhaseNormal Phase = iota
	PhaseVetoSignalling
	PhaseVetoSignallingDeactivation
	PhaseVetoCooldown
	PhaseRageQuit
)

func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "Normal"
	case PhaseVetoSignalling:
		return "VetoSignalling"
	case PhaseVetoSignallingDeactivation:
		return "VetoSignallingDeactivation"
	case PhaseVetoCooldown:
		return "VetoCooldown"
	case PhaseRageQuit:
		return "RageQuit"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(p))
	}
}

var (
	ErrProposalsCreationBlocked = errors.New(
		"proposal creation is blocked in the current phase",
	)
	ErrProposalsAdoptionBlocked = errors.New(
		"proposal adoption is blocked in the current phase",
	)
	ErrNotProposalsCanceller = errors.New(
		"caller is not the proposals canceller",
	)
	ErrNotAdminExecutor = errors.New(
		"caller is not the admin executor",
	)
	ErrLockDurationOutOfBounds = errors.New(
		"min assets lock duration is out of bounds",
	)
	ErrNoTimelock = errors.New("no timelock is bound")
)

// Escrow is the slice of the veto escrow the state machine consumes
type Escrow interface {
	Address() types.Address
	RageQuitSupport() types.PercentD16
	StartRageQuit(extensionPeriod, withdrawalsTimelock time.Duration) error
	IsRageQuitFinalized() bool
	SetMinAssetsLockDuration(d time.Duration)
}

// EscrowFactory deploys a fresh signalling escrow, used once at startup and
// once per rage quit cycle
type EscrowFactory interface {
	Deploy() Escrow
}

// Timelock is the proposal backend the governance front-end drives
type Timelock interface {
	Submit(
		proposer types.Address,
		executor types.Address,
		calls []types.ExternalCall,
	) (uint64, error)
	Schedule(id uint64) error
	CancelAllNonExecutedProposals() error
	ProposalSubmittedAt(id uint64) (types.Timestamp, error)
}

// DeadlockChecker reports whether the system is stuck badly enough for the
// tiebreaker committee to intervene
type DeadlockChecker interface {
	IsTie() bool
}

// Config carries the phase thresholds and durations. Thresholds are
// fixed-point percentages of total outstanding value.
type Config struct {
	FirstSealRageQuitSupport  types.PercentD16
	SecondSealRageQuitSupport types.PercentD16

	DynamicTimelockMinDuration            time.Duration
	DynamicTimelockMaxDuration            time.Duration
	VetoSignallingMinActiveDuration       time.Duration
	VetoSignallingDeactivationMaxDuration time.Duration
	VetoCooldownDuration                  time.Duration

	RageQuitExtensionPeriod           time.Duration
	RageQuitWithdrawalsMinTimelock    time.Duration
	RageQuitWithdrawalsMaxTimelock    time.Duration
	RageQuitWithdrawalsTimelockGrowth time.Duration

	// MaxMinAssetsLockDuration caps how far the admin executor may raise
	// the escrow's anti-flash-veto delay
	MaxMinAssetsLockDuration time.Duration
}

func (c Config) Validate() error {
	if c.FirstSealRageQuitSupport == 0 {
		return errors.New("first seal threshold must be positive")
	}
	if c.FirstSealRageQuitSupport >= c.SecondSealRageQuitSupport {
		return errors.New(
			"first seal threshold must be below second seal threshold",
		)
	}
	if c.SecondSealRageQuitSupport > types.HundredPercentD16 {
		return errors.New("second seal threshold cannot exceed 100%")
	}
	if c.DynamicTimelockMinDuration > c.DynamicTimelockMaxDuration {
		return errors.New(
			"dynamic timelock min duration exceeds max duration",
		)
	}
	if c.RageQuitWithdrawalsMinTimelock > c.RageQuitWithdrawalsMaxTimelock {
		return errors.New(
			"rage quit withdrawals min timelock exceeds max timelock",
		)
	}
	return nil
}

type DualGovernanceConfig struct {
	Logger        *slog.Logger
	EventBus      *event.EventBus
	PromRegistry  prometheus.Registerer
	Clock         types.Clock
	Config        Config
	EscrowFactory EscrowFactory
	Timelock      Timelock
	// ProposalsCanceller is the only account allowed to bulk-cancel
	ProposalsCanceller types.Address
	// AdminExecutor is the only account allowed to tune escrow parameters
	AdminExecutor types.Address
}

// DualGovernance is the governance state machine plus the thin proposal
// front-end it exposes to proposers. Phase transitions happen one at a time
// inside ActivateNextState, which anyone may call and which every escrow
// lock/unlock also triggers.
type DualGovernance struct {
	cfg      DualGovernanceConfig
	logger   *slog.Logger
	eventBus *event.EventBus
	clock    types.Clock
	metrics  *metrics

	mu                          sync.Mutex
	phase                       Phase
	enteredAt                   types.Timestamp
	vetoSignallingActivatedAt   types.Timestamp
	vetoSignallingReactivatedAt types.Timestamp
	lastAdoptableExitedAt       types.Timestamp
	lastProposalSubmittedAt     types.Timestamp
	rageQuitRound               uint64
	signalling                  Escrow
	rageQuit                    Escrow
	deadlock                    DeadlockChecker
}

type metrics struct {
	phase            prometheus.Gauge
	transitionsTotal *prometheus.CounterVec
	rageQuitRound    prometheus.Gauge
	rageQuitSupport  prometheus.Gauge
}

func NewDualGovernance(cfg DualGovernanceConfig) (*DualGovernance, error) {
	if err := cfg.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid governance config: %w", err)
	}
	if cfg.EscrowFactory == nil {
		return nil, errors.New("no escrow factory provided")
	}
	g := &DualGovernance{
		cfg:      cfg,
		eventBus: cfg.EventBus,
		clock:    cfg.Clock,
		phase:    PhaseNormal,
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		g.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		g.logger = cfg.Logger
	}
	if g.clock == nil {
		g.clock = types.SystemClock{}
	}
	if cfg.PromRegistry != nil {
		promautoFactory := promauto.With(cfg.PromRegistry)
		g.metrics = &metrics{
			phase: promautoFactory.NewGauge(prometheus.GaugeOpts{
				Name: "drawbridge_governance_phase",
				Help: "current governance phase (0=Normal 1=VetoSignalling 2=Deactivation 3=VetoCooldown 4=RageQuit)",
			}),
			transitionsTotal: promautoFactory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "drawbridge_governance_transitions_total",
					Help: "governance phase transitions",
				},
				[]string{"from", "to"},
			),
			rageQuitRound: promautoFactory.NewGauge(prometheus.GaugeOpts{
				Name: "drawbridge_governance_rage_quit_round",
				Help: "consecutive rage quit round counter",
			}),
			rageQuitSupport: promautoFactory.NewGauge(prometheus.GaugeOpts{
				Name: "drawbridge_governance_rage_quit_support",
				Help: "veto support of the signalling escrow, fraction of 1e18",
			}),
		}
	}
	g.enteredAt = g.clock.Now()
	g.signalling = cfg.EscrowFactory.Deploy()
	g.logger.Info(
		"governance initialized",
		"component", "governance",
		"signalling_escrow", g.signalling.Address().String(),
	)
	g.publishEscrowDeployed(g.signalling, 0)
	return g, nil
}

// SetDeadlockChecker binds the tiebreaker's deadlock predicate. Called once
// during wiring.
func (g *DualGovernance) SetDeadlockChecker(checker DeadlockChecker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deadlock = checker
}

// SetEscrowMinAssetsLockDuration adjusts the signalling escrow's
// anti-flash-veto delay. Restricted to the admin executor and bounded by
// MaxMinAssetsLockDuration.
func (g *DualGovernance) SetEscrowMinAssetsLockDuration(
	caller types.Address,
	d time.Duration,
) error {
	if caller != g.cfg.AdminExecutor {
		return ErrNotAdminExecutor
	}
	if d <= 0 || d > g.cfg.Config.MaxMinAssetsLockDuration {
		return ErrLockDurationOutOfBounds
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signalling.SetMinAssetsLockDuration(d)
	g.logger.Info(
		"escrow min assets lock duration updated",
		"component", "governance",
		"duration", d.String(),
	)
	return nil
}

func (g *DualGovernance) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

// PhaseEnteredAt returns when the current phase was entered
func (g *DualGovernance) PhaseEnteredAt() types.Timestamp {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enteredAt
}

// LastAdoptableExitedAt returns when governance last left a phase in which
// proposals could be adopted, or zero if it never has
func (g *DualGovernance) LastAdoptableExitedAt() types.Timestamp {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastAdoptableExitedAt
}

// RageQuitRound returns the consecutive rage quit counter
func (g *DualGovernance) RageQuitRound() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rageQuitRound
}

// SignallingEscrow returns the escrow currently accepting locks
func (g *DualGovernance) SignallingEscrow() Escrow {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.signalling
}

// RageQuitEscrow returns the frozen escrow of the active rage quit cycle,
// or nil outside RageQuit
func (g *DualGovernance) RageQuitEscrow() Escrow {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rageQuit
}

// RageQuitSupport returns the veto support of the signalling escrow
func (g *DualGovernance) RageQuitSupport() types.PercentD16 {
	g.mu.Lock()
	esc := g.signalling
	g.mu.Unlock()
	return esc.RageQuitSupport()
}

// ActivateNextState re-evaluates the phase against the clock and the
// signalling escrow's veto support and performs at most one transition.
// Idempotent and callable by anyone; callers catch up across several
// threshold crossings by calling repeatedly.
func (g *DualGovernance) ActivateNextState() error {
	g.mu.Lock()
	support := g.signalling.RageQuitSupport()
	if g.metrics != nil {
		g.metrics.rageQuitSupport.Set(float64(support))
	}
	now := g.clock.Now()
	var err error
	switch g.phase {
	case PhaseNormal:
		if support > g.cfg.Config.FirstSealRageQuitSupport {
			g.enterVetoSignalling(now)
		}
	case PhaseVetoSignalling:
		err = g.evaluateVetoSignalling(now, support)
	case PhaseVetoSignallingDeactivation:
		g.evaluateDeactivation(now, support)
	case PhaseVetoCooldown:
		if !now.Before(g.enteredAt.Add(g.cfg.Config.VetoCooldownDuration)) {
			if support > g.cfg.Config.FirstSealRageQuitSupport {
				g.enterVetoSignalling(now)
			} else {
				g.transition(PhaseNormal, now)
				g.rageQuitRound = 0
				if g.metrics != nil {
					g.metrics.rageQuitRound.Set(0)
				}
			}
		}
	case PhaseRageQuit:
		if g.rageQuit != nil && g.rageQuit.IsRageQuitFinalized() {
			g.rageQuit = nil
			if support > g.cfg.Config.FirstSealRageQuitSupport {
				g.enterVetoSignalling(now)
			} else {
				g.transition(PhaseVetoCooldown, now)
			}
		}
	}
	g.mu.Unlock()
	return err
}

// caller must hold g.mu
func (g *DualGovernance) evaluateVetoSignalling(
	now types.Timestamp,
	support types.PercentD16,
) error {
	cfg := g.cfg.Config
	maxTimelockPassed := !now.Before(
		g.vetoSignallingActivatedAt.Add(cfg.DynamicTimelockMaxDuration),
	)
	if maxTimelockPassed && support > cfg.SecondSealRageQuitSupport {
		return g.enterRageQuit(now)
	}
	if !g.dynamicTimelockPassed(now, support) {
		return nil
	}
	// The phase must have been active for a minimum stretch since its last
	// (re)activation before it may start deactivating
	reactivatedAt := g.vetoSignallingActivatedAt
	if g.vetoSignallingReactivatedAt.After(reactivatedAt) {
		reactivatedAt = g.vetoSignallingReactivatedAt
	}
	if now.Before(reactivatedAt.Add(cfg.VetoSignallingMinActiveDuration)) {
		return nil
	}
	g.transition(PhaseVetoSignallingDeactivation, now)
	return nil
}

// caller must hold g.mu
func (g *DualGovernance) evaluateDeactivation(
	now types.Timestamp,
	support types.PercentD16,
) {
	if !g.dynamicTimelockPassed(now, support) {
		g.transition(PhaseVetoSignalling, now)
		g.vetoSignallingReactivatedAt = now
		return
	}
	maxDuration := g.cfg.Config.VetoSignallingDeactivationMaxDuration
	if !now.Before(g.enteredAt.Add(maxDuration)) {
		g.transition(PhaseVetoCooldown, now)
	}
}

// dynamicTimelockPassed reports whether the support-scaled timelock has
// elapsed since the later of signalling activation and the last proposal
// submission. caller must hold g.mu
func (g *DualGovernance) dynamicTimelockPassed(
	now types.Timestamp,
	support types.PercentD16,
) bool {
	since := g.vetoSignallingActivatedAt
	if g.lastProposalSubmittedAt.After(since) {
		since = g.lastProposalSubmittedAt
	}
	return !now.Before(since.Add(g.dynamicTimelockDuration(support)))
}

// dynamicTimelockDuration interpolates linearly between the configured
// min and max durations based on where support sits between the two seal
// thresholds
func (g *DualGovernance) dynamicTimelockDuration(
	support types.PercentD16,
) time.Duration {
	cfg := g.cfg.Config
	if support < cfg.FirstSealRageQuitSupport {
		return 0
	}
	if support >= cfg.SecondSealRageQuitSupport {
		return cfg.DynamicTimelockMaxDuration
	}
	span := uint256.NewInt(
		uint64(cfg.DynamicTimelockMaxDuration - cfg.DynamicTimelockMinDuration),
	)
	num := uint256.NewInt(
		uint64(support - cfg.FirstSealRageQuitSupport),
	)
	den := uint256.NewInt(
		uint64(cfg.SecondSealRageQuitSupport - cfg.FirstSealRageQuitSupport),
	)
	extra := new(uint256.Int).Mul(span, num)
	extra.Div(extra, den)
	return cfg.DynamicTimelockMinDuration + time.Duration(extra.Uint64())
}

// caller must hold g.mu
func (g *DualGovernance) enterVetoSignalling(now types.Timestamp) {
	g.transition(PhaseVetoSignalling, now)
	g.vetoSignallingActivatedAt = now
	g.vetoSignallingReactivatedAt = types.Timestamp(0)
}

// caller must hold g.mu
func (g *DualGovernance) enterRageQuit(now types.Timestamp) error {
	cfg := g.cfg.Config
	withdrawalsTimelock := cfg.RageQuitWithdrawalsMinTimelock +
		time.Duration(g.rageQuitRound)*cfg.RageQuitWithdrawalsTimelockGrowth
	if withdrawalsTimelock > cfg.RageQuitWithdrawalsMaxTimelock {
		withdrawalsTimelock = cfg.RageQuitWithdrawalsMaxTimelock
	}
	if err := g.signalling.StartRageQuit(
		cfg.RageQuitExtensionPeriod,
		withdrawalsTimelock,
	); err != nil {
		return fmt.Errorf("failed to start rage quit: %w", err)
	}
	g.rageQuit = g.signalling
	g.rageQuitRound++
	g.signalling = g.cfg.EscrowFactory.Deploy()
	g.transition(PhaseRageQuit, now)
	if g.metrics != nil {
		g.metrics.rageQuitRound.Set(float64(g.rageQuitRound))
	}
	g.logger.Info(
		"rage quit cycle started",
		"component", "governance",
		"round", g.rageQuitRound,
		"rage_quit_escrow", g.rageQuit.Address().String(),
		"signalling_escrow", g.signalling.Address().String(),
		"withdrawals_timelock", withdrawalsTimelock.String(),
	)
	g.publishEscrowDeployed(g.signalling, g.rageQuitRound)
	return nil
}

// caller must hold g.mu
func (g *DualGovernance) transition(to Phase, now types.Timestamp) {
	from := g.phase
	if from == PhaseNormal || from == PhaseVetoCooldown {
		g.lastAdoptableExitedAt = now
	}
	g.phase = to
	g.enteredAt = now
	if g.metrics != nil {
		g.metrics.phase.Set(float64(to))
		g.metrics.transitionsTotal.
			WithLabelValues(from.String(), to.String()).Inc()
	}
	g.logger.Info(
		"governance phase changed",
		"component", "governance",
		"from", from.String(),
		"to", to.String(),
	)
	if g.eventBus != nil {
		g.eventBus.Publish(
			PhaseChangedEventType,
			event.NewEvent(PhaseChangedEventType, PhaseChangedEvent{
				From: from,
				To:   to,
				At:   now,
			}),
		)
	}
}

func (g *DualGovernance) publishEscrowDeployed(esc Escrow, round uint64) {
	if g.eventBus == nil {
		return
	}
	g.eventBus.Publish(
		EscrowDeployedEventType,
		event.NewEvent(EscrowDeployedEventType, EscrowDeployedEvent{
			Escrow: esc.Address(),
			Round:  round,
		}),
	)
}

// CanSubmitProposal reports whether new proposals may be created in the
// current phase. Creation is blocked during deactivation and cooldown.
func (g *DualGovernance) CanSubmitProposal() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.canSubmitLocked()
}

func (g *DualGovernance) canSubmitLocked() bool {
	return g.phase != PhaseVetoSignallingDeactivation &&
		g.phase != PhaseVetoCooldown
}

// CanScheduleProposal reports whether a proposal submitted at the given
// time may be scheduled now. Adoption is allowed in Normal, and in
// VetoCooldown only for proposals submitted no later than the last veto
// signalling activation.
func (g *DualGovernance) CanScheduleProposal(
	submittedAt types.Timestamp,
) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.canScheduleLocked(submittedAt)
}

func (g *DualGovernance) canScheduleLocked(
	submittedAt types.Timestamp,
) bool {
	switch g.phase {
	case PhaseNormal:
		return true
	case PhaseVetoCooldown:
		return !submittedAt.After(g.vetoSignallingActivatedAt)
	default:
		return false
	}
}

// IsDeadlocked reports whether the tiebreaker committee may intervene.
// Returns false when no tiebreaker is wired.
func (g *DualGovernance) IsDeadlocked() bool {
	g.mu.Lock()
	checker := g.deadlock
	g.mu.Unlock()
	if checker == nil {
		return false
	}
	return checker.IsTie()
}
