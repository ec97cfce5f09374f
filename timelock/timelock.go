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

package timelock

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gatehouse-labs/drawbridge/event"
	"github.com/gatehouse-labs/drawbridge/types"
)

const (
	ProposalSubmittedEventType  event.EventType = "timelock.proposal_submitted"
	ProposalScheduledEventType  event.EventType = "timelock.proposal_scheduled"
	ProposalExecutedEventType   event.EventType = "timelock.proposal_executed"
	ProposalsCancelledEventType event.EventType = "timelock.proposals_cancelled"
	GovernanceSetEventType      event.EventType = "timelock.governance_set"
)

type ProposalSubmittedEvent struct {
	Id          uint64
	Proposer    types.Address
	Executor    types.Address
	SubmittedAt types.Timestamp
}

type ProposalScheduledEvent struct {
	Id          uint64
	ScheduledAt types.Timestamp
}

type ProposalExecutedEvent struct {
	Id uint64
}

type ProposalsCancelledEvent struct {
	UpToId uint64
}

var (
	ErrUnknownProposal      = errors.New("unknown proposal")
	ErrNotProposer          = errors.New("caller is not a registered proposer")
	ErrProposalNotPending   = errors.New("proposal is not pending")
	ErrProposalNotScheduled = errors.New("proposal is not scheduled")
	ErrNoDispatcher         = errors.New("no call dispatcher is bound")
)

// DelayError is returned when a lifecycle step is attempted before its
// configured delay has elapsed
type DelayError struct {
	Op      string
	ReadyAt types.Timestamp
}

func (e *DelayError) Error() string {
	return fmt.Sprintf("proposal cannot be %s before %s", e.Op, e.ReadyAt)
}

// CallDispatcher executes a proposal's call bundle under the given executor
// identity. A returned error must mean no call took effect; the timelock
// leaves the proposal scheduled so execution can be retried.
type CallDispatcher interface {
	Dispatch(executor types.Address, calls []types.ExternalCall) error
}

// DispatchFunc adapts a function to the CallDispatcher interface
type DispatchFunc func(types.Address, []types.ExternalCall) error

func (f DispatchFunc) Dispatch(
	executor types.Address,
	calls []types.ExternalCall,
) error {
	return f(executor, calls)
}

type TimelockConfig struct {
	Logger       *slog.Logger
	EventBus     *event.EventBus
	PromRegistry prometheus.Registerer
	Clock        types.Clock
	Registry     *Registry
	Dispatcher   CallDispatcher
	// Governance is the account the timelock treats as its governance
	// front-end; emergency reset may re-point it
	Governance types.Address
	// AfterSubmitDelay gates scheduling, AfterScheduleDelay gates
	// execution
	AfterSubmitDelay   time.Duration
	AfterScheduleDelay time.Duration
	Emergency          EmergencyProtectionConfig
}

// Timelock owns the proposal ledger and enforces the submit, schedule,
// execute lifecycle with its two delays, plus the emergency override state
type Timelock struct {
	cfg      TimelockConfig
	logger   *slog.Logger
	eventBus *event.EventBus
	clock    types.Clock
	registry *Registry
	metrics  *timelockMetrics

	mu         sync.Mutex
	ledger     *proposalLedger
	governance types.Address
	emergency  emergencyState
}

type timelockMetrics struct {
	proposalsTotal *prometheus.CounterVec
}

func NewTimelock(cfg TimelockConfig) (*Timelock, error) {
	if cfg.Registry == nil {
		return nil, errors.New("no proposer registry provided")
	}
	if cfg.AfterScheduleDelay <= 0 {
		return nil, errors.New("after-schedule delay must be positive")
	}
	t := &Timelock{
		cfg:        cfg,
		eventBus:   cfg.EventBus,
		clock:      cfg.Clock,
		registry:   cfg.Registry,
		ledger:     newProposalLedger(),
		governance: cfg.Governance,
		emergency:  newEmergencyState(cfg.Emergency),
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		t.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		t.logger = cfg.Logger
	}
	if t.clock == nil {
		t.clock = types.SystemClock{}
	}
	if cfg.PromRegistry != nil {
		promautoFactory := promauto.With(cfg.PromRegistry)
		t.metrics = &timelockMetrics{
			proposalsTotal: promautoFactory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "drawbridge_timelock_proposals_total",
					Help: "proposal lifecycle operations",
				},
				[]string{"action"},
			),
		}
	}
	return t, nil
}

// Governance returns the account currently treated as the governance
// front-end
func (t *Timelock) Governance() types.Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.governance
}

// SetGovernance re-points the governance front-end. Restricted to the
// admin executor, i.e. reachable only through an adopted proposal.
func (t *Timelock) SetGovernance(
	caller types.Address,
	governance types.Address,
) error {
	if caller != t.registry.AdminExecutor() {
		return fmt.Errorf("%w: %s", ErrNotAdminExecutor, caller)
	}
	t.mu.Lock()
	t.governance = governance
	t.mu.Unlock()
	t.logger.Info(
		"governance re-pointed",
		"component", "timelock",
		"governance", governance.String(),
	)
	t.publish(GovernanceSetEventType, governance)
	return nil
}

// Submit appends a new pending proposal. The proposer must be registered
// and the executor must match its registered binding; a zero executor
// selects the binding.
func (t *Timelock) Submit(
	proposer types.Address,
	executor types.Address,
	calls []types.ExternalCall,
) (uint64, error) {
	bound, ok := t.registry.ExecutorOf(proposer)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotProposer, proposer)
	}
	if executor.IsZero() {
		executor = bound
	} else if executor != bound {
		return 0, fmt.Errorf(
			"%w: %s submits through %s",
			ErrInvalidExecutorBinding,
			proposer,
			bound,
		)
	}
	now := t.clock.Now()
	t.mu.Lock()
	p := t.ledger.append(proposer, executor, calls, now)
	id := p.Id
	t.mu.Unlock()
	t.countAction("submit")
	t.logger.Info(
		"proposal submitted",
		"component", "timelock",
		"proposal_id", id,
		"proposer", proposer.String(),
		"executor", executor.String(),
		"calls", len(calls),
	)
	t.publish(ProposalSubmittedEventType, ProposalSubmittedEvent{
		Id:          id,
		Proposer:    proposer,
		Executor:    executor,
		SubmittedAt: now,
	})
	return id, nil
}

// Schedule moves a pending proposal to scheduled once the after-submit
// delay has elapsed
func (t *Timelock) Schedule(id uint64) error {
	now := t.clock.Now()
	t.mu.Lock()
	p, err := t.ledger.get(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if t.ledger.status(p) != ProposalPending {
		status := t.ledger.status(p)
		t.mu.Unlock()
		return fmt.Errorf(
			"%w: proposal %d is %s", ErrProposalNotPending, id, status,
		)
	}
	readyAt := p.SubmittedAt.Add(t.cfg.AfterSubmitDelay)
	if now.Before(readyAt) {
		t.mu.Unlock()
		return &DelayError{Op: "scheduled", ReadyAt: readyAt}
	}
	p.Status = ProposalScheduled
	p.ScheduledAt = now
	t.mu.Unlock()
	t.countAction("schedule")
	t.logger.Info(
		"proposal scheduled",
		"component", "timelock",
		"proposal_id", id,
	)
	t.publish(ProposalScheduledEventType, ProposalScheduledEvent{
		Id:          id,
		ScheduledAt: now,
	})
	return nil
}

// Execute dispatches a scheduled proposal's call bundle once the
// after-schedule delay has elapsed. Blocked for everyone while emergency
// mode is active; the emergency execution committee uses
// EmergencyExecute instead.
func (t *Timelock) Execute(id uint64) error {
	t.mu.Lock()
	if t.emergency.isModeActive() {
		t.mu.Unlock()
		return ErrEmergencyModeActive
	}
	return t.executeLocked(id)
}

// executeLocked finishes execution with t.mu held; it releases the lock
func (t *Timelock) executeLocked(id uint64) error {
	now := t.clock.Now()
	p, err := t.ledger.get(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if t.ledger.status(p) != ProposalScheduled {
		status := t.ledger.status(p)
		t.mu.Unlock()
		return fmt.Errorf(
			"%w: proposal %d is %s", ErrProposalNotScheduled, id, status,
		)
	}
	readyAt := p.ScheduledAt.Add(t.cfg.AfterScheduleDelay)
	if now.Before(readyAt) {
		t.mu.Unlock()
		return &DelayError{Op: "executed", ReadyAt: readyAt}
	}
	dispatcher := t.cfg.Dispatcher
	executor := p.Executor
	calls := types.CloneExternalCalls(p.Calls)
	t.mu.Unlock()
	if dispatcher == nil {
		return ErrNoDispatcher
	}
	// A dispatch error aborts the whole attempt; the proposal stays
	// scheduled
	if err := dispatcher.Dispatch(executor, calls); err != nil {
		return fmt.Errorf("proposal %d dispatch failed: %w", id, err)
	}
	t.mu.Lock()
	// Re-check under lock: a bulk cancel may have landed while the call
	// bundle ran
	if t.ledger.status(p) != ProposalScheduled {
		status := t.ledger.status(p)
		t.mu.Unlock()
		return fmt.Errorf(
			"%w: proposal %d is %s", ErrProposalNotScheduled, id, status,
		)
	}
	p.Status = ProposalExecuted
	t.mu.Unlock()
	t.countAction("execute")
	t.logger.Info(
		"proposal executed",
		"component", "timelock",
		"proposal_id", id,
	)
	t.publish(ProposalExecutedEventType, ProposalExecutedEvent{Id: id})
	return nil
}

// CancelAllNonExecutedProposals cancels every pending and scheduled
// proposal atomically
func (t *Timelock) CancelAllNonExecutedProposals() error {
	t.mu.Lock()
	t.ledger.cancelAll()
	upTo := t.ledger.cancelledUpTo
	t.mu.Unlock()
	t.countAction("cancel_all")
	t.logger.Info(
		"all non-executed proposals cancelled",
		"component", "timelock",
		"up_to_id", upTo,
	)
	t.publish(ProposalsCancelledEventType, ProposalsCancelledEvent{
		UpToId: upTo,
	})
	return nil
}

// ProposalSubmittedAt returns a proposal's submission timestamp
func (t *Timelock) ProposalSubmittedAt(id uint64) (types.Timestamp, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.ledger.get(id)
	if err != nil {
		return 0, err
	}
	return p.SubmittedAt, nil
}

// GetProposal returns a snapshot of a proposal with its effective status
func (t *Timelock) GetProposal(id uint64) (Proposal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.ledger.get(id)
	if err != nil {
		return Proposal{}, err
	}
	snapshot := *p
	snapshot.Calls = types.CloneExternalCalls(p.Calls)
	snapshot.Status = t.ledger.status(p)
	return snapshot, nil
}

// ProposalCount returns how many proposals have ever been submitted
func (t *Timelock) ProposalCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ledger.count()
}

func (t *Timelock) publish(eventType event.EventType, data any) {
	if t.eventBus == nil {
		return
	}
	t.eventBus.Publish(eventType, event.NewEvent(eventType, data))
}

func (t *Timelock) countAction(action string) {
	if t.metrics == nil {
		return
	}
	t.metrics.proposalsTotal.WithLabelValues(action).Inc()
}
