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

// Package tiebreaker lets a dedicated committee force resolution when
// governance is deadlocked: stuck longer than the activation timeout in a
// non-adoptable phase, or rage-quitting while a registered withdrawal
// blocker is paused.
package tiebreaker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gatehouse-labs/drawbridge/committee"
	"github.com/gatehouse-labs/drawbridge/event"
	"github.com/gatehouse-labs/drawbridge/governance"
	"github.com/gatehouse-labs/drawbridge/types"
)

const (
	BlockerAddedEventType      event.EventType = "tiebreaker.blocker_added"
	BlockerRemovedEventType    event.EventType = "tiebreaker.blocker_removed"
	ProposalScheduledEventType event.EventType = "tiebreaker.proposal_scheduled"
	BlockerResumedEventType    event.EventType = "tiebreaker.blocker_resumed"
)

const DefaultMaxBlockers = 255

var (
	ErrNotTie = errors.New(
		"governance is not deadlocked",
	)
	ErrNotAdmin         = errors.New("caller is not the tiebreaker admin")
	ErrBlockerExists    = errors.New("withdrawal blocker already registered")
	ErrUnknownBlocker   = errors.New("withdrawal blocker is not registered")
	ErrTooManyBlockers  = errors.New("withdrawal blocker limit reached")
	ErrBlockerNotPaused = errors.New("withdrawal blocker is not paused")
)

// WithdrawalBlocker is an external pausable dependency whose paused state
// can wedge a rage quit. A failing IsPaused query is conservatively
// treated as paused.
type WithdrawalBlocker interface {
	Address() types.Address
	IsPaused() (bool, error)
	Resume() error
}

// GovernanceState is the slice of the state machine the tiebreaker reads
type GovernanceState interface {
	Phase() governance.Phase
	LastAdoptableExitedAt() types.Timestamp
}

// Scheduler schedules a stuck timelock proposal, bypassing the phase gate
type Scheduler interface {
	Schedule(id uint64) error
}

type TiebreakerConfig struct {
	Logger            *slog.Logger
	EventBus          *event.EventBus
	Clock             types.Clock
	Committee         *committee.Committee
	Governance        GovernanceState
	Scheduler         Scheduler
	ActivationTimeout time.Duration
	// Admin gates blocker registration; typically the timelock's admin
	// executor
	Admin       types.Address
	MaxBlockers int
}

// Tiebreaker tracks the registered withdrawal blockers and runs the
// committee-gated schedule/resume flows. Implements the state machine's
// DeadlockChecker.
type Tiebreaker struct {
	cfg      TiebreakerConfig
	logger   *slog.Logger
	eventBus *event.EventBus
	clock    types.Clock

	mu           sync.Mutex
	blockers     map[types.Address]WithdrawalBlocker
	resumeNonces map[types.Address]uint64
}

func NewTiebreaker(cfg TiebreakerConfig) (*Tiebreaker, error) {
	if cfg.Committee == nil {
		return nil, errors.New("no committee provided")
	}
	if cfg.Governance == nil {
		return nil, errors.New("no governance provided")
	}
	if cfg.MaxBlockers < 1 {
		cfg.MaxBlockers = DefaultMaxBlockers
	}
	tb := &Tiebreaker{
		cfg:          cfg,
		eventBus:     cfg.EventBus,
		clock:        cfg.Clock,
		blockers:     make(map[types.Address]WithdrawalBlocker),
		resumeNonces: make(map[types.Address]uint64),
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		tb.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		tb.logger = cfg.Logger
	}
	if tb.clock == nil {
		tb.clock = types.SystemClock{}
	}
	return tb, nil
}

// AddWithdrawalBlocker registers a blocker oracle. Restricted to the admin
// account; the set is bounded.
func (tb *Tiebreaker) AddWithdrawalBlocker(
	caller types.Address,
	blocker WithdrawalBlocker,
) error {
	if caller != tb.cfg.Admin {
		return fmt.Errorf("%w: %s", ErrNotAdmin, caller)
	}
	addr := blocker.Address()
	tb.mu.Lock()
	if _, exists := tb.blockers[addr]; exists {
		tb.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBlockerExists, addr)
	}
	if len(tb.blockers) >= tb.cfg.MaxBlockers {
		tb.mu.Unlock()
		return ErrTooManyBlockers
	}
	tb.blockers[addr] = blocker
	tb.mu.Unlock()
	tb.logger.Info(
		"withdrawal blocker registered",
		"component", "tiebreaker",
		"blocker", addr.String(),
	)
	tb.publish(BlockerAddedEventType, addr)
	return nil
}

// RemoveWithdrawalBlocker unregisters a blocker oracle. Restricted to the
// admin account.
func (tb *Tiebreaker) RemoveWithdrawalBlocker(
	caller types.Address,
	addr types.Address,
) error {
	if caller != tb.cfg.Admin {
		return fmt.Errorf("%w: %s", ErrNotAdmin, caller)
	}
	tb.mu.Lock()
	if _, exists := tb.blockers[addr]; !exists {
		tb.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownBlocker, addr)
	}
	delete(tb.blockers, addr)
	tb.mu.Unlock()
	tb.publish(BlockerRemovedEventType, addr)
	return nil
}

// AnyBlockerPaused reports whether any registered blocker is paused. A
// blocker whose pause query fails counts as paused.
func (tb *Tiebreaker) AnyBlockerPaused() bool {
	tb.mu.Lock()
	blockers := make([]WithdrawalBlocker, 0, len(tb.blockers))
	for _, b := range tb.blockers {
		blockers = append(blockers, b)
	}
	tb.mu.Unlock()
	for _, b := range blockers {
		paused, err := b.IsPaused()
		if err != nil || paused {
			return true
		}
	}
	return false
}

// IsTie implements the state machine's deadlock predicate
func (tb *Tiebreaker) IsTie() bool {
	return tb.CheckTie() == nil
}

// CheckTie returns nil when the tiebreaker may act: the phase is not
// adoptable, and either the activation timeout has elapsed since adoption
// was last possible or a rage quit is wedged by a paused blocker
func (tb *Tiebreaker) CheckTie() error {
	phase := tb.cfg.Governance.Phase()
	if phase == governance.PhaseNormal || phase == governance.PhaseVetoCooldown {
		return fmt.Errorf("%w: phase is %s", ErrNotTie, phase)
	}
	exitedAt := tb.cfg.Governance.LastAdoptableExitedAt()
	if !exitedAt.IsZero() &&
		!tb.clock.Now().Before(exitedAt.Add(tb.cfg.ActivationTimeout)) {
		return nil
	}
	if phase == governance.PhaseRageQuit && tb.AnyBlockerPaused() {
		return nil
	}
	return fmt.Errorf(
		"%w: activation timeout not elapsed and no blocker paused",
		ErrNotTie,
	)
}

// scheduleProposalHash keys the committee vote for scheduling a stuck
// proposal
func scheduleProposalHash(id uint64) committee.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return committee.HashProposal([]byte("tiebreaker.schedule"), buf[:])
}

// resumeBlockerHash keys the committee vote for resuming a blocker; the
// per-target nonce makes votes from before a resume unreplayable
func resumeBlockerHash(addr types.Address, nonce uint64) committee.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return committee.HashProposal(
		[]byte("tiebreaker.resume"),
		addr.Bytes(),
		buf[:],
	)
}

// VoteScheduleProposal casts a committee member's vote to force-schedule a
// stuck proposal. When the vote reaches quorum and the deadlock condition
// holds, the proposal is scheduled in the same call.
func (tb *Tiebreaker) VoteScheduleProposal(
	member types.Address,
	id uint64,
) error {
	if tb.cfg.Scheduler == nil {
		return errors.New("no scheduler is bound")
	}
	hash := scheduleProposalHash(id)
	if err := tb.cfg.Committee.Vote(member, hash, true); err != nil {
		return err
	}
	if !tb.cfg.Committee.HasQuorum(hash) {
		return nil
	}
	if err := tb.CheckTie(); err != nil {
		return err
	}
	err := tb.cfg.Committee.Execute(hash, func() error {
		return tb.cfg.Scheduler.Schedule(id)
	})
	if err != nil {
		return err
	}
	tb.logger.Info(
		"stuck proposal force-scheduled",
		"component", "tiebreaker",
		"proposal_id", id,
	)
	tb.publish(ProposalScheduledEventType, id)
	return nil
}

// VoteResumeBlocker casts a committee member's vote to force-resume a
// paused blocker. When the vote reaches quorum and the deadlock condition
// holds, the blocker is resumed and its nonce advanced.
func (tb *Tiebreaker) VoteResumeBlocker(
	member types.Address,
	addr types.Address,
) error {
	tb.mu.Lock()
	blocker, exists := tb.blockers[addr]
	nonce := tb.resumeNonces[addr]
	tb.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownBlocker, addr)
	}
	hash := resumeBlockerHash(addr, nonce)
	if err := tb.cfg.Committee.Vote(member, hash, true); err != nil {
		return err
	}
	if !tb.cfg.Committee.HasQuorum(hash) {
		return nil
	}
	if err := tb.CheckTie(); err != nil {
		return err
	}
	paused, err := blocker.IsPaused()
	if err == nil && !paused {
		return fmt.Errorf("%w: %s", ErrBlockerNotPaused, addr)
	}
	err = tb.cfg.Committee.Execute(hash, func() error {
		return blocker.Resume()
	})
	if err != nil {
		return err
	}
	tb.mu.Lock()
	tb.resumeNonces[addr] = nonce + 1
	tb.mu.Unlock()
	tb.logger.Info(
		"withdrawal blocker force-resumed",
		"component", "tiebreaker",
		"blocker", addr.String(),
	)
	tb.publish(BlockerResumedEventType, addr)
	return nil
}

// ResumeNonce returns the current replay-protection nonce for a blocker
func (tb *Tiebreaker) ResumeNonce(addr types.Address) uint64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.resumeNonces[addr]
}

func (tb *Tiebreaker) publish(eventType event.EventType, data any) {
	if tb.eventBus == nil {
		return
	}
	tb.eventBus.Publish(eventType, event.NewEvent(eventType, data))
}
