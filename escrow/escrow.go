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

package escrow

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gatehouse-labs/drawbridge/event"
	"github.com/gatehouse-labs/drawbridge/ledger"
	"github.com/gatehouse-labs/drawbridge/types"
	"github.com/holiman/uint256"
)

const (
	AssetsLockedEventType       event.EventType = "escrow.assets_locked"
	AssetsUnlockedEventType     event.EventType = "escrow.assets_unlocked"
	RageQuitStartedEventType    event.EventType = "escrow.rage_quit_started"
	BatchEnqueuedEventType      event.EventType = "escrow.batch_enqueued"
	BatchClaimedEventType       event.EventType = "escrow.batch_claimed"
	QueueClosedEventType        event.EventType = "escrow.queue_closed"
	ExtensionStartedEventType   event.EventType = "escrow.extension_started"
	ValueWithdrawnEventType     event.EventType = "escrow.value_withdrawn"
	MinLockDurationSetEventType event.EventType = "escrow.min_lock_duration_set"
)

type AssetsLockedEvent struct {
	Escrow types.Address
	Vetoer types.Address
	Shares string
}

type AssetsUnlockedEvent struct {
	Escrow types.Address
	Vetoer types.Address
	Shares string
}

type RageQuitStartedEvent struct {
	Escrow types.Address
}

type ValueWithdrawnEvent struct {
	Escrow types.Address
	Vetoer types.Address
	Value  string
}

// State is the escrow's lifecycle role. Transitions are strictly one-way:
// NotInitialized -> SignallingEscrow -> RageQuitEscrow.
type State uint8

const (
	StateNotInitialized State = iota
	StateSignallingEscrow
	StateRageQuitEscrow
)

func (s State) String() string {
	switch s {
	case StateNotInitialized:
		return "NotInitialized"
	case StateSignallingEscrow:
		return "SignallingEscrow"
	case StateRageQuitEscrow:
		return "RageQuitEscrow"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

var (
	ErrNotSignallingEscrow      = errors.New("escrow is not in signalling role")
	ErrNotRageQuitEscrow        = errors.New("escrow is not in rage quit role")
	ErrNothingLocked            = errors.New("no assets locked by this account")
	ErrRequestAlreadyLocked     = errors.New("withdrawal request already locked")
	ErrDuplicateRequestId       = errors.New("duplicate withdrawal request id")
	ErrRequestNotLockedByVetoer = errors.New("withdrawal request not locked by this account")
	ErrRequestFinalizedLocked   = errors.New("finalized withdrawal request cannot be unlocked")
	ErrBatchQueueNotOpened      = errors.New("withdrawals batch queue is not open")
	ErrBatchQueueNotClosed      = errors.New("withdrawals batch queue is not closed")
	ErrNothingToClaim           = errors.New("no unclaimed withdrawals batch")
	ErrInvalidBatchSize         = errors.New("invalid batch size")
	ErrRageQuitNotFinalized     = errors.New("rage quit is not finalized")
	ErrWithdrawalsDelayActive   = errors.New("withdrawals timelock has not elapsed")
	ErrAlreadyWithdrawn         = errors.New("value already withdrawn")
)

// UnlockDelayError is returned when an unlock is attempted before the
// account's minimum lock duration has elapsed
type UnlockDelayError struct {
	UnlockableAt types.Timestamp
}

func (e *UnlockDelayError) Error() string {
	return fmt.Sprintf(
		"assets cannot be unlocked before %s",
		e.UnlockableAt,
	)
}

// GovernanceHook is the callback into the governance state machine. Every
// lock and unlock pokes it so phase transitions never depend on a separate
// keeper calling in.
type GovernanceHook interface {
	ActivateNextState() error
}

// LockedAssetsTotals is the escrow's aggregate accounting. Shares move
// between categories through lock, unlock, finalization, and claim
// operations only; they are never created or destroyed here.
type LockedAssetsTotals struct {
	StakeLockedShares           *uint256.Int
	StakeClaimedValue           *uint256.Int
	WithdrawalUnfinalizedShares *uint256.Int
	WithdrawalFinalizedValue    *uint256.Int
}

func newLockedAssetsTotals() LockedAssetsTotals {
	return LockedAssetsTotals{
		StakeLockedShares:           uint256.NewInt(0),
		StakeClaimedValue:           uint256.NewInt(0),
		WithdrawalUnfinalizedShares: uint256.NewInt(0),
		WithdrawalFinalizedValue:    uint256.NewInt(0),
	}
}

func (t LockedAssetsTotals) clone() LockedAssetsTotals {
	return LockedAssetsTotals{
		StakeLockedShares:           t.StakeLockedShares.Clone(),
		StakeClaimedValue:           t.StakeClaimedValue.Clone(),
		WithdrawalUnfinalizedShares: t.WithdrawalUnfinalizedShares.Clone(),
		WithdrawalFinalizedValue:    t.WithdrawalFinalizedValue.Clone(),
	}
}

type vetoerState struct {
	stakeLockedShares      *uint256.Int
	withdrawalLockedShares *uint256.Int
	withdrawalIds          []uint64
	lastLockAt             types.Timestamp
	withdrawn              bool
}

type lockedRequest struct {
	vetoer         types.Address
	shares         *uint256.Int
	value          *uint256.Int
	finalizedValue *uint256.Int // nil until marked finalized
}

type batchQueueState uint8

const (
	batchQueueAbsent batchQueueState = iota
	batchQueueOpened
	batchQueueClosed
)

type withdrawalsBatch struct {
	ids     []uint64
	claimed bool
}

type EscrowConfig struct {
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Metrics      *Metrics
	Clock        types.Clock
	Stake        ledger.StakeLedger
	Withdrawals  ledger.WithdrawalQueue
	Address      types.Address
	MinAssetsLockDuration time.Duration
}

// Escrow accounts locked stake and locked withdrawal-request tokens for one
// veto episode. An instance starts in the signalling role; the governance
// state machine freezes it into the rage-quit role exactly once, after which
// it only pays out.
type Escrow struct {
	cfg      EscrowConfig
	logger   *slog.Logger
	eventBus *event.EventBus
	metrics  *Metrics
	clock    types.Clock
	stake    ledger.StakeLedger
	queue    ledger.WithdrawalQueue
	hook     GovernanceHook

	mu              sync.Mutex
	state           State
	minLockDuration time.Duration
	totals          LockedAssetsTotals
	vetoers         map[types.Address]*vetoerState
	requests        map[uint64]*lockedRequest

	// Rage quit accounting
	extensionPeriod     time.Duration
	withdrawalsTimelock time.Duration
	queueState          batchQueueState
	batches             []withdrawalsBatch
	nextClaimBatch      int
	remainingValue      *uint256.Int
	extensionStartedAt  types.Timestamp
}

func NewEscrow(cfg EscrowConfig) *Escrow {
	e := &Escrow{
		cfg:             cfg,
		eventBus:        cfg.EventBus,
		metrics:         cfg.Metrics,
		clock:           cfg.Clock,
		stake:           cfg.Stake,
		queue:           cfg.Withdrawals,
		state:           StateSignallingEscrow,
		minLockDuration: cfg.MinAssetsLockDuration,
		totals:          newLockedAssetsTotals(),
		vetoers:         make(map[types.Address]*vetoerState),
		requests:        make(map[uint64]*lockedRequest),
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		e.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		e.logger = cfg.Logger
	}
	if e.clock == nil {
		e.clock = types.SystemClock{}
	}
	return e
}

// SetGovernanceHook binds the state machine callback. Called once during
// wiring, before the escrow receives traffic.
func (e *Escrow) SetGovernanceHook(hook GovernanceHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hook = hook
}

func (e *Escrow) Address() types.Address {
	return e.cfg.Address
}

func (e *Escrow) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Totals returns a copy of the aggregate accounting
func (e *Escrow) Totals() LockedAssetsTotals {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totals.clone()
}

// MinAssetsLockDuration returns the current anti-flash-veto delay
func (e *Escrow) MinAssetsLockDuration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.minLockDuration
}

// SetMinAssetsLockDuration adjusts the anti-flash-veto delay. Reachable only
// through a governance proposal.
func (e *Escrow) SetMinAssetsLockDuration(d time.Duration) {
	e.mu.Lock()
	e.minLockDuration = d
	e.mu.Unlock()
	e.publish(MinLockDurationSetEventType, d)
}

// LockStake converts a native stake amount to shares and locks them for the
// calling vetoer
func (e *Escrow) LockStake(vetoer types.Address, value *uint256.Int) error {
	shares := e.stake.SharesByValue(value)
	return e.lockShares(vetoer, shares)
}

// LockWrappedStake locks an already share-denominated amount
func (e *Escrow) LockWrappedStake(
	vetoer types.Address,
	shares *uint256.Int,
) error {
	return e.lockShares(vetoer, shares.Clone())
}

func (e *Escrow) lockShares(vetoer types.Address, shares *uint256.Int) error {
	e.mu.Lock()
	if e.state != StateSignallingEscrow {
		e.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotSignallingEscrow, e.state)
	}
	if err := e.stake.TransferShares(vetoer, e.cfg.Address, shares); err != nil {
		e.mu.Unlock()
		return err
	}
	v := e.vetoer(vetoer)
	v.stakeLockedShares.Add(v.stakeLockedShares, shares)
	v.lastLockAt = e.clock.Now()
	e.totals.StakeLockedShares.Add(e.totals.StakeLockedShares, shares)
	e.updateMetrics()
	e.mu.Unlock()
	e.logger.Debug(
		"stake locked",
		"component", "escrow",
		"vetoer", vetoer.String(),
		"shares", shares.String(),
	)
	e.publish(AssetsLockedEventType, AssetsLockedEvent{
		Escrow: e.cfg.Address,
		Vetoer: vetoer,
		Shares: shares.String(),
	})
	return e.pokeGovernance()
}

// UnlockStake returns every share the vetoer has locked, provided the
// minimum lock duration has elapsed since their last lock. Returns the
// unlocked share amount.
func (e *Escrow) UnlockStake(vetoer types.Address) (*uint256.Int, error) {
	e.mu.Lock()
	if e.state != StateSignallingEscrow {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: state is %s", ErrNotSignallingEscrow, e.state)
	}
	v, ok := e.vetoers[vetoer]
	if !ok || v.stakeLockedShares.IsZero() {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNothingLocked, vetoer)
	}
	if err := e.checkUnlockDelay(v); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	shares := v.stakeLockedShares.Clone()
	if err := e.stake.TransferShares(e.cfg.Address, vetoer, shares); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	v.stakeLockedShares.Clear()
	e.totals.StakeLockedShares.Sub(e.totals.StakeLockedShares, shares)
	e.updateMetrics()
	e.mu.Unlock()
	e.logger.Debug(
		"stake unlocked",
		"component", "escrow",
		"vetoer", vetoer.String(),
		"shares", shares.String(),
	)
	e.publish(AssetsUnlockedEventType, AssetsUnlockedEvent{
		Escrow: e.cfg.Address,
		Vetoer: vetoer,
		Shares: shares.String(),
	})
	if err := e.pokeGovernance(); err != nil {
		return nil, err
	}
	return shares, nil
}

// LockWithdrawalRequests locks discrete withdrawal-request tokens for the
// calling vetoer. Only unfinalized, unclaimed requests owned by the vetoer
// are accepted; all validation happens before any token moves.
func (e *Escrow) LockWithdrawalRequests(
	vetoer types.Address,
	ids []uint64,
) error {
	statuses, err := e.queue.Statuses(ids)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.state != StateSignallingEscrow {
		e.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotSignallingEscrow, e.state)
	}
	seen := make(map[uint64]struct{}, len(ids))
	for i, status := range statuses {
		if _, dup := seen[ids[i]]; dup {
			e.mu.Unlock()
			return fmt.Errorf("%w: id %d", ErrDuplicateRequestId, ids[i])
		}
		seen[ids[i]] = struct{}{}
		if _, locked := e.requests[ids[i]]; locked {
			e.mu.Unlock()
			return fmt.Errorf("%w: id %d", ErrRequestAlreadyLocked, ids[i])
		}
		if status.Owner != vetoer {
			e.mu.Unlock()
			return fmt.Errorf("%w: id %d", ledger.ErrNotRequestOwner, ids[i])
		}
		if status.IsFinalized || status.IsClaimed {
			e.mu.Unlock()
			return fmt.Errorf(
				"cannot lock finalized or claimed request: id %d",
				ids[i],
			)
		}
	}
	for i, status := range statuses {
		if err := e.queue.Transfer(ids[i], vetoer, e.cfg.Address); err != nil {
			// Validation above makes this unreachable barring a ledger bug
			e.mu.Unlock()
			return fmt.Errorf("transfer of request %d failed: %w", ids[i], err)
		}
		v := e.vetoer(vetoer)
		v.withdrawalLockedShares.Add(
			v.withdrawalLockedShares,
			status.AmountOfShares,
		)
		v.withdrawalIds = append(v.withdrawalIds, ids[i])
		v.lastLockAt = e.clock.Now()
		e.totals.WithdrawalUnfinalizedShares.Add(
			e.totals.WithdrawalUnfinalizedShares,
			status.AmountOfShares,
		)
		e.requests[ids[i]] = &lockedRequest{
			vetoer: vetoer,
			shares: status.AmountOfShares.Clone(),
			value:  status.AmountOfValue.Clone(),
		}
	}
	e.updateMetrics()
	e.mu.Unlock()
	e.logger.Debug(
		"withdrawal requests locked",
		"component", "escrow",
		"vetoer", vetoer.String(),
		"count", len(ids),
	)
	e.publish(AssetsLockedEventType, AssetsLockedEvent{
		Escrow: e.cfg.Address,
		Vetoer: vetoer,
	})
	return e.pokeGovernance()
}

// UnlockWithdrawalRequests returns previously locked request tokens to the
// vetoer. Requests already marked finalized stay locked; their value is
// part of the escrow's finalized accounting.
func (e *Escrow) UnlockWithdrawalRequests(
	vetoer types.Address,
	ids []uint64,
) error {
	e.mu.Lock()
	if e.state != StateSignallingEscrow {
		e.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotSignallingEscrow, e.state)
	}
	v, ok := e.vetoers[vetoer]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNothingLocked, vetoer)
	}
	if err := e.checkUnlockDelay(v); err != nil {
		e.mu.Unlock()
		return err
	}
	seen := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			e.mu.Unlock()
			return fmt.Errorf("%w: id %d", ErrDuplicateRequestId, id)
		}
		seen[id] = struct{}{}
		req, locked := e.requests[id]
		if !locked || req.vetoer != vetoer {
			e.mu.Unlock()
			return fmt.Errorf("%w: id %d", ErrRequestNotLockedByVetoer, id)
		}
		if req.finalizedValue != nil {
			e.mu.Unlock()
			return fmt.Errorf("%w: id %d", ErrRequestFinalizedLocked, id)
		}
	}
	for _, id := range ids {
		req := e.requests[id]
		if err := e.queue.Transfer(id, e.cfg.Address, vetoer); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("transfer of request %d failed: %w", id, err)
		}
		v.withdrawalLockedShares.Sub(v.withdrawalLockedShares, req.shares)
		e.totals.WithdrawalUnfinalizedShares.Sub(
			e.totals.WithdrawalUnfinalizedShares,
			req.shares,
		)
		v.withdrawalIds = removeId(v.withdrawalIds, id)
		delete(e.requests, id)
	}
	e.updateMetrics()
	e.mu.Unlock()
	e.publish(AssetsUnlockedEventType, AssetsUnlockedEvent{
		Escrow: e.cfg.Address,
		Vetoer: vetoer,
	})
	return e.pokeGovernance()
}

// MarkFinalized moves locked requests that the external queue has finalized
// from share-denominated to value-denominated accounting. Callable by
// anyone; unknown or already-marked ids are skipped.
func (e *Escrow) MarkFinalized(ids []uint64) error {
	statuses, err := e.queue.Statuses(ids)
	if err != nil {
		return err
	}
	e.mu.Lock()
	changed := false
	for i, status := range statuses {
		req, locked := e.requests[ids[i]]
		if !locked || req.finalizedValue != nil || !status.IsFinalized {
			continue
		}
		req.finalizedValue = status.AmountOfValue.Clone()
		e.totals.WithdrawalUnfinalizedShares.Sub(
			e.totals.WithdrawalUnfinalizedShares,
			req.shares,
		)
		e.totals.WithdrawalFinalizedValue.Add(
			e.totals.WithdrawalFinalizedValue,
			req.finalizedValue,
		)
		changed = true
	}
	if changed {
		e.updateMetrics()
	}
	e.mu.Unlock()
	if changed {
		return e.pokeGovernance()
	}
	return nil
}

// RageQuitSupport computes the normalized veto-support fraction the state
// machine consumes. Numerator: current value of locked plus unfinalized
// shares, plus finalized withdrawal value. Denominator: total outstanding
// supply plus finalized withdrawal value.
func (e *Escrow) RageQuitSupport() types.PercentD16 {
	e.mu.Lock()
	lockedShares := new(uint256.Int).Add(
		e.totals.StakeLockedShares,
		e.totals.WithdrawalUnfinalizedShares,
	)
	finalizedValue := e.totals.WithdrawalFinalizedValue.Clone()
	e.mu.Unlock()
	num := e.stake.ValueByShares(lockedShares)
	num.Add(num, finalizedValue)
	den := e.stake.TotalSupplyValue()
	den.Add(den, finalizedValue)
	return types.PercentFromFraction(num, den)
}

// VetoerStakeShares returns the stake shares currently locked by an account
func (e *Escrow) VetoerStakeShares(vetoer types.Address) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.vetoers[vetoer]; ok {
		return v.stakeLockedShares.Clone()
	}
	return uint256.NewInt(0)
}

func (e *Escrow) vetoer(addr types.Address) *vetoerState {
	v, ok := e.vetoers[addr]
	if !ok {
		v = &vetoerState{
			stakeLockedShares:      uint256.NewInt(0),
			withdrawalLockedShares: uint256.NewInt(0),
		}
		e.vetoers[addr] = v
	}
	return v
}

func (e *Escrow) checkUnlockDelay(v *vetoerState) error {
	unlockableAt := v.lastLockAt.Add(e.minLockDuration)
	if e.clock.Now().Before(unlockableAt) {
		return &UnlockDelayError{UnlockableAt: unlockableAt}
	}
	return nil
}

func (e *Escrow) pokeGovernance() error {
	e.mu.Lock()
	hook := e.hook
	e.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook.ActivateNextState()
}

func (e *Escrow) publish(eventType event.EventType, data any) {
	if e.eventBus == nil {
		return
	}
	e.eventBus.Publish(eventType, event.NewEvent(eventType, data))
}

func (e *Escrow) updateMetrics() {
	if e.metrics == nil {
		return
	}
	addr := e.cfg.Address.String()
	e.metrics.lockedShares.WithLabelValues(addr).
		Set(u256Float(e.totals.StakeLockedShares))
	e.metrics.unfinalizedShares.WithLabelValues(addr).
		Set(u256Float(e.totals.WithdrawalUnfinalizedShares))
	e.metrics.finalizedValue.WithLabelValues(addr).
		Set(u256Float(e.totals.WithdrawalFinalizedValue))
	e.metrics.claimedValue.WithLabelValues(addr).
		Set(u256Float(e.totals.StakeClaimedValue))
}

func removeId(ids []uint64, id uint64) []uint64 {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
