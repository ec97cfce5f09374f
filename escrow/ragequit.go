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
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/gatehouse-labs/drawbridge/types"
)

// StartRageQuit freezes the escrow into its terminal rage-quit role and
// opens the withdrawals batch queue. Callable only by the governance state
// machine, exactly once per escrow instance.
func (e *Escrow) StartRageQuit(
	extensionPeriod time.Duration,
	withdrawalsTimelock time.Duration,
) error {
	e.mu.Lock()
	if e.state != StateSignallingEscrow {
		e.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotSignallingEscrow, e.state)
	}
	e.state = StateRageQuitEscrow
	e.extensionPeriod = extensionPeriod
	e.withdrawalsTimelock = withdrawalsTimelock
	e.queueState = batchQueueOpened
	// Snapshot of the collateral value still to be pushed through the
	// external withdrawal queue. Batches draw it down to zero.
	e.remainingValue = e.stake.ValueByShares(e.totals.StakeLockedShares)
	e.mu.Unlock()
	e.logger.Info(
		"rage quit started",
		"component", "escrow",
		"extension_period", extensionPeriod.String(),
		"withdrawals_timelock", withdrawalsTimelock.String(),
	)
	e.publish(RageQuitStartedEventType, RageQuitStartedEvent{
		Escrow: e.cfg.Address,
	})
	return nil
}

// RequestNextWithdrawalsBatch converts the next tranche of locked stake into
// withdrawal requests on the external queue. Permissionless. Requests are
// sized at the queue's maximum, up to maxBatchSize of them per call; once
// the remaining collateral drops below the queue's minimum request size the
// queue closes.
func (e *Escrow) RequestNextWithdrawalsBatch(maxBatchSize int) error {
	if maxBatchSize < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, maxBatchSize)
	}
	e.mu.Lock()
	if e.state != StateRageQuitEscrow {
		e.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotRageQuitEscrow, e.state)
	}
	if e.queueState != batchQueueOpened {
		e.mu.Unlock()
		return ErrBatchQueueNotOpened
	}
	minRequest := e.queue.MinRequestValue()
	maxRequest := e.queue.MaxRequestValue()
	if e.remainingValue.Lt(minRequest) {
		e.closeQueueLocked()
		e.mu.Unlock()
		e.publish(QueueClosedEventType, e.cfg.Address)
		return nil
	}
	amounts := make([]*uint256.Int, 0, maxBatchSize)
	remaining := e.remainingValue.Clone()
	for len(amounts) < maxBatchSize && !remaining.Lt(minRequest) {
		amount := maxRequest.Clone()
		if remaining.Lt(amount) {
			amount = remaining.Clone()
		}
		amounts = append(amounts, amount)
		remaining.Sub(remaining, amount)
	}
	ids, err := e.queue.RequestWithdrawals(e.cfg.Address, amounts)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("batch withdrawal request failed: %w", err)
	}
	e.remainingValue = remaining
	e.batches = append(e.batches, withdrawalsBatch{ids: ids})
	closed := false
	if e.remainingValue.Lt(minRequest) {
		e.closeQueueLocked()
		closed = true
	}
	e.mu.Unlock()
	e.logger.Debug(
		"withdrawals batch enqueued",
		"component", "escrow",
		"requests", len(ids),
		"queue_closed", closed,
	)
	e.publish(BatchEnqueuedEventType, ids)
	if closed {
		e.publish(QueueClosedEventType, e.cfg.Address)
	}
	return nil
}

// ClaimNextWithdrawalsBatch claims the oldest unclaimed batch from the
// external queue, in strict FIFO order. When the final batch of a closed
// queue is claimed the rage quit extension clock starts.
func (e *Escrow) ClaimNextWithdrawalsBatch() error {
	e.mu.Lock()
	if e.state != StateRageQuitEscrow {
		e.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotRageQuitEscrow, e.state)
	}
	if e.nextClaimBatch >= len(e.batches) {
		e.mu.Unlock()
		return ErrNothingToClaim
	}
	batch := &e.batches[e.nextClaimBatch]
	claimed, err := e.queue.Claim(e.cfg.Address, batch.ids)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("batch claim failed: %w", err)
	}
	batch.claimed = true
	e.nextClaimBatch++
	e.totals.StakeClaimedValue.Add(e.totals.StakeClaimedValue, claimed)
	e.updateMetrics()
	extensionStarted := false
	if e.queueState == batchQueueClosed &&
		e.nextClaimBatch == len(e.batches) &&
		e.extensionStartedAt.IsZero() {
		e.extensionStartedAt = e.clock.Now()
		extensionStarted = true
	}
	e.mu.Unlock()
	e.logger.Debug(
		"withdrawals batch claimed",
		"component", "escrow",
		"value", claimed.String(),
	)
	e.publish(BatchClaimedEventType, claimed.String())
	if extensionStarted {
		e.logger.Info(
			"rage quit extension period started",
			"component", "escrow",
		)
		e.publish(ExtensionStartedEventType, e.cfg.Address)
	}
	return nil
}

// UnclaimedBatchCount returns the number of enqueued batches not yet claimed
func (e *Escrow) UnclaimedBatchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.batches) - e.nextClaimBatch
}

// IsWithdrawalsBatchQueueClosed reports whether every tranche of locked
// stake has been pushed to the external queue
func (e *Escrow) IsWithdrawalsBatchQueueClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queueState == batchQueueClosed
}

// IsRageQuitFinalized reports whether the rage quit has fully settled: the
// batch queue is closed, every batch is claimed, and the extension period
// has elapsed
func (e *Escrow) IsRageQuitFinalized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isRageQuitFinalizedLocked()
}

func (e *Escrow) isRageQuitFinalizedLocked() bool {
	if e.state != StateRageQuitEscrow {
		return false
	}
	if e.queueState != batchQueueClosed {
		return false
	}
	if e.nextClaimBatch < len(e.batches) {
		return false
	}
	if e.extensionStartedAt.IsZero() {
		return false
	}
	return !e.clock.Now().
		Before(e.extensionStartedAt.Add(e.extensionPeriod))
}

// WithdrawableAt returns the timestamp from which vetoers may withdraw
// their pro-rata value, or the zero timestamp if the extension clock has
// not started
func (e *Escrow) WithdrawableAt() types.Timestamp {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.extensionStartedAt.IsZero() {
		return types.Timestamp(0)
	}
	return e.extensionStartedAt.
		Add(e.extensionPeriod).
		Add(e.withdrawalsTimelock)
}

// WithdrawValue pays out the vetoer's pro-rata portion of the claimed
// collateral. Each account withdraws at most once, and only after the rage
// quit is finalized and the withdrawals timelock has elapsed.
func (e *Escrow) WithdrawValue(vetoer types.Address) (*uint256.Int, error) {
	e.mu.Lock()
	if !e.isRageQuitFinalizedLocked() {
		e.mu.Unlock()
		return nil, ErrRageQuitNotFinalized
	}
	withdrawableAt := e.extensionStartedAt.
		Add(e.extensionPeriod).
		Add(e.withdrawalsTimelock)
	if e.clock.Now().Before(withdrawableAt) {
		e.mu.Unlock()
		return nil, fmt.Errorf(
			"%w: withdrawable at %s",
			ErrWithdrawalsDelayActive,
			withdrawableAt,
		)
	}
	v, ok := e.vetoers[vetoer]
	if !ok || v.stakeLockedShares.IsZero() {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNothingLocked, vetoer)
	}
	if v.withdrawn {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyWithdrawn, vetoer)
	}
	// value = claimed * vetoerShares / totalLockedShares
	value := new(uint256.Int).Mul(
		e.totals.StakeClaimedValue,
		v.stakeLockedShares,
	)
	value.Div(value, e.totals.StakeLockedShares)
	v.withdrawn = true
	e.mu.Unlock()
	e.logger.Info(
		"rage quit value withdrawn",
		"component", "escrow",
		"vetoer", vetoer.String(),
		"value", value.String(),
	)
	e.publish(ValueWithdrawnEventType, ValueWithdrawnEvent{
		Escrow: e.cfg.Address,
		Vetoer: vetoer,
		Value:  value.String(),
	})
	return value, nil
}

// caller must hold e.mu
func (e *Escrow) closeQueueLocked() {
	e.queueState = batchQueueClosed
	// Every enqueued batch may already be claimed, leaving no final claim
	// to start the extension clock; start it now
	if e.nextClaimBatch == len(e.batches) && e.extensionStartedAt.IsZero() {
		e.extensionStartedAt = e.clock.Now()
	}
}
