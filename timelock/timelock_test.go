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

package timelock_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gatehouse-labs/drawbridge/timelock"
	"github.com/gatehouse-labs/drawbridge/types"
)

var (
	testAdminExecutor = types.MustParseAddress(
		"0x1111111111111111111111111111111111111111",
	)
	testProposer = types.MustParseAddress(
		"0x2222222222222222222222222222222222222222",
	)
	testActivationCommittee = types.MustParseAddress(
		"0x3333333333333333333333333333333333333333",
	)
	testExecutionCommittee = types.MustParseAddress(
		"0x4444444444444444444444444444444444444444",
	)
	testFallbackGovernance = types.MustParseAddress(
		"0x5555555555555555555555555555555555555555",
	)
	testOutsider = types.MustParseAddress(
		"0x9999999999999999999999999999999999999999",
	)
)

type recordingDispatcher struct {
	mu         sync.Mutex
	dispatched [][]types.ExternalCall
	failWith   error
}

func (d *recordingDispatcher) Dispatch(
	executor types.Address,
	calls []types.ExternalCall,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != nil {
		return d.failWith
	}
	d.dispatched = append(d.dispatched, calls)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dispatched)
}

func newTestTimelock(
	t *testing.T,
	clock types.Clock,
	dispatcher timelock.CallDispatcher,
) (*timelock.Timelock, *timelock.Registry) {
	t.Helper()
	registry := timelock.NewRegistry(testAdminExecutor, nil)
	require.NoError(
		t,
		registry.RegisterProposer(
			testAdminExecutor,
			testProposer,
			testAdminExecutor,
		),
	)
	tl, err := timelock.NewTimelock(timelock.TimelockConfig{
		Clock:              clock,
		Registry:           registry,
		Dispatcher:         dispatcher,
		AfterSubmitDelay:   3 * time.Hour,
		AfterScheduleDelay: 2 * time.Hour,
		Emergency: timelock.EmergencyProtectionConfig{
			ActivationCommittee: testActivationCommittee,
			ExecutionCommittee:  testExecutionCommittee,
			ProtectionExpiresAt: types.Timestamp(1_000_000).
				Add(365 * 24 * time.Hour),
			ModeDuration:        30 * 24 * time.Hour,
			EmergencyGovernance: testFallbackGovernance,
		},
	})
	require.NoError(t, err)
	return tl, registry
}

func testCalls() []types.ExternalCall {
	return []types.ExternalCall{
		{Target: testOutsider, Payload: []byte{0x01, 0x02}},
	}
}

func TestRegistryAuthorization(t *testing.T) {
	defer goleak.VerifyNone(t)
	registry := timelock.NewRegistry(testAdminExecutor, nil)

	err := registry.RegisterProposer(
		testOutsider, testProposer, testAdminExecutor,
	)
	require.ErrorIs(t, err, timelock.ErrNotAdminExecutor)

	require.NoError(t, registry.RegisterProposer(
		testAdminExecutor, testProposer, testAdminExecutor,
	))
	assert.True(t, registry.IsProposer(testProposer))
	assert.True(t, registry.IsAdminProposer(testProposer))
	assert.True(t, registry.IsExecutor(testAdminExecutor))
	assert.False(t, registry.IsProposer(testOutsider))

	err = registry.RegisterProposer(
		testAdminExecutor, testProposer, testAdminExecutor,
	)
	require.ErrorIs(t, err, timelock.ErrProposerAlreadyExists)

	require.NoError(
		t,
		registry.UnregisterProposer(testAdminExecutor, testProposer),
	)
	assert.False(t, registry.IsProposer(testProposer))
	err = registry.UnregisterProposer(testAdminExecutor, testProposer)
	require.ErrorIs(t, err, timelock.ErrProposerNotRegistered)
}

func TestProposalLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)
	clock := types.NewManualClock(types.Timestamp(1_000_000))
	dispatcher := &recordingDispatcher{}
	tl, _ := newTestTimelock(t, clock, dispatcher)

	// Unregistered proposer is rejected
	_, err := tl.Submit(testOutsider, types.ZeroAddress, testCalls())
	require.ErrorIs(t, err, timelock.ErrNotProposer)

	// Zero executor resolves to the registered binding
	id, err := tl.Submit(testProposer, types.ZeroAddress, testCalls())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	p, err := tl.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, testAdminExecutor, p.Executor)
	assert.Equal(t, timelock.ProposalPending, p.Status)

	// Mismatched executor is rejected
	_, err = tl.Submit(testProposer, testOutsider, testCalls())
	require.ErrorIs(t, err, timelock.ErrInvalidExecutorBinding)

	// Scheduling is gated by the after-submit delay
	err = tl.Schedule(id)
	var delayErr *timelock.DelayError
	require.ErrorAs(t, err, &delayErr)
	clock.Advance(3 * time.Hour)
	require.NoError(t, tl.Schedule(id))
	err = tl.Schedule(id)
	require.ErrorIs(t, err, timelock.ErrProposalNotPending)

	// Execution is gated by the after-schedule delay and leaves the
	// proposal scheduled on failure
	err = tl.Execute(id)
	require.ErrorAs(t, err, &delayErr)
	p, err = tl.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, timelock.ProposalScheduled, p.Status)

	clock.Advance(2 * time.Hour)
	require.NoError(t, tl.Execute(id))
	assert.Equal(t, 1, dispatcher.count())
	p, err = tl.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, timelock.ProposalExecuted, p.Status)

	// A proposal executes exactly once
	err = tl.Execute(id)
	require.ErrorIs(t, err, timelock.ErrProposalNotScheduled)
	assert.Equal(t, 1, dispatcher.count())
}

func TestDispatchFailureLeavesProposalScheduled(t *testing.T) {
	defer goleak.VerifyNone(t)
	clock := types.NewManualClock(types.Timestamp(1_000_000))
	dispatcher := &recordingDispatcher{failWith: errors.New("call reverted")}
	tl, _ := newTestTimelock(t, clock, dispatcher)

	id, err := tl.Submit(testProposer, types.ZeroAddress, testCalls())
	require.NoError(t, err)
	clock.Advance(3 * time.Hour)
	require.NoError(t, tl.Schedule(id))
	clock.Advance(2 * time.Hour)

	require.Error(t, tl.Execute(id))
	p, err := tl.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, timelock.ProposalScheduled, p.Status)

	// Retry succeeds once the dispatcher recovers
	dispatcher.mu.Lock()
	dispatcher.failWith = nil
	dispatcher.mu.Unlock()
	require.NoError(t, tl.Execute(id))
}

func TestCancelAllWatermark(t *testing.T) {
	defer goleak.VerifyNone(t)
	clock := types.NewManualClock(types.Timestamp(1_000_000))
	dispatcher := &recordingDispatcher{}
	tl, _ := newTestTimelock(t, clock, dispatcher)

	executed, err := tl.Submit(testProposer, types.ZeroAddress, testCalls())
	require.NoError(t, err)
	pending, err := tl.Submit(testProposer, types.ZeroAddress, testCalls())
	require.NoError(t, err)
	clock.Advance(3 * time.Hour)
	require.NoError(t, tl.Schedule(executed))
	scheduled, err := tl.Submit(testProposer, types.ZeroAddress, testCalls())
	require.NoError(t, err)
	clock.Advance(3 * time.Hour)
	require.NoError(t, tl.Schedule(scheduled))
	require.NoError(t, tl.Execute(executed))

	require.NoError(t, tl.CancelAllNonExecutedProposals())

	p, err := tl.GetProposal(executed)
	require.NoError(t, err)
	assert.Equal(t, timelock.ProposalExecuted, p.Status)
	p, err = tl.GetProposal(pending)
	require.NoError(t, err)
	assert.Equal(t, timelock.ProposalCancelled, p.Status)
	p, err = tl.GetProposal(scheduled)
	require.NoError(t, err)
	assert.Equal(t, timelock.ProposalCancelled, p.Status)

	// Cancelled proposals cannot move forward
	require.ErrorIs(t, tl.Schedule(pending), timelock.ErrProposalNotPending)
	require.ErrorIs(
		t,
		tl.Execute(scheduled),
		timelock.ErrProposalNotScheduled,
	)

	// Proposals submitted after the cancel are unaffected
	fresh, err := tl.Submit(testProposer, types.ZeroAddress, testCalls())
	require.NoError(t, err)
	p, err = tl.GetProposal(fresh)
	require.NoError(t, err)
	assert.Equal(t, timelock.ProposalPending, p.Status)
}

func TestEmergencyMode(t *testing.T) {
	defer goleak.VerifyNone(t)
	clock := types.NewManualClock(types.Timestamp(1_000_000))
	dispatcher := &recordingDispatcher{}
	tl, _ := newTestTimelock(t, clock, dispatcher)
	assert.True(t, tl.IsEmergencyProtectionEnabled())

	// Only the activation committee may activate
	err := tl.ActivateEmergencyMode(testOutsider)
	require.ErrorIs(t, err, timelock.ErrNotActivationCommittee)
	require.NoError(t, tl.ActivateEmergencyMode(testActivationCommittee))
	assert.True(t, tl.IsEmergencyModeActive())
	err = tl.ActivateEmergencyMode(testActivationCommittee)
	require.ErrorIs(t, err, timelock.ErrEmergencyModeActive)

	// Submission and scheduling proceed normally during the mode
	id, err := tl.Submit(testProposer, types.ZeroAddress, testCalls())
	require.NoError(t, err)
	clock.Advance(3 * time.Hour)
	require.NoError(t, tl.Schedule(id))
	clock.Advance(2 * time.Hour)

	// Normal execution is blocked, committee execution is not
	err = tl.Execute(id)
	require.ErrorIs(t, err, timelock.ErrEmergencyModeActive)
	err = tl.EmergencyExecute(testOutsider, id)
	require.ErrorIs(t, err, timelock.ErrNotExecutionCommittee)
	require.NoError(t, tl.EmergencyExecute(testExecutionCommittee, id))
	assert.Equal(t, 1, dispatcher.count())

	// The committee cannot bypass the after-schedule delay
	blocked, err := tl.Submit(testProposer, types.ZeroAddress, testCalls())
	require.NoError(t, err)
	clock.Advance(3 * time.Hour)
	require.NoError(t, tl.Schedule(blocked))
	var delayErr *timelock.DelayError
	err = tl.EmergencyExecute(testExecutionCommittee, blocked)
	require.ErrorAs(t, err, &delayErr)

	// Early deactivation by an outsider is rejected; after natural expiry
	// anyone may deactivate, which cancels the stuck proposal
	require.ErrorIs(
		t,
		tl.DeactivateEmergencyMode(),
		timelock.ErrEmergencyModeNotEnded,
	)
	clock.Advance(30 * 24 * time.Hour)
	assert.True(t, tl.IsEmergencyModeActive())
	require.NoError(t, tl.DeactivateEmergencyMode())
	assert.False(t, tl.IsEmergencyModeActive())
	p, err := tl.GetProposal(blocked)
	require.NoError(t, err)
	assert.Equal(t, timelock.ProposalCancelled, p.Status)

	// Normal operation resumes
	fresh, err := tl.Submit(testProposer, types.ZeroAddress, testCalls())
	require.NoError(t, err)
	clock.Advance(3 * time.Hour)
	require.NoError(t, tl.Schedule(fresh))
	clock.Advance(2 * time.Hour)
	require.NoError(t, tl.Execute(fresh))
}

// Once the override window closes, committee execution reports expiry
// rather than a not-yet-ended mode
func TestEmergencyExecuteAfterWindowExpiry(t *testing.T) {
	defer goleak.VerifyNone(t)
	clock := types.NewManualClock(types.Timestamp(1_000_000))
	dispatcher := &recordingDispatcher{}
	tl, _ := newTestTimelock(t, clock, dispatcher)
	require.NoError(t, tl.ActivateEmergencyMode(testActivationCommittee))

	id, err := tl.Submit(testProposer, types.ZeroAddress, testCalls())
	require.NoError(t, err)
	clock.Advance(3 * time.Hour)
	require.NoError(t, tl.Schedule(id))

	clock.Advance(30 * 24 * time.Hour)
	err = tl.EmergencyExecute(testExecutionCommittee, id)
	require.ErrorIs(t, err, timelock.ErrEmergencyWindowExpired)
	assert.Equal(t, 0, dispatcher.count())
}

func TestEmergencyReset(t *testing.T) {
	defer goleak.VerifyNone(t)
	clock := types.NewManualClock(types.Timestamp(1_000_000))
	dispatcher := &recordingDispatcher{}
	tl, _ := newTestTimelock(t, clock, dispatcher)

	id, err := tl.Submit(testProposer, types.ZeroAddress, testCalls())
	require.NoError(t, err)
	require.NoError(t, tl.ActivateEmergencyMode(testActivationCommittee))

	err = tl.EmergencyReset(testOutsider)
	require.ErrorIs(t, err, timelock.ErrNotExecutionCommittee)
	require.NoError(t, tl.EmergencyReset(testExecutionCommittee))

	// Reset cancels proposals, re-points governance, and permanently
	// disables the protection mechanism
	p, err := tl.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, timelock.ProposalCancelled, p.Status)
	assert.Equal(t, testFallbackGovernance, tl.Governance())
	assert.False(t, tl.IsEmergencyModeActive())
	assert.False(t, tl.IsEmergencyProtectionEnabled())
	err = tl.ActivateEmergencyMode(testActivationCommittee)
	require.Error(t, err)
}

func TestActivationAfterProtectionExpiry(t *testing.T) {
	defer goleak.VerifyNone(t)
	clock := types.NewManualClock(types.Timestamp(1_000_000))
	tl, _ := newTestTimelock(t, clock, &recordingDispatcher{})

	clock.Advance(366 * 24 * time.Hour)
	assert.False(t, tl.IsEmergencyProtectionEnabled())
	err := tl.ActivateEmergencyMode(testActivationCommittee)
	require.ErrorIs(t, err, timelock.ErrProtectionExpired)
}

func TestSetGovernance(t *testing.T) {
	defer goleak.VerifyNone(t)
	clock := types.NewManualClock(types.Timestamp(1_000_000))
	tl, _ := newTestTimelock(t, clock, &recordingDispatcher{})

	err := tl.SetGovernance(testOutsider, testFallbackGovernance)
	require.ErrorIs(t, err, timelock.ErrNotAdminExecutor)
	require.NoError(
		t,
		tl.SetGovernance(testAdminExecutor, testFallbackGovernance),
	)
	assert.Equal(t, testFallbackGovernance, tl.Governance())
}
