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

package governance_test

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gatehouse-labs/drawbridge/governance"
	"github.com/gatehouse-labs/drawbridge/types"
)

var govAdmin = types.Address{0xaa}

// fakeEscrow lets tests drive veto support and rage quit finalization
// directly
type fakeEscrow struct {
	mu              sync.Mutex
	addr            types.Address
	support         types.PercentD16
	rageQuitStarted bool
	finalized       bool
	extension       time.Duration
	withdrawals     time.Duration
	minLock         time.Duration
}

func (e *fakeEscrow) Address() types.Address {
	return e.addr
}

func (e *fakeEscrow) RageQuitSupport() types.PercentD16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.support
}

func (e *fakeEscrow) StartRageQuit(
	extension, withdrawals time.Duration,
) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rageQuitStarted = true
	e.extension = extension
	e.withdrawals = withdrawals
	return nil
}

func (e *fakeEscrow) IsRageQuitFinalized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalized
}

func (e *fakeEscrow) SetMinAssetsLockDuration(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.minLock = d
}

func (e *fakeEscrow) lockDuration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.minLock
}

func (e *fakeEscrow) setSupport(pct uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.support = types.PercentD16(pct) * types.OnePercentD16
}

func (e *fakeEscrow) setFinalized() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalized = true
}

type fakeFactory struct {
	mu       sync.Mutex
	deployed []*fakeEscrow
}

func (f *fakeFactory) Deploy() governance.Escrow {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEscrow{}
	e.addr[0] = byte(len(f.deployed) + 1)
	f.deployed = append(f.deployed, e)
	return e
}

func (f *fakeFactory) latest() *fakeEscrow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deployed[len(f.deployed)-1]
}

func testConfig() governance.Config {
	return governance.Config{
		FirstSealRageQuitSupport:              3 * types.OnePercentD16,
		SecondSealRageQuitSupport:             15 * types.OnePercentD16,
		DynamicTimelockMinDuration:            3 * 24 * time.Hour,
		DynamicTimelockMaxDuration:            30 * 24 * time.Hour,
		VetoSignallingMinActiveDuration:       5 * time.Hour,
		VetoSignallingDeactivationMaxDuration: 5 * 24 * time.Hour,
		VetoCooldownDuration:                  4 * time.Hour,
		RageQuitExtensionPeriod:               7 * 24 * time.Hour,
		RageQuitWithdrawalsMinTimelock:        30 * 24 * time.Hour,
		RageQuitWithdrawalsMaxTimelock:        180 * 24 * time.Hour,
		RageQuitWithdrawalsTimelockGrowth:     15 * 24 * time.Hour,
		MaxMinAssetsLockDuration:              48 * 24 * time.Hour,
	}
}

func newTestGovernance(
	t *testing.T,
) (*governance.DualGovernance, *fakeFactory, *types.ManualClock) {
	t.Helper()
	clock := types.NewManualClock(types.Timestamp(1_000_000))
	factory := &fakeFactory{}
	gov, err := governance.NewDualGovernance(governance.DualGovernanceConfig{
		Clock:         clock,
		Config:        testConfig(),
		EscrowFactory: factory,
		AdminExecutor: govAdmin,
	})
	require.NoError(t, err)
	return gov, factory, clock
}

func TestConfigValidate(t *testing.T) {
	defer goleak.VerifyNone(t)
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.FirstSealRageQuitSupport = cfg.SecondSealRageQuitSupport
	require.Error(t, bad.Validate())

	bad = cfg
	bad.FirstSealRageQuitSupport = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.DynamicTimelockMinDuration = cfg.DynamicTimelockMaxDuration + 1
	require.Error(t, bad.Validate())
}

func TestNormalUntilFirstSeal(t *testing.T) {
	defer goleak.VerifyNone(t)
	gov, factory, _ := newTestGovernance(t)
	assert.Equal(t, governance.PhaseNormal, gov.Phase())

	// At exactly the first seal, still Normal
	factory.latest().setSupport(3)
	require.NoError(t, gov.ActivateNextState())
	assert.Equal(t, governance.PhaseNormal, gov.Phase())

	factory.latest().setSupport(4)
	require.NoError(t, gov.ActivateNextState())
	assert.Equal(t, governance.PhaseVetoSignalling, gov.Phase())
}

// The full happy-path walk: signalling, deactivation, cooldown, back to
// Normal
func TestSignallingDeactivationCooldownWalk(t *testing.T) {
	defer goleak.VerifyNone(t)
	gov, factory, clock := newTestGovernance(t)

	factory.latest().setSupport(4)
	require.NoError(t, gov.ActivateNextState())
	require.Equal(t, governance.PhaseVetoSignalling, gov.Phase())

	// Support of 4% sits 1/12 of the way between the seals:
	// timelock = 3d + 27d/12 = 5d6h
	clock.Advance(5 * 24 * time.Hour)
	require.NoError(t, gov.ActivateNextState())
	assert.Equal(t, governance.PhaseVetoSignalling, gov.Phase())

	clock.Advance(7 * time.Hour)
	require.NoError(t, gov.ActivateNextState())
	require.Equal(t, governance.PhaseVetoSignallingDeactivation, gov.Phase())

	// Deactivation holds until its max duration elapses
	clock.Advance(4 * 24 * time.Hour)
	require.NoError(t, gov.ActivateNextState())
	assert.Equal(t, governance.PhaseVetoSignallingDeactivation, gov.Phase())

	clock.Advance(24 * time.Hour)
	require.NoError(t, gov.ActivateNextState())
	require.Equal(t, governance.PhaseVetoCooldown, gov.Phase())

	// Cooldown holds for its fixed duration, then Normal when support is
	// back under the first seal
	factory.latest().setSupport(1)
	require.NoError(t, gov.ActivateNextState())
	assert.Equal(t, governance.PhaseVetoCooldown, gov.Phase())
	clock.Advance(4 * time.Hour)
	require.NoError(t, gov.ActivateNextState())
	assert.Equal(t, governance.PhaseNormal, gov.Phase())
}

func TestDeactivationReactivatesOnSupportSpike(t *testing.T) {
	defer goleak.VerifyNone(t)
	gov, factory, clock := newTestGovernance(t)

	factory.latest().setSupport(4)
	require.NoError(t, gov.ActivateNextState())
	clock.Advance(6 * 24 * time.Hour)
	require.NoError(t, gov.ActivateNextState())
	require.Equal(t, governance.PhaseVetoSignallingDeactivation, gov.Phase())

	// A support spike stretches the dynamic timelock past the elapsed
	// time, re-activating signalling
	factory.latest().setSupport(14)
	require.NoError(t, gov.ActivateNextState())
	assert.Equal(t, governance.PhaseVetoSignalling, gov.Phase())
}

func TestRageQuitRequiresMaxTimelockAndSecondSeal(t *testing.T) {
	defer goleak.VerifyNone(t)
	gov, factory, clock := newTestGovernance(t)

	factory.latest().setSupport(20)
	require.NoError(t, gov.ActivateNextState())
	require.Equal(t, governance.PhaseVetoSignalling, gov.Phase())

	// Above the second seal but the max dynamic timelock has not elapsed
	clock.Advance(29 * 24 * time.Hour)
	require.NoError(t, gov.ActivateNextState())
	assert.Equal(t, governance.PhaseVetoSignalling, gov.Phase())

	clock.Advance(24 * time.Hour)
	first := factory.latest()
	require.NoError(t, gov.ActivateNextState())
	require.Equal(t, governance.PhaseRageQuit, gov.Phase())
	assert.True(t, first.rageQuitStarted)
	assert.Equal(t, uint64(1), gov.RageQuitRound())

	// A fresh signalling escrow was deployed in the same transition
	second := factory.latest()
	assert.NotEqual(t, first.addr, second.addr)
	assert.Same(t, second, gov.SignallingEscrow().(*fakeEscrow))

	// First round gets the minimum withdrawals timelock
	assert.Equal(t, 30*24*time.Hour, first.withdrawals)
	assert.Equal(t, 7*24*time.Hour, first.extension)
}

func TestRageQuitExitsOnFinalization(t *testing.T) {
	defer goleak.VerifyNone(t)
	gov, factory, clock := newTestGovernance(t)

	factory.latest().setSupport(20)
	require.NoError(t, gov.ActivateNextState())
	clock.Advance(30 * 24 * time.Hour)
	rqEscrow := factory.latest()
	require.NoError(t, gov.ActivateNextState())
	require.Equal(t, governance.PhaseRageQuit, gov.Phase())

	// Holds until the rage quit escrow reports finalized
	clock.Advance(365 * 24 * time.Hour)
	require.NoError(t, gov.ActivateNextState())
	assert.Equal(t, governance.PhaseRageQuit, gov.Phase())

	rqEscrow.setFinalized()
	require.NoError(t, gov.ActivateNextState())
	assert.Equal(t, governance.PhaseVetoCooldown, gov.Phase())

	// Returning to Normal resets the round counter
	clock.Advance(4 * time.Hour)
	require.NoError(t, gov.ActivateNextState())
	assert.Equal(t, governance.PhaseNormal, gov.Phase())
	assert.Equal(t, uint64(0), gov.RageQuitRound())
}

func TestConsecutiveRoundsGrowWithdrawalsTimelock(t *testing.T) {
	defer goleak.VerifyNone(t)
	gov, factory, clock := newTestGovernance(t)

	runRound := func() *fakeEscrow {
		factory.latest().setSupport(20)
		require.NoError(t, gov.ActivateNextState())
		clock.Advance(30 * 24 * time.Hour)
		rq := factory.latest()
		require.NoError(t, gov.ActivateNextState())
		require.Equal(t, governance.PhaseRageQuit, gov.Phase())
		rq.setFinalized()
		// Exit to VetoSignalling with high support on the new escrow so
		// the next round can start immediately
		return rq
	}

	first := runRound()
	assert.Equal(t, 30*24*time.Hour, first.withdrawals)

	second := runRound()
	assert.Equal(t, uint64(2), gov.RageQuitRound())
	assert.Equal(t, (30+15)*24*time.Hour, second.withdrawals)
}

func TestOneTransitionPerCall(t *testing.T) {
	defer goleak.VerifyNone(t)
	gov, factory, clock := newTestGovernance(t)

	// Cross into signalling, then drop support to zero and let plenty of
	// time pass. A single call only moves one step; each later phase's
	// duration counts from its own entry.
	factory.latest().setSupport(4)
	require.NoError(t, gov.ActivateNextState())
	factory.latest().setSupport(0)
	clock.Advance(100 * 24 * time.Hour)

	require.NoError(t, gov.ActivateNextState())
	assert.Equal(t, governance.PhaseVetoSignallingDeactivation, gov.Phase())
	clock.Advance(5 * 24 * time.Hour)
	require.NoError(t, gov.ActivateNextState())
	assert.Equal(t, governance.PhaseVetoCooldown, gov.Phase())
	clock.Advance(4 * time.Hour)
	require.NoError(t, gov.ActivateNextState())
	assert.Equal(t, governance.PhaseNormal, gov.Phase())
}

func TestSchedulingPredicates(t *testing.T) {
	defer goleak.VerifyNone(t)
	gov, factory, clock := newTestGovernance(t)

	submittedBefore := clock.Now()
	assert.True(t, gov.CanSubmitProposal())
	assert.True(t, gov.CanScheduleProposal(submittedBefore))

	clock.Advance(time.Hour)
	factory.latest().setSupport(4)
	require.NoError(t, gov.ActivateNextState())
	activation := clock.Now()
	require.Equal(t, governance.PhaseVetoSignalling, gov.Phase())

	// Creation stays open during signalling, adoption closes
	assert.True(t, gov.CanSubmitProposal())
	assert.False(t, gov.CanScheduleProposal(submittedBefore))

	clock.Advance(time.Hour)
	submittedDuring := clock.Now()

	// Walk to cooldown
	factory.latest().setSupport(0)
	clock.Advance(100 * 24 * time.Hour)
	require.NoError(t, gov.ActivateNextState())
	assert.False(t, gov.CanSubmitProposal())
	clock.Advance(5 * 24 * time.Hour)
	require.NoError(t, gov.ActivateNextState())
	require.Equal(t, governance.PhaseVetoCooldown, gov.Phase())

	// In cooldown, only proposals from before the veto episode may be
	// scheduled
	assert.False(t, gov.CanSubmitProposal())
	assert.True(t, gov.CanScheduleProposal(submittedBefore))
	assert.True(t, gov.CanScheduleProposal(activation))
	assert.False(t, gov.CanScheduleProposal(submittedDuring))
}

func TestLastAdoptableExitedAt(t *testing.T) {
	defer goleak.VerifyNone(t)
	gov, factory, clock := newTestGovernance(t)
	assert.True(t, gov.LastAdoptableExitedAt().IsZero())

	clock.Advance(time.Hour)
	factory.latest().setSupport(4)
	require.NoError(t, gov.ActivateNextState())
	assert.Equal(t, clock.Now(), gov.LastAdoptableExitedAt())
}

func TestSetEscrowMinAssetsLockDuration(t *testing.T) {
	defer goleak.VerifyNone(t)
	gov, factory, _ := newTestGovernance(t)

	err := gov.SetEscrowMinAssetsLockDuration(
		types.Address{0xbb},
		time.Hour,
	)
	require.ErrorIs(t, err, governance.ErrNotAdminExecutor)

	err = gov.SetEscrowMinAssetsLockDuration(govAdmin, 0)
	require.ErrorIs(t, err, governance.ErrLockDurationOutOfBounds)

	err = gov.SetEscrowMinAssetsLockDuration(govAdmin, 49*24*time.Hour)
	require.ErrorIs(t, err, governance.ErrLockDurationOutOfBounds)

	require.NoError(
		t,
		gov.SetEscrowMinAssetsLockDuration(govAdmin, 6*time.Hour),
	)
	assert.Equal(t, 6*time.Hour, factory.latest().lockDuration())
}

func TestPhaseGaugeTracksTransitions(t *testing.T) {
	defer goleak.VerifyNone(t)
	registry := prometheus.NewRegistry()
	clock := types.NewManualClock(types.Timestamp(1_000_000))
	factory := &fakeFactory{}
	gov, err := governance.NewDualGovernance(governance.DualGovernanceConfig{
		Clock:         clock,
		Config:        testConfig(),
		EscrowFactory: factory,
		PromRegistry:  registry,
	})
	require.NoError(t, err)

	factory.latest().setSupport(4)
	require.NoError(t, gov.ActivateNextState())
	require.Equal(t, governance.PhaseVetoSignalling, gov.Phase())

	expected := strings.NewReader(`
# HELP drawbridge_governance_phase current governance phase (0=Normal 1=VetoSignalling 2=Deactivation 3=VetoCooldown 4=RageQuit)
# TYPE drawbridge_governance_phase gauge
drawbridge_governance_phase 1
`)
	require.NoError(
		t,
		testutil.GatherAndCompare(
			registry,
			expected,
			"drawbridge_governance_phase",
		),
	)
}

// stubTimelock accepts or rejects submissions on demand
type stubTimelock struct {
	submitErr error
	nextId    uint64
}

func (s *stubTimelock) Submit(
	types.Address,
	types.Address,
	[]types.ExternalCall,
) (uint64, error) {
	if s.submitErr != nil {
		return 0, s.submitErr
	}
	s.nextId++
	return s.nextId, nil
}

func (s *stubTimelock) Schedule(uint64) error { return nil }

func (s *stubTimelock) CancelAllNonExecutedProposals() error { return nil }

func (s *stubTimelock) ProposalSubmittedAt(
	uint64,
) (types.Timestamp, error) {
	return 0, nil
}

// A submission the timelock rejects must not move the dynamic-timelock
// reference point, or failing submissions could hold VetoSignalling open
// forever
func TestRejectedSubmitLeavesDynamicTimelockAlone(t *testing.T) {
	defer goleak.VerifyNone(t)
	clock := types.NewManualClock(types.Timestamp(1_000_000))
	factory := &fakeFactory{}
	tl := &stubTimelock{submitErr: errors.New("proposer is not registered")}
	gov, err := governance.NewDualGovernance(governance.DualGovernanceConfig{
		Clock:         clock,
		Config:        testConfig(),
		EscrowFactory: factory,
		Timelock:      tl,
		AdminExecutor: govAdmin,
	})
	require.NoError(t, err)

	// 4% support: dynamic timelock = 3d + 27d/12 = 5d6h from activation
	factory.latest().setSupport(4)
	require.NoError(t, gov.ActivateNextState())
	require.Equal(t, governance.PhaseVetoSignalling, gov.Phase())

	clock.Advance(24 * time.Hour)
	_, err = gov.SubmitProposal(
		types.Address{0xcc},
		types.ZeroAddress,
		nil,
	)
	require.Error(t, err)

	// 6d since activation clears both the dynamic timelock and the
	// min-active stretch; a recorded failed submission would block this
	clock.Advance(5 * 24 * time.Hour)
	require.NoError(t, gov.ActivateNextState())
	assert.Equal(
		t,
		governance.PhaseVetoSignallingDeactivation,
		gov.Phase(),
	)
}

// An accepted submission does move the reference point
func TestAcceptedSubmitExtendsDynamicTimelock(t *testing.T) {
	defer goleak.VerifyNone(t)
	clock := types.NewManualClock(types.Timestamp(1_000_000))
	factory := &fakeFactory{}
	tl := &stubTimelock{}
	gov, err := governance.NewDualGovernance(governance.DualGovernanceConfig{
		Clock:         clock,
		Config:        testConfig(),
		EscrowFactory: factory,
		Timelock:      tl,
		AdminExecutor: govAdmin,
	})
	require.NoError(t, err)

	factory.latest().setSupport(4)
	require.NoError(t, gov.ActivateNextState())
	require.Equal(t, governance.PhaseVetoSignalling, gov.Phase())

	clock.Advance(24 * time.Hour)
	_, err = gov.SubmitProposal(
		types.Address{0xcc},
		types.ZeroAddress,
		nil,
	)
	require.NoError(t, err)

	// 6d since activation but only 5d since the submission, inside the
	// 5d6h dynamic timelock
	clock.Advance(5 * 24 * time.Hour)
	require.NoError(t, gov.ActivateNextState())
	assert.Equal(t, governance.PhaseVetoSignalling, gov.Phase())
}
