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
	"fmt"

	"github.com/gatehouse-labs/drawbridge/types"
)

// SubmitProposal submits a call bundle through the bound timelock, after
// catching the state machine up and checking that the current phase allows
// proposal creation
func (g *DualGovernance) SubmitProposal(
	proposer types.Address,
	executor types.Address,
	calls []types.ExternalCall,
) (uint64, error) {
	if g.cfg.Timelock == nil {
		return 0, ErrNoTimelock
	}
	if err := g.ActivateNextState(); err != nil {
		return 0, err
	}
	g.mu.Lock()
	if !g.canSubmitLocked() {
		phase := g.phase
		g.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrProposalsCreationBlocked, phase)
	}
	g.mu.Unlock()
	id, err := g.cfg.Timelock.Submit(proposer, executor, calls)
	if err != nil {
		return 0, err
	}
	// Only an accepted submission moves the dynamic-timelock reference point
	g.mu.Lock()
	g.lastProposalSubmittedAt = g.clock.Now()
	g.mu.Unlock()
	g.logger.Debug(
		"proposal submitted",
		"component", "governance",
		"proposal_id", id,
		"proposer", proposer.String(),
	)
	return id, nil
}

// ScheduleProposal schedules a pending proposal, after catching the state
// machine up and checking the adoption rules for the proposal's submission
// time
func (g *DualGovernance) ScheduleProposal(id uint64) error {
	if g.cfg.Timelock == nil {
		return ErrNoTimelock
	}
	if err := g.ActivateNextState(); err != nil {
		return err
	}
	submittedAt, err := g.cfg.Timelock.ProposalSubmittedAt(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	if !g.canScheduleLocked(submittedAt) {
		phase := g.phase
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProposalsAdoptionBlocked, phase)
	}
	g.mu.Unlock()
	return g.cfg.Timelock.Schedule(id)
}

// CanSchedule reports whether ScheduleProposal would currently succeed for
// the given proposal
func (g *DualGovernance) CanSchedule(id uint64) (bool, error) {
	if g.cfg.Timelock == nil {
		return false, ErrNoTimelock
	}
	submittedAt, err := g.cfg.Timelock.ProposalSubmittedAt(id)
	if err != nil {
		return false, err
	}
	return g.CanScheduleProposal(submittedAt), nil
}

// CancelAllPendingProposals bulk-cancels every non-executed proposal.
// Restricted to the configured canceller account.
func (g *DualGovernance) CancelAllPendingProposals(
	caller types.Address,
) error {
	if g.cfg.Timelock == nil {
		return ErrNoTimelock
	}
	if caller != g.cfg.ProposalsCanceller {
		return fmt.Errorf("%w: %s", ErrNotProposalsCanceller, caller)
	}
	g.logger.Info(
		"cancelling all pending proposals",
		"component", "governance",
		"caller", caller.String(),
	)
	return g.cfg.Timelock.CancelAllNonExecutedProposals()
}
