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
	"fmt"

	"github.com/gatehouse-labs/drawbridge/types"
)

// ProposalStatus is the lifecycle state of a proposal. Transitions are
// strictly forward except cancellation, which is bulk-only.
type ProposalStatus uint8

const (
	ProposalPending ProposalStatus = iota
	ProposalScheduled
	ProposalExecuted
	ProposalCancelled
)

func (s ProposalStatus) String() string {
	switch s {
	case ProposalPending:
		return "Pending"
	case ProposalScheduled:
		return "Scheduled"
	case ProposalExecuted:
		return "Executed"
	case ProposalCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// Proposal is one submitted call bundle with its lifecycle timestamps.
// ScheduledAt is zero until the proposal is scheduled.
type Proposal struct {
	Id          uint64
	Proposer    types.Address
	Executor    types.Address
	Calls       []types.ExternalCall
	SubmittedAt types.Timestamp
	ScheduledAt types.Timestamp
	Status      ProposalStatus
}

// proposalLedger is the append-only proposal list. Bulk cancellation is a
// watermark: every non-executed proposal with an id at or below it reads
// as cancelled. Not safe for concurrent use; the owning Timelock
// serializes access.
type proposalLedger struct {
	proposals     []*Proposal
	cancelledUpTo uint64
}

func newProposalLedger() *proposalLedger {
	return &proposalLedger{}
}

func (l *proposalLedger) append(
	proposer types.Address,
	executor types.Address,
	calls []types.ExternalCall,
	now types.Timestamp,
) *Proposal {
	p := &Proposal{
		Id:          uint64(len(l.proposals)) + 1,
		Proposer:    proposer,
		Executor:    executor,
		Calls:       types.CloneExternalCalls(calls),
		SubmittedAt: now,
		Status:      ProposalPending,
	}
	l.proposals = append(l.proposals, p)
	return p
}

func (l *proposalLedger) get(id uint64) (*Proposal, error) {
	if id < 1 || id > uint64(len(l.proposals)) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProposal, id)
	}
	return l.proposals[id-1], nil
}

// status resolves the effective status, folding in the cancellation
// watermark
func (l *proposalLedger) status(p *Proposal) ProposalStatus {
	if p.Status == ProposalExecuted {
		return ProposalExecuted
	}
	if p.Id <= l.cancelledUpTo {
		return ProposalCancelled
	}
	return p.Status
}

// cancelAll cancels every pending and scheduled proposal atomically
func (l *proposalLedger) cancelAll() {
	l.cancelledUpTo = uint64(len(l.proposals))
}

func (l *proposalLedger) count() int {
	return len(l.proposals)
}
