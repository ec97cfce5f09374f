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

// Package committee implements the M-of-N vote-and-execute-once primitive
// shared by the emergency and tiebreaker committees. Votes are keyed by an
// opaque proposal hash; identity verification of members is out of scope.
package committee

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gatehouse-labs/drawbridge/event"
	"github.com/gatehouse-labs/drawbridge/types"
)

const (
	VoteCastEventType         event.EventType = "committee.vote_cast"
	ProposalExecutedEventType event.EventType = "committee.proposal_executed"
)

type VoteCastEvent struct {
	Proposal Hash
	Member   types.Address
	Support  bool
}

var (
	ErrNotMember       = errors.New("caller is not a committee member")
	ErrAlreadyExecuted = errors.New("committee proposal already executed")
	ErrQuorumNotMet    = errors.New("quorum is not reached")
)

// Hash identifies a committee proposal
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// HashProposal derives a proposal hash from the given parts
func HashProposal(parts ...[]byte) Hash {
	hasher := sha256.New()
	for _, part := range parts {
		hasher.Write(part)
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// VoteState is a snapshot of a proposal's tally
type VoteState struct {
	Support  int
	Quorum   int
	Executed bool
}

type CommitteeConfig struct {
	Logger   *slog.Logger
	EventBus *event.EventBus
	Members  []types.Address
	Quorum   int
}

// Committee collects per-proposal support votes from a fixed member set
// and executes each proposal at most once after quorum
type Committee struct {
	cfg      CommitteeConfig
	logger   *slog.Logger
	eventBus *event.EventBus

	mu       sync.Mutex
	members  map[types.Address]bool
	votes    map[Hash]map[types.Address]bool
	executed map[Hash]bool
}

func NewCommittee(cfg CommitteeConfig) (*Committee, error) {
	if cfg.Quorum < 1 || cfg.Quorum > len(cfg.Members) {
		return nil, fmt.Errorf(
			"quorum %d out of range for %d members",
			cfg.Quorum,
			len(cfg.Members),
		)
	}
	c := &Committee{
		cfg:      cfg,
		eventBus: cfg.EventBus,
		members:  make(map[types.Address]bool, len(cfg.Members)),
		votes:    make(map[Hash]map[types.Address]bool),
		executed: make(map[Hash]bool),
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		c.logger = cfg.Logger
	}
	for _, m := range cfg.Members {
		c.members[m] = true
	}
	return c, nil
}

func (c *Committee) IsMember(addr types.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members[addr]
}

func (c *Committee) Quorum() int {
	return c.cfg.Quorum
}

// Vote records or withdraws a member's support for a proposal
func (c *Committee) Vote(
	member types.Address,
	proposal Hash,
	support bool,
) error {
	c.mu.Lock()
	if !c.members[member] {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotMember, member)
	}
	if c.executed[proposal] {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExecuted, proposal)
	}
	tally, ok := c.votes[proposal]
	if !ok {
		tally = make(map[types.Address]bool)
		c.votes[proposal] = tally
	}
	if support {
		tally[member] = true
	} else {
		delete(tally, member)
	}
	c.mu.Unlock()
	c.logger.Debug(
		"committee vote cast",
		"component", "committee",
		"proposal", proposal.String(),
		"member", member.String(),
		"support", support,
	)
	if c.eventBus != nil {
		c.eventBus.Publish(
			VoteCastEventType,
			event.NewEvent(VoteCastEventType, VoteCastEvent{
				Proposal: proposal,
				Member:   member,
				Support:  support,
			}),
		)
	}
	return nil
}

// State returns the proposal's current tally
func (c *Committee) State(proposal Hash) VoteState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return VoteState{
		Support:  len(c.votes[proposal]),
		Quorum:   c.cfg.Quorum,
		Executed: c.executed[proposal],
	}
}

// HasQuorum reports whether the proposal currently has enough support to
// execute
func (c *Committee) HasQuorum(proposal Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.votes[proposal]) >= c.cfg.Quorum && !c.executed[proposal]
}

// Execute runs the action for a proposal that has reached quorum, at most
// once. An action error leaves the proposal executable again.
func (c *Committee) Execute(proposal Hash, action func() error) error {
	c.mu.Lock()
	if c.executed[proposal] {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExecuted, proposal)
	}
	if len(c.votes[proposal]) < c.cfg.Quorum {
		c.mu.Unlock()
		return fmt.Errorf(
			"%w: %d of %d",
			ErrQuorumNotMet,
			len(c.votes[proposal]),
			c.cfg.Quorum,
		)
	}
	// Hold the lock across the action so two callers cannot race it;
	// actions are expected to be quick, local operations
	if err := action(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.executed[proposal] = true
	c.mu.Unlock()
	c.logger.Info(
		"committee proposal executed",
		"component", "committee",
		"proposal", proposal.String(),
	)
	if c.eventBus != nil {
		c.eventBus.Publish(
			ProposalExecutedEventType,
			event.NewEvent(ProposalExecutedEventType, proposal),
		)
	}
	return nil
}
