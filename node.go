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

package drawbridge

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gatehouse-labs/drawbridge/committee"
	"github.com/gatehouse-labs/drawbridge/database"
	"github.com/gatehouse-labs/drawbridge/escrow"
	"github.com/gatehouse-labs/drawbridge/event"
	"github.com/gatehouse-labs/drawbridge/governance"
	"github.com/gatehouse-labs/drawbridge/ledger"
	"github.com/gatehouse-labs/drawbridge/tiebreaker"
	"github.com/gatehouse-labs/drawbridge/timelock"
	"github.com/gatehouse-labs/drawbridge/types"
)

// governanceAddress is the well-known account the timelock binds as its
// governance front-end
var governanceAddress = func() types.Address {
	sum := sha256.Sum256([]byte("drawbridge-governance"))
	var addr types.Address
	copy(addr[:], sum[:20])
	return addr
}()

type Node struct {
	eventBus      *event.EventBus
	stake         ledger.StakeLedger
	withdrawals   ledger.WithdrawalQueue
	escrowFactory *escrow.Factory
	registry      *timelock.Registry
	timelock      *timelock.Timelock
	governance    *governance.DualGovernance
	tiebreaker    *tiebreaker.Tiebreaker
	db            *database.Store
	recorder      *database.Recorder
	shutdownFuncs []func(context.Context) error
	config        Config
	done          chan struct{}
	shutdownOnce  sync.Once
}

// escrowFactoryAdapter narrows the concrete escrow factory to the slice the
// governance state machine consumes
type escrowFactoryAdapter struct {
	factory *escrow.Factory
}

func (a escrowFactoryAdapter) Deploy() governance.Escrow {
	return a.factory.Deploy()
}

func New(cfg Config) (*Node, error) {
	eventBus := event.NewEventBus(cfg.promRegistry)
	n := &Node{
		config:   cfg,
		eventBus: eventBus,
		done:     make(chan struct{}),
	}
	if err := n.configValidate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	// External ledgers default to a shared in-memory ledger
	n.stake = cfg.stakeLedger
	n.withdrawals = cfg.withdrawalQueue
	if n.stake == nil || n.withdrawals == nil {
		mem := ledger.NewMemLedger(ledger.MemLedgerConfig{
			Clock: cfg.clock,
		})
		if n.stake == nil {
			n.stake = mem
		}
		if n.withdrawals == nil {
			n.withdrawals = mem
		}
	}
	// Load database
	db, err := database.New(cfg.dataDir, cfg.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	n.db = db
	// Proposer registry and timelock
	n.registry = timelock.NewRegistry(cfg.adminExecutor, n.eventBus)
	for _, binding := range cfg.proposers {
		err := n.registry.RegisterProposer(
			cfg.adminExecutor,
			binding.Proposer,
			binding.Executor,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to register proposer: %w", err)
		}
	}
	dispatcher := cfg.dispatcher
	if dispatcher == nil {
		dispatcher = timelock.DispatchFunc(
			func(executor types.Address, calls []types.ExternalCall) error {
				cfg.logger.Info(
					"discarding external calls",
					"component", "dispatcher",
					"executor", executor.String(),
					"calls", len(calls),
				)
				return nil
			},
		)
	}
	tl, err := timelock.NewTimelock(timelock.TimelockConfig{
		Logger:             cfg.logger,
		EventBus:           n.eventBus,
		PromRegistry:       cfg.promRegistry,
		Clock:              cfg.clock,
		Registry:           n.registry,
		Dispatcher:         dispatcher,
		Governance:         governanceAddress,
		AfterSubmitDelay:   cfg.afterSubmitDelay,
		AfterScheduleDelay: cfg.afterScheduleDelay,
		Emergency:          cfg.emergencyProtection,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load timelock: %w", err)
	}
	n.timelock = tl
	// Escrow factory and governance state machine
	n.escrowFactory = escrow.NewFactory(escrow.FactoryConfig{
		Logger:                cfg.logger,
		EventBus:              n.eventBus,
		PromRegistry:          cfg.promRegistry,
		Clock:                 cfg.clock,
		Stake:                 n.stake,
		Withdrawals:           n.withdrawals,
		MinAssetsLockDuration: cfg.minAssetsLockDuration,
	})
	gov, err := governance.NewDualGovernance(governance.DualGovernanceConfig{
		Logger:             cfg.logger,
		EventBus:           n.eventBus,
		PromRegistry:       cfg.promRegistry,
		Clock:              cfg.clock,
		Config:             cfg.governanceConfig,
		EscrowFactory:      escrowFactoryAdapter{factory: n.escrowFactory},
		Timelock:           tl,
		ProposalsCanceller: cfg.proposalsCanceller,
		AdminExecutor:      cfg.adminExecutor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load governance: %w", err)
	}
	n.governance = gov
	// Escrow lock/unlock operations poke the state machine
	n.escrowFactory.SetGovernanceHook(gov)
	// Tiebreaker sub-protocol
	if len(cfg.tiebreakerMembers) > 0 {
		com, err := committee.NewCommittee(committee.CommitteeConfig{
			Logger:   cfg.logger,
			EventBus: n.eventBus,
			Members:  cfg.tiebreakerMembers,
			Quorum:   cfg.tiebreakerQuorum,
		})
		if err != nil {
			return nil, fmt.Errorf(
				"failed to load tiebreaker committee: %w",
				err,
			)
		}
		tb, err := tiebreaker.NewTiebreaker(tiebreaker.TiebreakerConfig{
			Logger:            cfg.logger,
			EventBus:          n.eventBus,
			Clock:             cfg.clock,
			Committee:         com,
			Governance:        gov,
			Scheduler:         tl,
			ActivationTimeout: cfg.tiebreakerTimeout,
			Admin:             cfg.adminExecutor,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load tiebreaker: %w", err)
		}
		n.tiebreaker = tb
		gov.SetDeadlockChecker(tb)
	}
	// Persistence recorder
	n.recorder = database.NewRecorder(n.db, n.eventBus, cfg.logger)
	n.recorder.Start()
	return n, nil
}

func (n *Node) Run() error {
	// Configure tracing
	if n.config.tracing {
		if err := n.setupTracing(); err != nil {
			return err
		}
	}
	// Wait for shutdown signal
	<-n.done
	return nil
}

func (n *Node) Stop() error {
	var err error
	n.shutdownOnce.Do(func() {
		err = n.shutdown()
	})
	return err
}

func (n *Node) shutdown() error {
	// Create shutdown context with timeout (default 30s if not configured)
	shutdownTimeout := 30 * time.Second
	if n.config.shutdownTimeout > 0 {
		shutdownTimeout = n.config.shutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error

	n.config.logger.Debug("starting graceful shutdown")

	if n.recorder != nil {
		n.recorder.Stop()
	}

	// Call registered shutdown functions
	for _, fn := range n.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	n.shutdownFuncs = nil

	if n.eventBus != nil {
		n.eventBus.Stop()
	}

	if n.db != nil {
		if closeErr := n.db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("database close: %w", closeErr))
		}
	}

	n.config.logger.Debug("graceful shutdown complete")
	close(n.done)
	return err
}

// Governance returns the dual governance state machine
func (n *Node) Governance() *governance.DualGovernance {
	return n.governance
}

// Timelock returns the protected timelock
func (n *Node) Timelock() *timelock.Timelock {
	return n.timelock
}

// ProposerRegistry returns the timelock's proposer registry
func (n *Node) ProposerRegistry() *timelock.Registry {
	return n.registry
}

// Tiebreaker returns the tiebreaker sub-protocol, or nil when no committee
// was configured
func (n *Node) Tiebreaker() *tiebreaker.Tiebreaker {
	return n.tiebreaker
}

// Database returns the persistence store
func (n *Node) Database() *database.Store {
	return n.db
}

// EventBus returns the node's event bus
func (n *Node) EventBus() *event.EventBus {
	return n.eventBus
}
