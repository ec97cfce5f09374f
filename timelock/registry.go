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
	"sync"

	"github.com/gatehouse-labs/drawbridge/event"
	"github.com/gatehouse-labs/drawbridge/types"
)

const (
	ProposerRegisteredEventType   event.EventType = "timelock.proposer_registered"
	ProposerUnregisteredEventType event.EventType = "timelock.proposer_unregistered"
)

type ProposerEvent struct {
	Proposer types.Address
	Executor types.Address
}

var (
	ErrNotAdminExecutor       = errors.New("caller is not the admin executor")
	ErrProposerAlreadyExists  = errors.New("proposer is already registered")
	ErrProposerNotRegistered  = errors.New("proposer is not registered")
	ErrExecutorStillReferred  = errors.New("executor still bound to a proposer")
	ErrInvalidExecutorBinding = errors.New(
		"executor does not match the proposer's registered executor",
	)
)

// Registry tracks proposer accounts and the executor identity each one
// submits through. One executor is the admin executor; proposals running
// through it may reconfigure the timelock itself.
type Registry struct {
	eventBus      *event.EventBus
	adminExecutor types.Address

	mu        sync.RWMutex
	proposers map[types.Address]types.Address
	executors map[types.Address]int
}

func NewRegistry(
	adminExecutor types.Address,
	eventBus *event.EventBus,
) *Registry {
	return &Registry{
		eventBus:      eventBus,
		adminExecutor: adminExecutor,
		proposers:     make(map[types.Address]types.Address),
		executors:     make(map[types.Address]int),
	}
}

func (r *Registry) AdminExecutor() types.Address {
	return r.adminExecutor
}

// RegisterProposer binds a proposer to an executor. Restricted to the admin
// executor, i.e. reachable only through an adopted proposal.
func (r *Registry) RegisterProposer(
	caller types.Address,
	proposer types.Address,
	executor types.Address,
) error {
	if caller != r.adminExecutor {
		return fmt.Errorf("%w: %s", ErrNotAdminExecutor, caller)
	}
	r.mu.Lock()
	if _, exists := r.proposers[proposer]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProposerAlreadyExists, proposer)
	}
	r.proposers[proposer] = executor
	r.executors[executor]++
	r.mu.Unlock()
	r.publish(ProposerRegisteredEventType, ProposerEvent{
		Proposer: proposer,
		Executor: executor,
	})
	return nil
}

// UnregisterProposer removes a proposer binding. Restricted to the admin
// executor.
func (r *Registry) UnregisterProposer(
	caller types.Address,
	proposer types.Address,
) error {
	if caller != r.adminExecutor {
		return fmt.Errorf("%w: %s", ErrNotAdminExecutor, caller)
	}
	r.mu.Lock()
	executor, exists := r.proposers[proposer]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProposerNotRegistered, proposer)
	}
	delete(r.proposers, proposer)
	r.executors[executor]--
	if r.executors[executor] < 1 {
		delete(r.executors, executor)
	}
	r.mu.Unlock()
	r.publish(ProposerUnregisteredEventType, ProposerEvent{
		Proposer: proposer,
		Executor: executor,
	})
	return nil
}

func (r *Registry) IsProposer(addr types.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.proposers[addr]
	return ok
}

// IsAdminProposer reports whether the proposer submits through the admin
// executor
func (r *Registry) IsAdminProposer(addr types.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.proposers[addr] == r.adminExecutor
}

func (r *Registry) IsExecutor(addr types.Address) bool {
	if addr == r.adminExecutor {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[addr] > 0
}

// ExecutorOf returns the executor a proposer is bound to
func (r *Registry) ExecutorOf(
	proposer types.Address,
) (types.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.proposers[proposer]
	return executor, ok
}

func (r *Registry) publish(eventType event.EventType, data any) {
	if r.eventBus == nil {
		return
	}
	r.eventBus.Publish(eventType, event.NewEvent(eventType, data))
}
