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

package database

import (
	"io"
	"log/slog"

	"github.com/gatehouse-labs/drawbridge/escrow"
	"github.com/gatehouse-labs/drawbridge/event"
	"github.com/gatehouse-labs/drawbridge/governance"
	"github.com/gatehouse-labs/drawbridge/timelock"
)

// Recorder subscribes to the event bus and writes protocol activity into
// the store. Persistence failures are logged and never fed back into the
// components.
type Recorder struct {
	store    *Store
	logger   *slog.Logger
	eventBus *event.EventBus
	subs     map[event.EventType]event.EventSubscriberId
}

func NewRecorder(
	store *Store,
	eventBus *event.EventBus,
	logger *slog.Logger,
) *Recorder {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Recorder{
		store:    store,
		logger:   logger,
		eventBus: eventBus,
		subs:     make(map[event.EventType]event.EventSubscriberId),
	}
}

// Start wires the subscriptions
func (r *Recorder) Start() {
	r.subscribe(timelock.ProposalSubmittedEventType, r.onProposalSubmitted)
	r.subscribe(timelock.ProposalScheduledEventType, r.onProposalScheduled)
	r.subscribe(timelock.ProposalExecutedEventType, r.onProposalExecuted)
	r.subscribe(
		timelock.ProposalsCancelledEventType,
		r.onProposalsCancelled,
	)
	r.subscribe(governance.PhaseChangedEventType, r.onPhaseChanged)
	r.subscribe(escrow.AssetsLockedEventType, r.onAssetsLocked)
	r.subscribe(escrow.AssetsUnlockedEventType, r.onAssetsUnlocked)
	r.subscribe(escrow.ValueWithdrawnEventType, r.onValueWithdrawn)
}

// Stop removes the subscriptions
func (r *Recorder) Stop() {
	for eventType, subId := range r.subs {
		r.eventBus.Unsubscribe(eventType, subId)
	}
	r.subs = make(map[event.EventType]event.EventSubscriberId)
}

func (r *Recorder) subscribe(
	eventType event.EventType,
	handler event.EventHandlerFunc,
) {
	r.subs[eventType] = r.eventBus.SubscribeFunc(eventType, handler)
}

func (r *Recorder) onProposalSubmitted(evt event.Event) {
	data, ok := evt.Data.(timelock.ProposalSubmittedEvent)
	if !ok {
		return
	}
	err := r.store.RecordProposalSubmitted(
		data.Id,
		data.Proposer.String(),
		data.Executor.String(),
		int64(data.SubmittedAt),
	)
	if err != nil {
		r.logger.Error(
			"failed to record proposal submission",
			"component", "database",
			"proposal_id", data.Id,
			"error", err,
		)
	}
}

func (r *Recorder) onProposalScheduled(evt event.Event) {
	data, ok := evt.Data.(timelock.ProposalScheduledEvent)
	if !ok {
		return
	}
	err := r.store.RecordProposalScheduled(
		data.Id,
		int64(data.ScheduledAt),
	)
	if err != nil {
		r.logger.Error(
			"failed to record proposal scheduling",
			"component", "database",
			"proposal_id", data.Id,
			"error", err,
		)
	}
}

func (r *Recorder) onProposalExecuted(evt event.Event) {
	data, ok := evt.Data.(timelock.ProposalExecutedEvent)
	if !ok {
		return
	}
	err := r.store.RecordProposalExecuted(
		data.Id,
		evt.Timestamp.Unix(),
	)
	if err != nil {
		r.logger.Error(
			"failed to record proposal execution",
			"component", "database",
			"proposal_id", data.Id,
			"error", err,
		)
	}
}

func (r *Recorder) onProposalsCancelled(evt event.Event) {
	data, ok := evt.Data.(timelock.ProposalsCancelledEvent)
	if !ok {
		return
	}
	err := r.store.RecordProposalsCancelled(
		data.UpToId,
		evt.Timestamp.Unix(),
	)
	if err != nil {
		r.logger.Error(
			"failed to record proposal cancellation",
			"component", "database",
			"error", err,
		)
	}
}

func (r *Recorder) onPhaseChanged(evt event.Event) {
	data, ok := evt.Data.(governance.PhaseChangedEvent)
	if !ok {
		return
	}
	err := r.store.RecordPhaseTransition(
		data.From.String(),
		data.To.String(),
		int64(data.At),
	)
	if err != nil {
		r.logger.Error(
			"failed to record phase transition",
			"component", "database",
			"error", err,
		)
	}
}

func (r *Recorder) onAssetsLocked(evt event.Event) {
	data, ok := evt.Data.(escrow.AssetsLockedEvent)
	if !ok {
		return
	}
	r.recordEscrowEvent(
		data.Escrow.String(),
		"assets_locked",
		data.Vetoer.String(),
		data.Shares,
		evt.Timestamp.Unix(),
	)
}

func (r *Recorder) onAssetsUnlocked(evt event.Event) {
	data, ok := evt.Data.(escrow.AssetsUnlockedEvent)
	if !ok {
		return
	}
	r.recordEscrowEvent(
		data.Escrow.String(),
		"assets_unlocked",
		data.Vetoer.String(),
		data.Shares,
		evt.Timestamp.Unix(),
	)
}

func (r *Recorder) onValueWithdrawn(evt event.Event) {
	data, ok := evt.Data.(escrow.ValueWithdrawnEvent)
	if !ok {
		return
	}
	r.recordEscrowEvent(
		data.Escrow.String(),
		"value_withdrawn",
		data.Vetoer.String(),
		data.Value,
		evt.Timestamp.Unix(),
	)
}

func (r *Recorder) recordEscrowEvent(
	escrowAddr string,
	kind string,
	vetoer string,
	amount string,
	occurredAt int64,
) {
	err := r.store.RecordEscrowEvent(
		escrowAddr, kind, vetoer, amount, occurredAt,
	)
	if err != nil {
		r.logger.Error(
			"failed to record escrow event",
			"component", "database",
			"kind", kind,
			"error", err,
		)
	}
}
