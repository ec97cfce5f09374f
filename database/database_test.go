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

package database_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-labs/drawbridge/database"
	"github.com/gatehouse-labs/drawbridge/database/models"
	"github.com/gatehouse-labs/drawbridge/event"
	"github.com/gatehouse-labs/drawbridge/timelock"
	"github.com/gatehouse-labs/drawbridge/types"
)

func newTestStore(t *testing.T) *database.Store {
	t.Helper()
	store, err := database.New("", nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestProposalRecordLifecycle(t *testing.T) {
	store := newTestStore(t)

	require.NoError(
		t,
		store.RecordProposalSubmitted(1, "0xaa", "0xbb", 1000),
	)
	record, err := store.GetProposalRecord(1)
	require.NoError(t, err)
	assert.Equal(t, "Pending", record.Status)
	assert.Equal(t, int64(1000), record.SubmittedAt)

	require.NoError(t, store.RecordProposalScheduled(1, 2000))
	record, err = store.GetProposalRecord(1)
	require.NoError(t, err)
	assert.Equal(t, "Scheduled", record.Status)
	require.NotNil(t, record.ScheduledAt)
	assert.Equal(t, int64(2000), *record.ScheduledAt)

	require.NoError(t, store.RecordProposalExecuted(1, 3000))
	record, err = store.GetProposalRecord(1)
	require.NoError(t, err)
	assert.Equal(t, "Executed", record.Status)

	_, err = store.GetProposalRecord(99)
	require.ErrorIs(t, err, models.ErrProposalRecordNotFound)
}

func TestCancellationSparesExecuted(t *testing.T) {
	store := newTestStore(t)

	require.NoError(
		t,
		store.RecordProposalSubmitted(1, "0xaa", "0xbb", 1000),
	)
	require.NoError(
		t,
		store.RecordProposalSubmitted(2, "0xaa", "0xbb", 1100),
	)
	require.NoError(t, store.RecordProposalExecuted(1, 2000))

	require.NoError(t, store.RecordProposalsCancelled(2, 3000))
	record, err := store.GetProposalRecord(1)
	require.NoError(t, err)
	assert.Equal(t, "Executed", record.Status)
	record, err = store.GetProposalRecord(2)
	require.NoError(t, err)
	assert.Equal(t, "Cancelled", record.Status)
}

func TestPhaseTransitions(t *testing.T) {
	store := newTestStore(t)

	require.NoError(
		t,
		store.RecordPhaseTransition("Normal", "VetoSignalling", 1000),
	)
	require.NoError(
		t,
		store.RecordPhaseTransition("VetoSignalling", "RageQuit", 2000),
	)
	records, err := store.RecentPhaseTransitions(10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "RageQuit", records[0].ToPhase)
	assert.Equal(t, "VetoSignalling", records[1].ToPhase)
}

func TestEscrowEvents(t *testing.T) {
	store := newTestStore(t)

	require.NoError(
		t,
		store.RecordEscrowEvent("0xe1", "assets_locked", "0xaa", "100", 1000),
	)
	require.NoError(
		t,
		store.RecordEscrowEvent("0xe1", "assets_unlocked", "0xaa", "100", 2000),
	)
	require.NoError(
		t,
		store.RecordEscrowEvent("0xe2", "assets_locked", "0xbb", "50", 3000),
	)
	records, err := store.EscrowEvents("0xe1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "assets_locked", records[0].Kind)
	assert.Equal(t, "assets_unlocked", records[1].Kind)
}

func TestRecorderCapturesBusEvents(t *testing.T) {
	store := newTestStore(t)
	bus := event.NewEventBus(nil)
	defer bus.Stop()
	recorder := database.NewRecorder(store, bus, nil)
	recorder.Start()
	defer recorder.Stop()

	proposer := types.MustParseAddress(
		"0x2222222222222222222222222222222222222222",
	)
	bus.Publish(
		timelock.ProposalSubmittedEventType,
		event.NewEvent(
			timelock.ProposalSubmittedEventType,
			timelock.ProposalSubmittedEvent{
				Id:          1,
				Proposer:    proposer,
				Executor:    proposer,
				SubmittedAt: types.Timestamp(1000),
			},
		),
	)
	require.Eventually(t, func() bool {
		_, err := store.GetProposalRecord(1)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	record, err := store.GetProposalRecord(1)
	require.NoError(t, err)
	assert.Equal(t, proposer.String(), record.Proposer)
	assert.Equal(t, "Pending", record.Status)
}
