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
	"time"

	"github.com/gatehouse-labs/drawbridge/event"
	"github.com/gatehouse-labs/drawbridge/types"
)

const (
	EmergencyActivatedEventType   event.EventType = "timelock.emergency_activated"
	EmergencyDeactivatedEventType event.EventType = "timelock.emergency_deactivated"
	EmergencyResetEventType       event.EventType = "timelock.emergency_reset"
)

var (
	ErrNotActivationCommittee = errors.New(
		"caller is not the emergency activation committee",
	)
	ErrNotExecutionCommittee = errors.New(
		"caller is not the emergency execution committee",
	)
	ErrProtectionExpired = errors.New(
		"emergency protection window has expired",
	)
	ErrEmergencyModeActive    = errors.New("emergency mode is active")
	ErrEmergencyModeNotActive = errors.New("emergency mode is not active")
	ErrEmergencyModeNotEnded  = errors.New(
		"emergency mode has not ended yet",
	)
	ErrEmergencyWindowExpired = errors.New(
		"emergency mode window has expired",
	)
)

// EmergencyProtectionConfig is the committee setup fixed at deployment or
// changed via an adopted proposal. A zero ProtectionExpiresAt disables the
// mechanism entirely.
type EmergencyProtectionConfig struct {
	ActivationCommittee types.Address
	ExecutionCommittee  types.Address
	ProtectionExpiresAt types.Timestamp
	ModeDuration        time.Duration
	// EmergencyGovernance is the fallback the reset path re-points the
	// timelock's governance to
	EmergencyGovernance types.Address
}

type emergencyState struct {
	activationCommittee types.Address
	executionCommittee  types.Address
	protectionExpiresAt types.Timestamp
	modeDuration        time.Duration
	emergencyGovernance types.Address
	// modeEndsAt is zero while emergency mode is inactive. The mode stays
	// blocking past this timestamp until an explicit deactivation.
	modeEndsAt types.Timestamp
}

func newEmergencyState(cfg EmergencyProtectionConfig) emergencyState {
	return emergencyState{
		activationCommittee: cfg.ActivationCommittee,
		executionCommittee:  cfg.ExecutionCommittee,
		protectionExpiresAt: cfg.ProtectionExpiresAt,
		modeDuration:        cfg.ModeDuration,
		emergencyGovernance: cfg.EmergencyGovernance,
	}
}

func (s *emergencyState) isModeActive() bool {
	return !s.modeEndsAt.IsZero()
}

// IsEmergencyProtectionEnabled reports whether the activation window is
// still open or a mode is currently active
func (t *Timelock) IsEmergencyProtectionEnabled() bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.emergency.isModeActive() ||
		(!t.emergency.protectionExpiresAt.IsZero() &&
			now.Before(t.emergency.protectionExpiresAt))
}

// IsEmergencyModeActive reports whether normal proposal execution is
// currently blocked by emergency mode
func (t *Timelock) IsEmergencyModeActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.emergency.isModeActive()
}

// EmergencyModeEndsAt returns when the active mode's window closes, or
// zero when inactive
func (t *Timelock) EmergencyModeEndsAt() types.Timestamp {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.emergency.modeEndsAt
}

// ActivateEmergencyMode starts the fixed-duration override window.
// Restricted to the activation committee, and only while the protection
// window is open.
func (t *Timelock) ActivateEmergencyMode(caller types.Address) error {
	now := t.clock.Now()
	t.mu.Lock()
	if caller != t.emergency.activationCommittee ||
		t.emergency.activationCommittee.IsZero() {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActivationCommittee, caller)
	}
	if t.emergency.protectionExpiresAt.IsZero() ||
		!now.Before(t.emergency.protectionExpiresAt) {
		t.mu.Unlock()
		return ErrProtectionExpired
	}
	if t.emergency.isModeActive() {
		t.mu.Unlock()
		return ErrEmergencyModeActive
	}
	t.emergency.modeEndsAt = now.Add(t.emergency.modeDuration)
	endsAt := t.emergency.modeEndsAt
	t.mu.Unlock()
	t.logger.Warn(
		"emergency mode activated",
		"component", "timelock",
		"ends_at", endsAt.String(),
	)
	t.publish(EmergencyActivatedEventType, endsAt)
	return nil
}

// EmergencyExecute lets the execution committee execute a scheduled
// proposal while the override window is open. The after-schedule delay
// still applies.
func (t *Timelock) EmergencyExecute(
	caller types.Address,
	id uint64,
) error {
	now := t.clock.Now()
	t.mu.Lock()
	if caller != t.emergency.executionCommittee ||
		t.emergency.executionCommittee.IsZero() {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotExecutionCommittee, caller)
	}
	if !t.emergency.isModeActive() {
		t.mu.Unlock()
		return ErrEmergencyModeNotActive
	}
	if !now.Before(t.emergency.modeEndsAt) {
		t.mu.Unlock()
		return ErrEmergencyWindowExpired
	}
	return t.executeLocked(id)
}

// DeactivateEmergencyMode ends an emergency mode whose window has
// naturally expired. Callable by anyone; cancels every pending and
// scheduled proposal.
func (t *Timelock) DeactivateEmergencyMode() error {
	now := t.clock.Now()
	t.mu.Lock()
	if !t.emergency.isModeActive() {
		t.mu.Unlock()
		return ErrEmergencyModeNotActive
	}
	if now.Before(t.emergency.modeEndsAt) {
		t.mu.Unlock()
		return ErrEmergencyModeNotEnded
	}
	t.emergency.modeEndsAt = 0
	t.ledger.cancelAll()
	upTo := t.ledger.cancelledUpTo
	t.mu.Unlock()
	t.logger.Warn(
		"emergency mode deactivated",
		"component", "timelock",
	)
	t.publish(EmergencyDeactivatedEventType, nil)
	t.publish(ProposalsCancelledEventType, ProposalsCancelledEvent{
		UpToId: upTo,
	})
	return nil
}

// EmergencyReset is the execution committee's explicit deactivation,
// usable at any point during an active mode. Besides ending the mode and
// cancelling all proposals it clears both committees, permanently disables
// the protection mechanism, and re-points governance at the configured
// fallback.
func (t *Timelock) EmergencyReset(caller types.Address) error {
	t.mu.Lock()
	if caller != t.emergency.executionCommittee ||
		t.emergency.executionCommittee.IsZero() {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotExecutionCommittee, caller)
	}
	if !t.emergency.isModeActive() {
		t.mu.Unlock()
		return ErrEmergencyModeNotActive
	}
	t.emergency.modeEndsAt = 0
	t.emergency.activationCommittee = types.ZeroAddress
	t.emergency.executionCommittee = types.ZeroAddress
	t.emergency.protectionExpiresAt = 0
	fallback := t.emergency.emergencyGovernance
	if !fallback.IsZero() {
		t.governance = fallback
	}
	t.ledger.cancelAll()
	upTo := t.ledger.cancelledUpTo
	t.mu.Unlock()
	t.logger.Warn(
		"emergency reset performed",
		"component", "timelock",
		"fallback_governance", fallback.String(),
	)
	t.publish(EmergencyResetEventType, fallback)
	t.publish(ProposalsCancelledEventType, ProposalsCancelledEvent{
		UpToId: upTo,
	})
	if !fallback.IsZero() {
		t.publish(GovernanceSetEventType, fallback)
	}
	return nil
}
