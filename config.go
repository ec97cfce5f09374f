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
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/gatehouse-labs/drawbridge/governance"
	"github.com/gatehouse-labs/drawbridge/ledger"
	"github.com/gatehouse-labs/drawbridge/timelock"
	"github.com/gatehouse-labs/drawbridge/types"
	"github.com/prometheus/client_golang/prometheus"
)

// ProposerBinding registers a proposer with its bound executor at startup
type ProposerBinding struct {
	Proposer types.Address
	Executor types.Address
}

type Config struct {
	promRegistry          prometheus.Registerer
	logger                *slog.Logger
	clock                 types.Clock
	stakeLedger           ledger.StakeLedger
	withdrawalQueue       ledger.WithdrawalQueue
	dispatcher            timelock.CallDispatcher
	dataDir               string
	governanceConfig      governance.Config
	emergencyProtection   timelock.EmergencyProtectionConfig
	tiebreakerMembers     []types.Address
	proposers             []ProposerBinding
	adminExecutor         types.Address
	proposalsCanceller    types.Address
	minAssetsLockDuration time.Duration
	afterSubmitDelay      time.Duration
	afterScheduleDelay    time.Duration
	tiebreakerTimeout     time.Duration
	shutdownTimeout       time.Duration
	tiebreakerQuorum      int
	tracing               bool
	tracingStdout         bool
}

// GovernanceConfig returns the configured governance thresholds and
// durations. Useful as a base for overriding individual values
func (c Config) GovernanceConfig() governance.Config {
	return c.governanceConfig
}

// ConfigOptionFunc is a type that represents functions that modify the node config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new drawbridge config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		clock:  types.SystemClock{},
		governanceConfig: governance.Config{
			FirstSealRageQuitSupport:              types.OnePercentD16,
			SecondSealRageQuitSupport:             10 * types.OnePercentD16,
			DynamicTimelockMinDuration:            3 * 24 * time.Hour,
			DynamicTimelockMaxDuration:            30 * 24 * time.Hour,
			VetoSignallingMinActiveDuration:       5 * time.Hour,
			VetoSignallingDeactivationMaxDuration: 5 * 24 * time.Hour,
			VetoCooldownDuration:                  4 * time.Hour,
			RageQuitExtensionPeriod:               7 * 24 * time.Hour,
			RageQuitWithdrawalsMinTimelock:        60 * 24 * time.Hour,
			RageQuitWithdrawalsMaxTimelock:        180 * 24 * time.Hour,
			RageQuitWithdrawalsTimelockGrowth:     15 * 24 * time.Hour,
			MaxMinAssetsLockDuration:              48 * 24 * time.Hour,
		},
		minAssetsLockDuration: 5 * time.Hour,
		afterSubmitDelay:      3 * 24 * time.Hour,
		afterScheduleDelay:    3 * 24 * time.Hour,
		tiebreakerTimeout:     365 * 24 * time.Hour,
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (n *Node) configValidate() error {
	if err := n.config.governanceConfig.Validate(); err != nil {
		return err
	}
	if n.config.adminExecutor == types.ZeroAddress {
		return errors.New("no admin executor configured")
	}
	if n.config.afterScheduleDelay <= 0 {
		return errors.New("after-schedule delay must be positive")
	}
	if len(n.config.tiebreakerMembers) > 0 {
		if n.config.tiebreakerQuorum < 1 ||
			n.config.tiebreakerQuorum > len(n.config.tiebreakerMembers) {
			return errors.New("tiebreaker quorum out of range")
		}
	}
	return nil
}

// WithLogger specifies the logger to use. This defaults to discarding log output
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add metrics to. In most cases, prometheus.DefaultRegistry would be
// a good choice to get metrics working
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithClock specifies the clock used for all time-dependent state. This
// defaults to the system clock and is mostly useful for testing
func WithClock(clock types.Clock) ConfigOptionFunc {
	return func(c *Config) {
		c.clock = clock
	}
}

// WithDatabasePath specifies the persistent data directory to use. The default is to store everything in memory
func WithDatabasePath(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithTracing enables tracing. By default, spans are submitted to a HTTP(s) endpoint using OTLP. This can be configured
// using the OTEL_EXPORTER_OTLP_* env vars documented in the README for [go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp]
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also requires tracing to enabled separately. This is mostly useful for debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}

// WithShutdownTimeout specifies the timeout for graceful shutdown. The default is 30 seconds
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}

// WithGovernanceConfig specifies the phase thresholds and durations for the
// governance state machine. Defaults follow the reference deployment
// parameters
func WithGovernanceConfig(cfg governance.Config) ConfigOptionFunc {
	return func(c *Config) {
		c.governanceConfig = cfg
	}
}

// WithMinAssetsLockDuration specifies the minimum time locked assets must
// stay in a signalling escrow before they can be unlocked. Default is 5 hours
func WithMinAssetsLockDuration(d time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.minAssetsLockDuration = d
	}
}

// WithTimelockDelays specifies the after-submit and after-schedule delays
// for the protected timelock. Both default to 3 days
func WithTimelockDelays(
	afterSubmit, afterSchedule time.Duration,
) ConfigOptionFunc {
	return func(c *Config) {
		c.afterSubmitDelay = afterSubmit
		c.afterScheduleDelay = afterSchedule
	}
}

// WithAdminExecutor specifies the executor account that gates management
// operations on the timelock. This is required
func WithAdminExecutor(addr types.Address) ConfigOptionFunc {
	return func(c *Config) {
		c.adminExecutor = addr
	}
}

// WithProposalsCanceller specifies the only account allowed to bulk-cancel
// pending proposals through the governance front-end
func WithProposalsCanceller(addr types.Address) ConfigOptionFunc {
	return func(c *Config) {
		c.proposalsCanceller = addr
	}
}

// WithEmergencyProtection specifies the emergency committee configuration
// for the timelock. A zero value leaves emergency protection disabled
func WithEmergencyProtection(
	cfg timelock.EmergencyProtectionConfig,
) ConfigOptionFunc {
	return func(c *Config) {
		c.emergencyProtection = cfg
	}
}

// WithTiebreakerCommittee specifies the tiebreaker committee membership and
// quorum. An empty member list leaves the tiebreaker disabled
func WithTiebreakerCommittee(
	members []types.Address,
	quorum int,
) ConfigOptionFunc {
	return func(c *Config) {
		c.tiebreakerMembers = members
		c.tiebreakerQuorum = quorum
	}
}

// WithTiebreakerActivationTimeout specifies how long proposal adoption must
// be blocked before the tiebreaker may intervene. Default is 365 days
func WithTiebreakerActivationTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.tiebreakerTimeout = timeout
	}
}

// WithProposers specifies proposer accounts and their executor bindings to
// register at startup
func WithProposers(proposers ...ProposerBinding) ConfigOptionFunc {
	return func(c *Config) {
		c.proposers = append(c.proposers, proposers...)
	}
}

// WithStakeLedger specifies the external stake ledger the escrows lock
// collateral against. The default is an in-memory ledger
func WithStakeLedger(stake ledger.StakeLedger) ConfigOptionFunc {
	return func(c *Config) {
		c.stakeLedger = stake
	}
}

// WithWithdrawalQueue specifies the external withdrawal queue used for
// rage-quit batch withdrawals. The default is an in-memory ledger
func WithWithdrawalQueue(queue ledger.WithdrawalQueue) ConfigOptionFunc {
	return func(c *Config) {
		c.withdrawalQueue = queue
	}
}

// WithCallDispatcher specifies the dispatcher that performs a proposal's
// external calls on execution. The default dispatcher drops calls after
// logging them
func WithCallDispatcher(dispatcher timelock.CallDispatcher) ConfigOptionFunc {
	return func(c *Config) {
		c.dispatcher = dispatcher
	}
}
