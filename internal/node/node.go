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

package node

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gatehouse-labs/drawbridge"
	"github.com/gatehouse-labs/drawbridge/governance"
	"github.com/gatehouse-labs/drawbridge/internal/config"
	"github.com/gatehouse-labs/drawbridge/timelock"
	"github.com/gatehouse-labs/drawbridge/types"
)

// buildOptions converts the daemon config into library config options
func buildOptions(
	cfg *config.Config,
	logger *slog.Logger,
) ([]drawbridge.ConfigOptionFunc, time.Duration, error) {
	shutdownTimeout, err := config.Duration(
		cfg.ShutdownTimeout,
		30*time.Second,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid shutdown timeout: %w", err)
	}
	opts := []drawbridge.ConfigOptionFunc{
		drawbridge.WithLogger(logger),
		drawbridge.WithDatabasePath(cfg.DatabasePath),
		drawbridge.WithShutdownTimeout(shutdownTimeout),
		drawbridge.WithTracing(cfg.Tracing),
		drawbridge.WithTracingStdout(cfg.TracingStdout),
		// Enable metrics with default prometheus registry
		drawbridge.WithPrometheusRegistry(prometheus.DefaultRegisterer),
	}
	if cfg.AdminExecutor != "" {
		admin, err := types.ParseAddress(cfg.AdminExecutor)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid admin executor: %w", err)
		}
		opts = append(opts, drawbridge.WithAdminExecutor(admin))
	}
	if cfg.ProposalsCanceller != "" {
		canceller, err := types.ParseAddress(cfg.ProposalsCanceller)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid proposals canceller: %w", err)
		}
		opts = append(opts, drawbridge.WithProposalsCanceller(canceller))
	}
	govCfg, err := buildGovernanceConfig(cfg)
	if err != nil {
		return nil, 0, err
	}
	opts = append(opts, drawbridge.WithGovernanceConfig(govCfg))
	afterSubmit, err := config.Duration(cfg.AfterSubmitDelay, 3*24*time.Hour)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid after-submit delay: %w", err)
	}
	afterSchedule, err := config.Duration(
		cfg.AfterScheduleDelay,
		3*24*time.Hour,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid after-schedule delay: %w", err)
	}
	opts = append(
		opts,
		drawbridge.WithTimelockDelays(afterSubmit, afterSchedule),
	)
	minLock, err := config.Duration(cfg.MinAssetsLockDuration, 5*time.Hour)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid min assets lock duration: %w", err)
	}
	opts = append(opts, drawbridge.WithMinAssetsLockDuration(minLock))
	if cfg.Emergency.ActivationCommittee != "" {
		emergency, err := buildEmergencyConfig(cfg)
		if err != nil {
			return nil, 0, err
		}
		opts = append(opts, drawbridge.WithEmergencyProtection(emergency))
	}
	if len(cfg.Tiebreaker.Members) > 0 {
		members := make([]types.Address, 0, len(cfg.Tiebreaker.Members))
		for _, member := range cfg.Tiebreaker.Members {
			addr, err := types.ParseAddress(member)
			if err != nil {
				return nil, 0, fmt.Errorf(
					"invalid tiebreaker member: %w",
					err,
				)
			}
			members = append(members, addr)
		}
		opts = append(
			opts,
			drawbridge.WithTiebreakerCommittee(members, cfg.Tiebreaker.Quorum),
		)
		timeout, err := config.Duration(
			cfg.Tiebreaker.ActivationTimeout,
			365*24*time.Hour,
		)
		if err != nil {
			return nil, 0, fmt.Errorf(
				"invalid tiebreaker activation timeout: %w",
				err,
			)
		}
		opts = append(
			opts,
			drawbridge.WithTiebreakerActivationTimeout(timeout),
		)
	}
	for _, binding := range cfg.Proposers {
		proposer, err := types.ParseAddress(binding.Proposer)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid proposer: %w", err)
		}
		executor, err := types.ParseAddress(binding.Executor)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid executor: %w", err)
		}
		opts = append(opts, drawbridge.WithProposers(
			drawbridge.ProposerBinding{
				Proposer: proposer,
				Executor: executor,
			},
		))
	}
	return opts, shutdownTimeout, nil
}

func buildGovernanceConfig(cfg *config.Config) (governance.Config, error) {
	// Start from library defaults and overlay configured values
	govCfg := drawbridge.NewConfig().GovernanceConfig()
	if cfg.Governance.FirstSealSupportBps > 0 {
		govCfg.FirstSealRageQuitSupport = types.PercentFromBasisPoints(
			cfg.Governance.FirstSealSupportBps,
		)
	}
	if cfg.Governance.SecondSealSupportBps > 0 {
		govCfg.SecondSealRageQuitSupport = types.PercentFromBasisPoints(
			cfg.Governance.SecondSealSupportBps,
		)
	}
	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"dynamic timelock min", cfg.Governance.DynamicTimelockMin, &govCfg.DynamicTimelockMinDuration},
		{"dynamic timelock max", cfg.Governance.DynamicTimelockMax, &govCfg.DynamicTimelockMaxDuration},
		{"veto signalling min active", cfg.Governance.VetoSignallingMinActive, &govCfg.VetoSignallingMinActiveDuration},
		{"veto signalling deactivation max", cfg.Governance.VetoSignallingDeactivationMax, &govCfg.VetoSignallingDeactivationMaxDuration},
		{"veto cooldown", cfg.Governance.VetoCooldown, &govCfg.VetoCooldownDuration},
		{"rage quit extension period", cfg.Governance.RageQuitExtensionPeriod, &govCfg.RageQuitExtensionPeriod},
		{"rage quit withdrawals min timelock", cfg.Governance.RageQuitWithdrawalsMinTimelock, &govCfg.RageQuitWithdrawalsMinTimelock},
		{"rage quit withdrawals max timelock", cfg.Governance.RageQuitWithdrawalsMaxTimelock, &govCfg.RageQuitWithdrawalsMaxTimelock},
		{"rage quit withdrawals timelock growth", cfg.Governance.RageQuitWithdrawalsTimelockGrowth, &govCfg.RageQuitWithdrawalsTimelockGrowth},
		{"max min assets lock duration", cfg.Governance.MaxMinAssetsLockDuration, &govCfg.MaxMinAssetsLockDuration},
	}
	for _, d := range durations {
		parsed, err := config.Duration(d.value, *d.dst)
		if err != nil {
			return govCfg, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return govCfg, nil
}

func buildEmergencyConfig(
	cfg *config.Config,
) (timelock.EmergencyProtectionConfig, error) {
	var emergency timelock.EmergencyProtectionConfig
	activation, err := types.ParseAddress(cfg.Emergency.ActivationCommittee)
	if err != nil {
		return emergency, fmt.Errorf(
			"invalid emergency activation committee: %w",
			err,
		)
	}
	emergency.ActivationCommittee = activation
	if cfg.Emergency.ExecutionCommittee != "" {
		execution, err := types.ParseAddress(cfg.Emergency.ExecutionCommittee)
		if err != nil {
			return emergency, fmt.Errorf(
				"invalid emergency execution committee: %w",
				err,
			)
		}
		emergency.ExecutionCommittee = execution
	}
	if cfg.Emergency.Governance != "" {
		fallback, err := types.ParseAddress(cfg.Emergency.Governance)
		if err != nil {
			return emergency, fmt.Errorf(
				"invalid emergency governance: %w",
				err,
			)
		}
		emergency.EmergencyGovernance = fallback
	}
	protection, err := config.Duration(
		cfg.Emergency.ProtectionDuration,
		365*24*time.Hour,
	)
	if err != nil {
		return emergency, fmt.Errorf(
			"invalid emergency protection duration: %w",
			err,
		)
	}
	emergency.ProtectionExpiresAt = types.Timestamp(
		time.Now().Add(protection).Unix(),
	)
	mode, err := config.Duration(
		cfg.Emergency.ModeDuration,
		30*24*time.Hour,
	)
	if err != nil {
		return emergency, fmt.Errorf(
			"invalid emergency mode duration: %w",
			err,
		)
	}
	emergency.ModeDuration = mode
	return emergency, nil
}

func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg), "component", "node")

	opts, shutdownTimeout, err := buildOptions(cfg, logger)
	if err != nil {
		return err
	}
	d, err := drawbridge.New(drawbridge.NewConfig(opts...))
	if err != nil {
		return err
	}
	// Metrics and debug listener
	http.Handle("/metrics", promhttp.Handler())
	logger.Info(
		"serving prometheus metrics on "+fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		"component",
		"node",
	)
	metricsServer := &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error(
				fmt.Sprintf("failed to start metrics listener: %s", err),
				"component", "node",
			)
			os.Exit(1)
		}
	}()
	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	// Run node in goroutine
	errChan := make(chan error, 1)
	go func() {
		err := d.Run()
		select {
		case errChan <- err:
		case <-signalCtx.Done():
		}
	}()

	// Wait for signal or error
	select {
	case <-signalCtx.Done():
		logger.Info("signal received, initiating graceful shutdown")

		// Shutdown metrics server
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}

		// Shutdown node
		if err := d.Stop(); err != nil {
			logger.Error("shutdown errors occurred", "error", err)
			return err
		}
		logger.Info("shutdown complete")
		return nil

	case err := <-errChan:
		if err == nil {
			logger.Info("node stopped")
			return nil
		}
		logger.Error("node error", "error", err)
		signalCtxStop()

		// Shutdown node resources
		if stopErr := d.Stop(); stopErr != nil {
			logger.Error(
				"shutdown errors occurred during error cleanup",
				"error",
				stopErr,
			)
		}

		// Cleanup on error
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("metrics server shutdown error", "error", shutdownErr)
		}

		return err
	}
}
