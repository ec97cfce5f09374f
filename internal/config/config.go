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

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "drawbridge.config"

const DefaultShutdownTimeout = "30s"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// GovernanceConfig carries the state machine thresholds and durations.
// Thresholds are in basis points. Durations are Go duration strings.
type GovernanceConfig struct {
	FirstSealSupportBps               uint64 `yaml:"firstSealSupportBps"               split_words:"true"`
	SecondSealSupportBps              uint64 `yaml:"secondSealSupportBps"              split_words:"true"`
	DynamicTimelockMin                string `yaml:"dynamicTimelockMin"                split_words:"true"`
	DynamicTimelockMax                string `yaml:"dynamicTimelockMax"                split_words:"true"`
	VetoSignallingMinActive           string `yaml:"vetoSignallingMinActive"           split_words:"true"`
	VetoSignallingDeactivationMax     string `yaml:"vetoSignallingDeactivationMax"     split_words:"true"`
	VetoCooldown                      string `yaml:"vetoCooldown"                      split_words:"true"`
	RageQuitExtensionPeriod           string `yaml:"rageQuitExtensionPeriod"           split_words:"true"`
	RageQuitWithdrawalsMinTimelock    string `yaml:"rageQuitWithdrawalsMinTimelock"    split_words:"true"`
	RageQuitWithdrawalsMaxTimelock    string `yaml:"rageQuitWithdrawalsMaxTimelock"    split_words:"true"`
	RageQuitWithdrawalsTimelockGrowth string `yaml:"rageQuitWithdrawalsTimelockGrowth" split_words:"true"`
	MaxMinAssetsLockDuration          string `yaml:"maxMinAssetsLockDuration"          split_words:"true"`
}

// EmergencyConfig carries the emergency committee setup. Empty addresses
// leave emergency protection disabled.
type EmergencyConfig struct {
	ActivationCommittee string `yaml:"activationCommittee" split_words:"true"`
	ExecutionCommittee  string `yaml:"executionCommittee"  split_words:"true"`
	Governance          string `yaml:"governance"`
	ProtectionDuration  string `yaml:"protectionDuration"  split_words:"true"`
	ModeDuration        string `yaml:"modeDuration"        split_words:"true"`
}

// TiebreakerConfig carries the tiebreaker committee setup. An empty member
// list leaves the tiebreaker disabled.
type TiebreakerConfig struct {
	Members           []string `yaml:"members"`
	Quorum            int      `yaml:"quorum"`
	ActivationTimeout string   `yaml:"activationTimeout" split_words:"true"`
}

// ProposerConfig binds a proposer account to its executor
type ProposerConfig struct {
	Proposer string `yaml:"proposer"`
	Executor string `yaml:"executor"`
}

type Config struct {
	DatabasePath          string           `yaml:"databasePath"                                      split_words:"true"`
	BindAddr              string           `yaml:"bindAddr"                                          split_words:"true"`
	ShutdownTimeout       string           `yaml:"shutdownTimeout"                                   split_words:"true"`
	AdminExecutor         string           `yaml:"adminExecutor"                                     split_words:"true"`
	ProposalsCanceller    string           `yaml:"proposalsCanceller"                                split_words:"true"`
	AfterSubmitDelay      string           `yaml:"afterSubmitDelay"                                  split_words:"true"`
	AfterScheduleDelay    string           `yaml:"afterScheduleDelay"                                split_words:"true"`
	MinAssetsLockDuration string           `yaml:"minAssetsLockDuration"                             split_words:"true"`
	Governance            GovernanceConfig `yaml:"governance"`
	Emergency             EmergencyConfig  `yaml:"emergency"`
	Tiebreaker            TiebreakerConfig `yaml:"tiebreaker"`
	Proposers             []ProposerConfig `yaml:"proposers"`
	MetricsPort           uint             `yaml:"metricsPort"                                       split_words:"true"`
	Tracing               bool             `yaml:"tracing"`
	TracingStdout         bool             `yaml:"tracingStdout"                                     split_words:"true"`
}

var globalConfig = &Config{
	DatabasePath:    ".drawbridge",
	BindAddr:        "0.0.0.0",
	MetricsPort:     12798,
	ShutdownTimeout: DefaultShutdownTimeout,
}

func LoadConfig(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile == "" {
		// Check for config file in this path: ~/.drawbridge/drawbridge.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(
				homeDir,
				".drawbridge",
				"drawbridge.yaml",
			)
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}

		// Try to check for /etc/drawbridge/drawbridge.yaml if still not found
		if configFile == "" {
			systemPath := "/etc/drawbridge/drawbridge.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		err = yaml.Unmarshal(buf, globalConfig)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Process environment variables
	err := envconfig.Process("drawbridge", globalConfig)
	if err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}
	if err := globalConfig.validate(); err != nil {
		return nil, err
	}
	return globalConfig, nil
}

func (c *Config) validate() error {
	durationFields := map[string]string{
		"shutdownTimeout":                   c.ShutdownTimeout,
		"afterSubmitDelay":                  c.AfterSubmitDelay,
		"afterScheduleDelay":                c.AfterScheduleDelay,
		"minAssetsLockDuration":             c.MinAssetsLockDuration,
		"dynamicTimelockMin":                c.Governance.DynamicTimelockMin,
		"dynamicTimelockMax":                c.Governance.DynamicTimelockMax,
		"vetoSignallingMinActive":           c.Governance.VetoSignallingMinActive,
		"vetoSignallingDeactivationMax":     c.Governance.VetoSignallingDeactivationMax,
		"vetoCooldown":                      c.Governance.VetoCooldown,
		"rageQuitExtensionPeriod":           c.Governance.RageQuitExtensionPeriod,
		"rageQuitWithdrawalsMinTimelock":    c.Governance.RageQuitWithdrawalsMinTimelock,
		"rageQuitWithdrawalsMaxTimelock":    c.Governance.RageQuitWithdrawalsMaxTimelock,
		"rageQuitWithdrawalsTimelockGrowth": c.Governance.RageQuitWithdrawalsTimelockGrowth,
		"maxMinAssetsLockDuration":          c.Governance.MaxMinAssetsLockDuration,
		"emergency.protectionDuration":      c.Emergency.ProtectionDuration,
		"emergency.modeDuration":            c.Emergency.ModeDuration,
		"tiebreaker.activationTimeout":      c.Tiebreaker.ActivationTimeout,
	}
	for name, value := range durationFields {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if c.Governance.FirstSealSupportBps > 0 &&
		c.Governance.SecondSealSupportBps > 0 &&
		c.Governance.FirstSealSupportBps >= c.Governance.SecondSealSupportBps {
		return fmt.Errorf(
			"firstSealSupportBps (%d) must be below secondSealSupportBps (%d)",
			c.Governance.FirstSealSupportBps,
			c.Governance.SecondSealSupportBps,
		)
	}
	return nil
}

// Duration parses a duration field, falling back to a default when the
// field is empty
func Duration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}

func GetConfig() *Config {
	return globalConfig
}
