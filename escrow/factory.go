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

package escrow

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gatehouse-labs/drawbridge/event"
	"github.com/gatehouse-labs/drawbridge/ledger"
	"github.com/gatehouse-labs/drawbridge/types"
)

// Metrics is the escrow gauge set, shared across every instance the
// factory deploys and partitioned by escrow address
type Metrics struct {
	lockedShares      *prometheus.GaugeVec
	unfinalizedShares *prometheus.GaugeVec
	finalizedValue    *prometheus.GaugeVec
	claimedValue      *prometheus.GaugeVec
}

func NewMetrics(promRegistry prometheus.Registerer) *Metrics {
	promautoFactory := promauto.With(promRegistry)
	return &Metrics{
		lockedShares: promautoFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "drawbridge_escrow_locked_shares",
				Help: "stake shares locked in the escrow",
			},
			[]string{"escrow"},
		),
		unfinalizedShares: promautoFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "drawbridge_escrow_unfinalized_shares",
				Help: "shares backing unfinalized locked withdrawal requests",
			},
			[]string{"escrow"},
		),
		finalizedValue: promautoFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "drawbridge_escrow_finalized_value",
				Help: "value of finalized locked withdrawal requests",
			},
			[]string{"escrow"},
		),
		claimedValue: promautoFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "drawbridge_escrow_claimed_value",
				Help: "collateral value claimed during rage quit",
			},
			[]string{"escrow"},
		),
	}
}

// FactoryConfig is the template every deployed escrow is stamped from
type FactoryConfig struct {
	Logger                *slog.Logger
	EventBus              *event.EventBus
	PromRegistry          prometheus.Registerer
	Clock                 types.Clock
	Stake                 ledger.StakeLedger
	Withdrawals           ledger.WithdrawalQueue
	MinAssetsLockDuration time.Duration
}

// Factory deploys escrow instances from a fixed template. The governance
// state machine asks it for a fresh signalling escrow whenever the previous
// one rotates into the rage-quit role.
type Factory struct {
	cfg     FactoryConfig
	metrics *Metrics

	mu       sync.Mutex
	hook     GovernanceHook
	counter  uint64
	deployed []*Escrow
}

func NewFactory(cfg FactoryConfig) *Factory {
	f := &Factory{
		cfg: cfg,
	}
	if cfg.PromRegistry != nil {
		f.metrics = NewMetrics(cfg.PromRegistry)
	}
	return f
}

// SetGovernanceHook binds the state machine callback on every deployed
// escrow and every future deployment. The initial escrow is deployed before
// the state machine exists, so binding happens retroactively.
func (f *Factory) SetGovernanceHook(hook GovernanceHook) {
	f.mu.Lock()
	f.hook = hook
	deployed := make([]*Escrow, len(f.deployed))
	copy(deployed, f.deployed)
	f.mu.Unlock()
	for _, e := range deployed {
		e.SetGovernanceHook(hook)
	}
}

// Deploy creates a fresh escrow in the signalling role with a deterministic
// per-instance address
func (f *Factory) Deploy() *Escrow {
	f.mu.Lock()
	seq := f.counter
	f.counter++
	hook := f.hook
	f.mu.Unlock()
	e := NewEscrow(EscrowConfig{
		Logger:                f.cfg.Logger,
		EventBus:              f.cfg.EventBus,
		Metrics:               f.metrics,
		Clock:                 f.cfg.Clock,
		Stake:                 f.cfg.Stake,
		Withdrawals:           f.cfg.Withdrawals,
		Address:               escrowAddress(seq),
		MinAssetsLockDuration: f.cfg.MinAssetsLockDuration,
	})
	if hook != nil {
		e.SetGovernanceHook(hook)
	}
	f.mu.Lock()
	f.deployed = append(f.deployed, e)
	f.mu.Unlock()
	return e
}

func escrowAddress(seq uint64) types.Address {
	sum := sha256.Sum256(fmt.Appendf(nil, "drawbridge-escrow-%d", seq))
	var addr types.Address
	copy(addr[:], sum[:20])
	return addr
}

func u256Float(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
