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

package ledger

import (
	"fmt"
	"sync"

	"github.com/gatehouse-labs/drawbridge/types"
	"github.com/holiman/uint256"
)

type memRequest struct {
	value     *uint256.Int
	shares    *uint256.Int
	owner     types.Address
	requested types.Timestamp
	finalized bool
	claimed   bool
}

// MemLedger is an in-memory StakeLedger and WithdrawalQueue used by tests
// and dev mode. Share/value conversion follows a rebasing rate:
// value = shares * totalSupply / totalShares. Finalization of withdrawal
// requests is driven manually via Finalize.
type MemLedger struct {
	mu            sync.Mutex
	clock         types.Clock
	totalSupply   *uint256.Int
	totalShares   *uint256.Int
	balances      map[types.Address]*uint256.Int
	requests      map[uint64]*memRequest
	nextRequestId uint64
	minRequest    *uint256.Int
	maxRequest    *uint256.Int
}

type MemLedgerConfig struct {
	Clock           types.Clock
	MinRequestValue *uint256.Int
	MaxRequestValue *uint256.Int
}

func NewMemLedger(cfg MemLedgerConfig) *MemLedger {
	clock := cfg.Clock
	if clock == nil {
		clock = types.SystemClock{}
	}
	minRequest := cfg.MinRequestValue
	if minRequest == nil {
		minRequest = uint256.NewInt(100)
	}
	maxRequest := cfg.MaxRequestValue
	if maxRequest == nil {
		// 1000 units of 10^18
		maxRequest = new(uint256.Int).Mul(
			uint256.NewInt(1000),
			uint256.NewInt(1e18),
		)
	}
	return &MemLedger{
		clock:         clock,
		totalSupply:   uint256.NewInt(0),
		totalShares:   uint256.NewInt(0),
		balances:      make(map[types.Address]*uint256.Int),
		requests:      make(map[uint64]*memRequest),
		nextRequestId: 1,
		minRequest:    minRequest.Clone(),
		maxRequest:    maxRequest.Clone(),
	}
}

// Mint credits an account with shares worth the given value and grows the
// total supply accordingly
func (l *MemLedger) Mint(account types.Address, value *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	shares := l.sharesByValue(value)
	l.creditShares(account, shares)
	l.totalShares.Add(l.totalShares, shares)
	l.totalSupply.Add(l.totalSupply, value)
}

// Rebase adjusts total supply without touching share balances, changing the
// share/value rate the way staking rewards or slashing would
func (l *MemLedger) Rebase(newTotalSupply *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalSupply = newTotalSupply.Clone()
}

func (l *MemLedger) SharesByValue(value *uint256.Int) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sharesByValue(value)
}

func (l *MemLedger) ValueByShares(shares *uint256.Int) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.valueByShares(shares)
}

func (l *MemLedger) TotalSupplyValue() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalSupply.Clone()
}

func (l *MemLedger) SharesOf(account types.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[account]; ok {
		return bal.Clone()
	}
	return uint256.NewInt(0)
}

func (l *MemLedger) TransferShares(
	from, to types.Address,
	shares *uint256.Int,
) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferShares(from, to, shares)
}

func (l *MemLedger) MinRequestValue() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minRequest.Clone()
}

func (l *MemLedger) MaxRequestValue() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxRequest.Clone()
}

// SetRequestValueBounds adjusts the per-request size bounds the way a
// queue parameter change would
func (l *MemLedger) SetRequestValueBounds(min, max *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minRequest = min.Clone()
	l.maxRequest = max.Clone()
}

func (l *MemLedger) RequestWithdrawals(
	owner types.Address,
	amounts []*uint256.Int,
) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Validate everything before mutating so a failed request has no
	// effect. Share amounts are computed against the rate as it evolves
	// across the batch, matching the apply loop below.
	supply := l.totalSupply.Clone()
	totalShares := l.totalShares.Clone()
	balance := uint256.NewInt(0)
	if bal, ok := l.balances[owner]; ok {
		balance = bal.Clone()
	}
	requestShares := make([]*uint256.Int, 0, len(amounts))
	for _, amount := range amounts {
		if amount.Lt(l.minRequest) || amount.Gt(l.maxRequest) {
			return nil, fmt.Errorf(
				"%w: %s not in [%s, %s]",
				ErrRequestValueBounds,
				amount,
				l.minRequest,
				l.maxRequest,
			)
		}
		shares := amount.Clone()
		if !supply.IsZero() && !totalShares.IsZero() {
			shares = new(uint256.Int).Mul(amount, totalShares)
			shares.Div(shares, supply)
		}
		if balance.Lt(shares) {
			return nil, fmt.Errorf(
				"%w: account %s",
				ErrInsufficientBalance,
				owner,
			)
		}
		balance.Sub(balance, shares)
		totalShares.Sub(totalShares, shares)
		supply.Sub(supply, amount)
		requestShares = append(requestShares, shares)
	}
	ids := make([]uint64, 0, len(amounts))
	for i, amount := range amounts {
		shares := requestShares[i]
		bal := l.balances[owner]
		bal.Sub(bal, shares)
		// Burn requested stake from supply; its value rides on the request
		l.totalShares.Sub(l.totalShares, shares)
		l.totalSupply.Sub(l.totalSupply, amount)
		id := l.nextRequestId
		l.nextRequestId++
		l.requests[id] = &memRequest{
			value:     amount.Clone(),
			shares:    shares,
			owner:     owner,
			requested: l.clock.Now(),
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (l *MemLedger) Statuses(ids []uint64) ([]WithdrawalRequestStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	statuses := make([]WithdrawalRequestStatus, 0, len(ids))
	for _, id := range ids {
		req, ok := l.requests[id]
		if !ok {
			return nil, fmt.Errorf("%w: id %d", ErrUnknownRequest, id)
		}
		statuses = append(statuses, WithdrawalRequestStatus{
			AmountOfValue:  req.value.Clone(),
			AmountOfShares: req.shares.Clone(),
			Owner:          req.owner,
			RequestedAt:    req.requested,
			IsFinalized:    req.finalized,
			IsClaimed:      req.claimed,
		})
	}
	return statuses, nil
}

// Finalize marks every unfinalized request with id <= upToId as finalized
func (l *MemLedger) Finalize(upToId uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, req := range l.requests {
		if id <= upToId {
			req.finalized = true
		}
	}
}

func (l *MemLedger) Claim(
	owner types.Address,
	ids []uint64,
) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Validate everything before mutating so a failed claim has no effect
	for _, id := range ids {
		req, ok := l.requests[id]
		if !ok {
			return nil, fmt.Errorf("%w: id %d", ErrUnknownRequest, id)
		}
		if req.owner != owner {
			return nil, fmt.Errorf("%w: id %d", ErrNotRequestOwner, id)
		}
		if !req.finalized {
			return nil, fmt.Errorf("%w: id %d", ErrRequestNotFinalized, id)
		}
		if req.claimed {
			return nil, fmt.Errorf("%w: id %d", ErrRequestClaimed, id)
		}
	}
	total := uint256.NewInt(0)
	for _, id := range ids {
		req := l.requests[id]
		req.claimed = true
		total.Add(total, req.value)
	}
	return total, nil
}

func (l *MemLedger) Transfer(id uint64, from, to types.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.requests[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownRequest, id)
	}
	if req.owner != from {
		return fmt.Errorf("%w: id %d", ErrNotRequestOwner, id)
	}
	req.owner = to
	return nil
}

func (l *MemLedger) sharesByValue(value *uint256.Int) *uint256.Int {
	if l.totalSupply.IsZero() || l.totalShares.IsZero() {
		return value.Clone()
	}
	shares := new(uint256.Int).Mul(value, l.totalShares)
	return shares.Div(shares, l.totalSupply)
}

func (l *MemLedger) valueByShares(shares *uint256.Int) *uint256.Int {
	if l.totalSupply.IsZero() || l.totalShares.IsZero() {
		return shares.Clone()
	}
	value := new(uint256.Int).Mul(shares, l.totalSupply)
	return value.Div(value, l.totalShares)
}

func (l *MemLedger) creditShares(account types.Address, shares *uint256.Int) {
	bal, ok := l.balances[account]
	if !ok {
		bal = uint256.NewInt(0)
		l.balances[account] = bal
	}
	bal.Add(bal, shares)
}

func (l *MemLedger) debitShares(
	account types.Address,
	shares *uint256.Int,
) error {
	bal, ok := l.balances[account]
	if !ok || bal.Lt(shares) {
		return fmt.Errorf("%w: account %s", ErrInsufficientBalance, account)
	}
	bal.Sub(bal, shares)
	return nil
}

func (l *MemLedger) transferShares(
	from, to types.Address,
	shares *uint256.Int,
) error {
	if err := l.debitShares(from, shares.Clone()); err != nil {
		return err
	}
	l.creditShares(to, shares.Clone())
	return nil
}
