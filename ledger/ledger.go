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
	"errors"

	"github.com/gatehouse-labs/drawbridge/types"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("insufficient share balance")
	ErrUnknownRequest      = errors.New("unknown withdrawal request")
	ErrNotRequestOwner     = errors.New("not the withdrawal request owner")
	ErrRequestNotFinalized = errors.New("withdrawal request not finalized")
	ErrRequestClaimed      = errors.New("withdrawal request already claimed")
	ErrRequestValueBounds  = errors.New("request value out of bounds")
)

// StakeLedger is the external staked-asset ledger. The escrow converts both
// native (value-denominated) and wrapped (share-denominated) stake to shares
// through it before any accounting. Returned amounts are freshly allocated;
// callers own them.
type StakeLedger interface {
	// SharesByValue converts a value amount to the share amount it
	// represents at the current rate
	SharesByValue(value *uint256.Int) *uint256.Int
	// ValueByShares converts a share amount to its current value
	ValueByShares(shares *uint256.Int) *uint256.Int
	// TotalSupplyValue is the total outstanding supply in value units
	TotalSupplyValue() *uint256.Int
	// SharesOf returns the share balance of an account
	SharesOf(account types.Address) *uint256.Int
	// TransferShares moves shares between accounts
	TransferShares(from, to types.Address, shares *uint256.Int) error
}

// WithdrawalRequestStatus is the queried state of a discrete withdrawal
// request token
type WithdrawalRequestStatus struct {
	AmountOfValue  *uint256.Int
	AmountOfShares *uint256.Int
	Owner          types.Address
	RequestedAt    types.Timestamp
	IsFinalized    bool
	IsClaimed      bool
}

// WithdrawalQueue is the external withdrawal-request ledger that turns
// locked collateral into claimable value. Requests are identified by
// monotonically increasing ids.
type WithdrawalQueue interface {
	// MinRequestValue and MaxRequestValue bound the per-request amount
	MinRequestValue() *uint256.Int
	MaxRequestValue() *uint256.Int
	// RequestWithdrawals burns shares worth the given value amounts from
	// owner and enqueues one request per amount, returning the new ids
	RequestWithdrawals(
		owner types.Address,
		amounts []*uint256.Int,
	) ([]uint64, error)
	// Statuses returns the status of each id, in order
	Statuses(ids []uint64) ([]WithdrawalRequestStatus, error)
	// Claim pays out the given finalized requests to their owner and
	// returns the total claimed value
	Claim(owner types.Address, ids []uint64) (*uint256.Int, error)
	// Transfer reassigns a request token to a new owner
	Transfer(id uint64, from, to types.Address) error
}
