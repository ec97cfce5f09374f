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

package types

import (
	"fmt"
	"math"

	"github.com/holiman/uint256"
)

// PercentD16 is a fixed-point percentage with 16 decimal places.
// 100% == 100 * 10^16 == 10^18. Threshold comparisons between veto support
// and the configured seals happen in this representation, so the exact
// numerator/denominator composition matters bit-for-bit.
type PercentD16 uint64

const (
	// OnePercentD16 is 1% in fixed-point representation
	OnePercentD16 PercentD16 = 1e16
	// HundredPercentD16 is 100% in fixed-point representation
	HundredPercentD16 PercentD16 = 1e18
)

// PercentFromBasisPoints converts whole basis points (1bp = 0.01%) to
// fixed-point. Used by configuration loading.
func PercentFromBasisPoints(bp uint64) PercentD16 {
	return PercentD16(bp) * (OnePercentD16 / 100)
}

// PercentFromFraction computes num/den as a fixed-point percentage,
// rounding down. A zero denominator yields zero. Results above the uint64
// range saturate, which can only happen when the numerator exceeds the
// denominator by more than ~18x.
func PercentFromFraction(num, den *uint256.Int) PercentD16 {
	if den == nil || den.IsZero() || num == nil || num.IsZero() {
		return 0
	}
	scaled := new(uint256.Int).Mul(num, uint256.NewInt(uint64(HundredPercentD16)))
	scaled.Div(scaled, den)
	if !scaled.IsUint64() {
		return PercentD16(math.MaxUint64)
	}
	return PercentD16(scaled.Uint64())
}

func (p PercentD16) String() string {
	whole := uint64(p) / uint64(OnePercentD16)
	frac := uint64(p) % uint64(OnePercentD16)
	if frac == 0 {
		return fmt.Sprintf("%d%%", whole)
	}
	return fmt.Sprintf("%d.%016d%%", whole, frac)
}
