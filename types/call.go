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

import "github.com/holiman/uint256"

// ExternalCall is one call of a proposal's call bundle: a target account,
// an optional value transfer, and an opaque payload the executor dispatches
type ExternalCall struct {
	Target  Address
	Value   *uint256.Int
	Payload []byte
}

// Clone returns a deep copy of the call
func (c ExternalCall) Clone() ExternalCall {
	clone := ExternalCall{
		Target: c.Target,
	}
	if c.Value != nil {
		clone.Value = c.Value.Clone()
	}
	if len(c.Payload) > 0 {
		clone.Payload = make([]byte, len(c.Payload))
		copy(clone.Payload, c.Payload)
	}
	return clone
}

// CloneExternalCalls deep-copies a call bundle
func CloneExternalCalls(calls []ExternalCall) []ExternalCall {
	if calls == nil {
		return nil
	}
	out := make([]ExternalCall, len(calls))
	for i, c := range calls {
		out[i] = c.Clone()
	}
	return out
}
