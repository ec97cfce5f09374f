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
	"sync"
	"time"
)

// Timestamp is a wall-clock instant in whole seconds since the Unix epoch.
// The zero value means "not set" and is treated specially by several
// protocol checks.
type Timestamp int64

// TimestampFromTime converts a time.Time, truncating to whole seconds
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.Unix())
}

// Add returns the timestamp shifted forward by the given duration
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(d/time.Second)
}

// Sub returns the duration elapsed from other to t. Negative when t is
// earlier than other.
func (t Timestamp) Sub(other Timestamp) time.Duration {
	return time.Duration(t-other) * time.Second
}

// After returns true if t is strictly later than other
func (t Timestamp) After(other Timestamp) bool {
	return t > other
}

// Before returns true if t is strictly earlier than other
func (t Timestamp) Before(other Timestamp) bool {
	return t < other
}

// IsZero returns true for the unset timestamp
func (t Timestamp) IsZero() bool {
	return t == 0
}

// Time converts back to a time.Time in UTC
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0).UTC()
}

func (t Timestamp) String() string {
	if t.IsZero() {
		return "unset"
	}
	return t.Time().Format(time.RFC3339)
}

// Clock provides the current protocol time. All time-gated transitions read
// the clock exactly once per operation so a single operation observes a
// consistent "now".
type Clock interface {
	Now() Timestamp
}

// SystemClock reads the host wall clock
type SystemClock struct{}

func (SystemClock) Now() Timestamp {
	return TimestampFromTime(time.Now())
}

// ManualClock is a settable clock for tests and dev mode
type ManualClock struct {
	mu  sync.Mutex
	now Timestamp
}

func NewManualClock(start Timestamp) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by the given duration
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to an absolute instant
func (c *ManualClock) Set(t Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
