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

package models

// EscrowEvent is one escrow accounting movement. Amounts are decimal
// strings because they can exceed 64 bits.
type EscrowEvent struct {
	ID         uint   `gorm:"primarykey"`
	Escrow     string `gorm:"size:42;index;not null"`
	Kind       string `gorm:"size:32;index;not null"`
	Vetoer     string `gorm:"size:42;index"`
	Amount     string `gorm:"size:80"`
	OccurredAt int64  `gorm:"index;not null"`
}

// TableName returns the table name
func (EscrowEvent) TableName() string {
	return "escrow_event"
}
