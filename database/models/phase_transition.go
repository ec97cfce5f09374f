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

// PhaseTransition is one governance phase change, appended in order of
// occurrence
type PhaseTransition struct {
	ID         uint   `gorm:"primarykey"`
	FromPhase  string `gorm:"size:32;not null"`
	ToPhase    string `gorm:"size:32;index;not null"`
	OccurredAt int64  `gorm:"index;not null"`
}

// TableName returns the table name
func (PhaseTransition) TableName() string {
	return "phase_transition"
}
