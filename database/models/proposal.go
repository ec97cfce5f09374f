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

import "errors"

var ErrProposalRecordNotFound = errors.New("proposal record not found")

// ProposalRecord mirrors a timelock proposal's lifecycle for operators.
// Lifecycle: submitted -> scheduled -> executed, or cancelled.
type ProposalRecord struct {
	ID          uint   `gorm:"primarykey"`
	ProposalId  uint64 `gorm:"uniqueIndex;not null"`
	Proposer    string `gorm:"size:42;index;not null"`
	Executor    string `gorm:"size:42;not null"`
	Status      string `gorm:"size:16;index;not null"`
	SubmittedAt int64  `gorm:"index;not null"`
	ScheduledAt *int64
	ExecutedAt  *int64
	CancelledAt *int64
}

// TableName returns the table name
func (ProposalRecord) TableName() string {
	return "proposal_record"
}
