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

package database

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/gatehouse-labs/drawbridge/database/models"
)

// Store is the SQLite-backed operational record of the protocol: proposal
// lifecycles, governance phase transitions, and escrow accounting events.
// It is an observer fed from the event bus, not an authority; the
// in-memory component state stays the source of truth.
type Store struct {
	db      *gorm.DB
	logger  *slog.Logger
	dataDir string
}

// New creates a store. Uses an in-memory database if dataDir is empty.
func New(
	dataDir string,
	logger *slog.Logger,
) (*Store, error) {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var db *gorm.DB
	var err error
	if dataDir == "" {
		// In-memory database when no data directory is specified, useful
		// for testing. cache=shared lets multiple connections share it.
		db, err = gorm.Open(
			sqlite.Open("file::memory:?cache=shared"),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
			},
		)
		if err != nil {
			return nil, err
		}
	} else {
		// Make sure that we can read data dir, and create if it doesn't exist
		if _, err := os.Stat(dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(dataDir, fs.ModePerm); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		dbPath := filepath.Join(dataDir, "drawbridge.sqlite")
		// WAL journal mode, disable sync on write
		connOpts := "_pragma=journal_mode(WAL)&_pragma=sync(OFF)"
		db, err = gorm.Open(
			sqlite.Open(fmt.Sprintf("file:%s?%s", dbPath, connOpts)),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
			},
		)
		if err != nil {
			return nil, err
		}
	}
	s := &Store{
		db:      db,
		logger:  logger,
		dataDir: dataDir,
	}
	// Configure tracing for GORM
	if err := s.db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}
	for _, model := range models.MigrateModels {
		s.logger.Debug(fmt.Sprintf("creating table: %#v", model))
		if err := s.db.AutoMigrate(model); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// DB returns the underlying gorm handle
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDb.Close()
}

// RecordProposalSubmitted inserts a fresh proposal record
func (s *Store) RecordProposalSubmitted(
	proposalId uint64,
	proposer string,
	executor string,
	submittedAt int64,
) error {
	record := models.ProposalRecord{
		ProposalId:  proposalId,
		Proposer:    proposer,
		Executor:    executor,
		Status:      "Pending",
		SubmittedAt: submittedAt,
	}
	if result := s.db.Create(&record); result.Error != nil {
		return result.Error
	}
	return nil
}

// RecordProposalScheduled marks a proposal record scheduled
func (s *Store) RecordProposalScheduled(
	proposalId uint64,
	scheduledAt int64,
) error {
	result := s.db.Model(&models.ProposalRecord{}).
		Where("proposal_id = ?", proposalId).
		Updates(map[string]any{
			"status":       "Scheduled",
			"scheduled_at": scheduledAt,
		})
	return result.Error
}

// RecordProposalExecuted marks a proposal record executed
func (s *Store) RecordProposalExecuted(
	proposalId uint64,
	executedAt int64,
) error {
	result := s.db.Model(&models.ProposalRecord{}).
		Where("proposal_id = ?", proposalId).
		Updates(map[string]any{
			"status":      "Executed",
			"executed_at": executedAt,
		})
	return result.Error
}

// RecordProposalsCancelled marks every non-executed record at or below
// the watermark cancelled
func (s *Store) RecordProposalsCancelled(
	upToId uint64,
	cancelledAt int64,
) error {
	result := s.db.Model(&models.ProposalRecord{}).
		Where("proposal_id <= ? AND status IN ?",
			upToId, []string{"Pending", "Scheduled"}).
		Updates(map[string]any{
			"status":       "Cancelled",
			"cancelled_at": cancelledAt,
		})
	return result.Error
}

// GetProposalRecord fetches one proposal record by its timelock id
func (s *Store) GetProposalRecord(
	proposalId uint64,
) (models.ProposalRecord, error) {
	var record models.ProposalRecord
	result := s.db.
		Where("proposal_id = ?", proposalId).
		First(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return record, models.ErrProposalRecordNotFound
		}
		return record, result.Error
	}
	return record, nil
}

// RecordPhaseTransition appends one governance phase change
func (s *Store) RecordPhaseTransition(
	fromPhase string,
	toPhase string,
	occurredAt int64,
) error {
	record := models.PhaseTransition{
		FromPhase:  fromPhase,
		ToPhase:    toPhase,
		OccurredAt: occurredAt,
	}
	if result := s.db.Create(&record); result.Error != nil {
		return result.Error
	}
	return nil
}

// RecentPhaseTransitions returns the newest transitions, most recent first
func (s *Store) RecentPhaseTransitions(
	limit int,
) ([]models.PhaseTransition, error) {
	var records []models.PhaseTransition
	result := s.db.
		Order("id DESC").
		Limit(limit).
		Find(&records)
	if result.Error != nil {
		return nil, result.Error
	}
	return records, nil
}

// RecordEscrowEvent appends one escrow accounting movement
func (s *Store) RecordEscrowEvent(
	escrow string,
	kind string,
	vetoer string,
	amount string,
	occurredAt int64,
) error {
	record := models.EscrowEvent{
		Escrow:     escrow,
		Kind:       kind,
		Vetoer:     vetoer,
		Amount:     amount,
		OccurredAt: occurredAt,
	}
	if result := s.db.Create(&record); result.Error != nil {
		return result.Error
	}
	return nil
}

// EscrowEvents returns every recorded movement for an escrow, oldest
// first
func (s *Store) EscrowEvents(
	escrow string,
) ([]models.EscrowEvent, error) {
	var records []models.EscrowEvent
	result := s.db.
		Where("escrow = ?", escrow).
		Order("id ASC").
		Find(&records)
	if result.Error != nil {
		return nil, result.Error
	}
	return records, nil
}
