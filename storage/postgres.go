package storage

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/stagecoach-io/stagecoach/types"
)

// PostgresStorage is a Postgres-backed implementation of the Storage
// interface. The version check is pushed into the UPDATE's WHERE clause, so
// conflicting writers are detected by the database itself.
type PostgresStorage struct {
	db *gorm.DB
}

// PostgresOptions configures the Postgres connection pool.
type PostgresOptions struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// NewPostgresStorage connects to Postgres and migrates the schema.
func NewPostgresStorage(opts PostgresOptions) (*PostgresStorage, error) {
	db, err := gorm.Open(postgres.Open(opts.DSN), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}

	if err := db.AutoMigrate(&recordModel{}, &approvalModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &PostgresStorage{db: db}, nil
}

// rawJSON stores a json.RawMessage in a jsonb column.
type rawJSON json.RawMessage

func (j rawJSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

func (j *rawJSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan jsonb: %v", value)
	}
	*j = append((*j)[0:0], bytes...)
	return nil
}

func (rawJSON) GormDataType() string { return "jsonb" }

// outputsJSON stores the append-only stage output list in a jsonb column.
type outputsJSON []types.StageOutput

func (o outputsJSON) Value() (driver.Value, error) {
	return json.Marshal([]types.StageOutput(o))
}

func (o *outputsJSON) Scan(value interface{}) error {
	if value == nil {
		*o = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan jsonb: %v", value)
	}
	return json.Unmarshal(bytes, o)
}

func (outputsJSON) GormDataType() string { return "jsonb" }

type recordModel struct {
	ID       string `gorm:"primaryKey;size:64"`
	Pipeline string `gorm:"size:128;not null"`
	// Nullable so records without a key do not collide on the unique index.
	IdempotencyKey *string `gorm:"size:128;uniqueIndex"`
	Status         string `gorm:"size:32;not null;index"`
	CurrentStage   string `gorm:"size:128"`
	StageOutputs   outputsJSON
	Input          rawJSON
	ApprovalID     string `gorm:"size:64"`
	FailureReason  string
	Version        uint64 `gorm:"not null"`
	CreatedAt      int64  `gorm:"autoCreateTime:false"`
	UpdatedAt      int64  `gorm:"autoUpdateTime:false"`
}

func (recordModel) TableName() string { return "workflow_records" }

type approvalModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	WorkflowID string `gorm:"size:64;not null;index"`
	Stage      string `gorm:"size:128"`
	Status     string `gorm:"size:32;not null;index"`
	Actor      string `gorm:"size:128"`
	Comment    string
	CreatedAt  int64 `gorm:"autoCreateTime:false"`
	ExpiresAt  int64 `gorm:"not null"`
	DecidedAt  int64
}

func (approvalModel) TableName() string { return "approval_requests" }

func toRecordModel(rec types.WorkflowRecord) recordModel {
	var key *string
	if rec.IdempotencyKey != "" {
		k := rec.IdempotencyKey
		key = &k
	}
	return recordModel{
		ID:             rec.ID,
		Pipeline:       rec.Pipeline,
		IdempotencyKey: key,
		Status:         string(rec.Status),
		CurrentStage:   rec.CurrentStage,
		StageOutputs:   outputsJSON(rec.StageOutputs),
		Input:          rawJSON(rec.Input),
		ApprovalID:     rec.ApprovalID,
		FailureReason:  rec.FailureReason,
		Version:        rec.Version,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func (m recordModel) toRecord() types.WorkflowRecord {
	key := ""
	if m.IdempotencyKey != nil {
		key = *m.IdempotencyKey
	}
	return types.WorkflowRecord{
		ID:             m.ID,
		Pipeline:       m.Pipeline,
		IdempotencyKey: key,
		Status:         types.Status(m.Status),
		CurrentStage:   m.CurrentStage,
		StageOutputs:   []types.StageOutput(m.StageOutputs),
		Input:          json.RawMessage(m.Input),
		ApprovalID:     m.ApprovalID,
		FailureReason:  m.FailureReason,
		Version:        m.Version,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func toApprovalModel(ar types.ApprovalRequest) approvalModel {
	return approvalModel{
		ID:         ar.ID,
		WorkflowID: ar.WorkflowID,
		Stage:      ar.Stage,
		Status:     string(ar.Status),
		Actor:      ar.Actor,
		Comment:    ar.Comment,
		CreatedAt:  ar.CreatedAt,
		ExpiresAt:  ar.ExpiresAt,
		DecidedAt:  ar.DecidedAt,
	}
}

func (m approvalModel) toApproval() types.ApprovalRequest {
	return types.ApprovalRequest{
		ID:         m.ID,
		WorkflowID: m.WorkflowID,
		Stage:      m.Stage,
		Status:     types.ApprovalStatus(m.Status),
		Actor:      m.Actor,
		Comment:    m.Comment,
		CreatedAt:  m.CreatedAt,
		ExpiresAt:  m.ExpiresAt,
		DecidedAt:  m.DecidedAt,
	}
}

// SaveRecord saves a workflow record, enforcing the version check in SQL.
func (s *PostgresStorage) SaveRecord(ctx context.Context, rec types.WorkflowRecord) error {
	m := toRecordModel(rec)

	if rec.Version == 1 {
		err := s.db.WithContext(ctx).Create(&m).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: id=%s", ErrConflict, rec.ID)
		}
		return err
	}

	res := s.db.WithContext(ctx).Model(&recordModel{}).
		Where("id = ? AND version = ?", rec.ID, rec.Version-1).
		Updates(map[string]interface{}{
			"status":         m.Status,
			"current_stage":  m.CurrentStage,
			"stage_outputs":  m.StageOutputs,
			"approval_id":    m.ApprovalID,
			"failure_reason": m.FailureReason,
			"version":        m.Version,
			"updated_at":     m.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&recordModel{}).Where("id = ?", rec.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: id=%s", ErrRecordNotFound, rec.ID)
		}
		return fmt.Errorf("%w: id=%s save=%d", ErrConflict, rec.ID, rec.Version)
	}
	return nil
}

// GetRecord retrieves a workflow record by ID.
func (s *PostgresStorage) GetRecord(ctx context.Context, id string) (types.WorkflowRecord, error) {
	var m recordModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.WorkflowRecord{}, fmt.Errorf("%w: id=%s", ErrRecordNotFound, id)
	} else if err != nil {
		return types.WorkflowRecord{}, err
	}
	return m.toRecord(), nil
}

// FindRecordByKey retrieves a workflow record by idempotency key.
func (s *PostgresStorage) FindRecordByKey(ctx context.Context, key string) (types.WorkflowRecord, error) {
	var m recordModel
	err := s.db.WithContext(ctx).First(&m, "idempotency_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.WorkflowRecord{}, fmt.Errorf("%w: key=%s", ErrRecordNotFound, key)
	} else if err != nil {
		return types.WorkflowRecord{}, err
	}
	return m.toRecord(), nil
}

// SaveApproval saves an approval request, enforcing the one-pending-per-workflow
// rule inside a transaction.
func (s *PostgresStorage) SaveApproval(ctx context.Context, ar types.ApprovalRequest) error {
	m := toApprovalModel(ar)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ar.Status == types.ApprovalPending {
			var open int64
			err := tx.Model(&approvalModel{}).
				Where("workflow_id = ? AND status = ? AND id <> ?", ar.WorkflowID, string(types.ApprovalPending), ar.ID).
				Count(&open).Error
			if err != nil {
				return err
			}
			if open > 0 {
				return fmt.Errorf("%w: workflow=%s", ErrDuplicateApproval, ar.WorkflowID)
			}
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&m).Error
	})
}

// GetApproval retrieves an approval request by ID.
func (s *PostgresStorage) GetApproval(ctx context.Context, id string) (types.ApprovalRequest, error) {
	var m approvalModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ApprovalRequest{}, fmt.Errorf("%w: id=%s", ErrApprovalNotFound, id)
	} else if err != nil {
		return types.ApprovalRequest{}, err
	}
	return m.toApproval(), nil
}

// FindPendingApproval retrieves a workflow's open approval request.
func (s *PostgresStorage) FindPendingApproval(ctx context.Context, workflowID string) (types.ApprovalRequest, error) {
	var m approvalModel
	err := s.db.WithContext(ctx).First(&m, "workflow_id = ? AND status = ?", workflowID, string(types.ApprovalPending)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ApprovalRequest{}, fmt.Errorf("%w: workflow=%s", ErrApprovalNotFound, workflowID)
	} else if err != nil {
		return types.ApprovalRequest{}, err
	}
	return m.toApproval(), nil
}

// ListPendingApprovals returns all approval requests still stored as pending.
func (s *PostgresStorage) ListPendingApprovals(ctx context.Context) ([]types.ApprovalRequest, error) {
	var rows []approvalModel
	if err := s.db.WithContext(ctx).Where("status = ?", string(types.ApprovalPending)).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.ApprovalRequest, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toApproval())
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
