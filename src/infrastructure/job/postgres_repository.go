package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type PostgresRepository struct {
	db        *gorm.DB
	snowflake *snowflake.Node
}

func NewPostgresRepository(db *gorm.DB) (*PostgresRepository, error) {
	node, err := snowflake.NewNode(3)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}

	return &PostgresRepository{
		db:        db,
		snowflake: node,
	}, nil
}

// Migrate creates or updates the jobs table.
func (r *PostgresRepository) Migrate() error {
	return r.db.AutoMigrate(&Job{})
}

func (r *PostgresRepository) Create(ctx context.Context, taskType TaskType, payload json.RawMessage) (*Job, error) {
	j := &Job{
		ID:       r.snowflake.Generate().Int64(),
		TaskType: taskType,
		Payload:  payload,
		Status:   StatusPending,
	}

	if result := r.db.WithContext(ctx).Create(j); result.Error != nil {
		return nil, fmt.Errorf("failed to create job: %w", result.Error)
	}

	return j, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*Job, error) {
	var j Job
	result := r.db.WithContext(ctx).First(&j, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", result.Error)
	}
	return &j, nil
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, id int64, status Status, errMsg string) error {
	result := r.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status": status,
		"error":  errMsg,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update job status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}
