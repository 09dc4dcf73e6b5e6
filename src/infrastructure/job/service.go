package job

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

const (
	QueueName = "jobs"

	TaskTypeIngestDocument TaskType = "ingest_document"
)

// IngestPayload identifies the document a worker should (re)process.
type IngestPayload struct {
	DocID int64 `json:"doc_id"`
}

// Ingestor re-runs the ingestion pipeline for a stored document.
type Ingestor interface {
	Reprocess(ctx context.Context, docID int64) error
}

// JobService enqueues background jobs and processes them on the worker
// side. Job state lives in the repository; the queue only carries the job
// id and payload.
type JobService struct {
	publisher message.Publisher
	repo      Repository
	logger    watermill.LoggerAdapter
	ingestor  Ingestor
}

type JobMessage struct {
	JobID    int64           `json:"job_id"`
	TaskType TaskType        `json:"task_type"`
	Payload  json.RawMessage `json:"payload"`
}

func NewJobService(
	publisher message.Publisher,
	repo Repository,
	logger watermill.LoggerAdapter,
	ingestor Ingestor,
) *JobService {
	return &JobService{
		publisher: publisher,
		repo:      repo,
		logger:    logger,
		ingestor:  ingestor,
	}
}

// EnqueueIngest schedules background (re)processing of a document.
func (s *JobService) EnqueueIngest(ctx context.Context, docID int64) (*Job, error) {
	payload, err := json.Marshal(IngestPayload{DocID: docID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ingest payload: %w", err)
	}
	return s.EnqueueJob(ctx, TaskTypeIngestDocument, payload)
}

// EnqueueJob creates a new job and publishes it to the message queue
func (s *JobService) EnqueueJob(ctx context.Context, taskType TaskType, payload json.RawMessage) (*Job, error) {
	j, err := s.repo.Create(ctx, taskType, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	jobMsg := JobMessage{
		JobID:    j.ID,
		TaskType: j.TaskType,
		Payload:  j.Payload,
	}

	msgPayload, err := json.Marshal(jobMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job message: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), msgPayload)
	if err := s.publisher.Publish(QueueName, msg); err != nil {
		return nil, fmt.Errorf("failed to publish job message: %w", err)
	}

	return j, nil
}

// ProcessJobMessage processes a job message from the queue
func (s *JobService) ProcessJobMessage(msg *message.Message) error {
	var jobMsg JobMessage
	if err := json.Unmarshal(msg.Payload, &jobMsg); err != nil {
		return fmt.Errorf("failed to unmarshal job message: %w", err)
	}

	ctx := context.Background()

	j, err := s.repo.GetByID(ctx, jobMsg.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job %d: %w", jobMsg.JobID, err)
	}

	if err := s.repo.UpdateStatus(ctx, j.ID, StatusRunning, ""); err != nil {
		return fmt.Errorf("failed to update job status to running: %w", err)
	}

	if err := s.processJob(ctx, j); err != nil {
		if updateErr := s.repo.UpdateStatus(ctx, j.ID, StatusFailed, err.Error()); updateErr != nil {
			s.logger.Error("Failed to update job status to failed", updateErr, watermill.LogFields{
				"job_id": j.ID,
			})
		}
		return fmt.Errorf("failed to process job: %w", err)
	}

	if err := s.repo.UpdateStatus(ctx, j.ID, StatusCompleted, ""); err != nil {
		return fmt.Errorf("failed to update job status to completed: %w", err)
	}

	return nil
}

// processJob handles different types of jobs
func (s *JobService) processJob(ctx context.Context, j *Job) error {
	switch j.TaskType {
	case TaskTypeIngestDocument:
		var payload IngestPayload
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return fmt.Errorf("failed to unmarshal ingest payload: %w", err)
		}
		s.logger.Info("Processing document ingestion", watermill.LogFields{
			"job_id": j.ID,
			"doc_id": payload.DocID,
		})
		return s.ingestor.Reprocess(ctx, payload.DocID)
	default:
		return fmt.Errorf("unknown task type: %s", j.TaskType)
	}
}
