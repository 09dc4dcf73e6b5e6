package documentctrl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("document not found")

// Document status values. A document is only visible to retrieval once it
// reaches StatusReady; until then its chunks are not published.
const (
	StatusPending = "pending"
	StatusReady   = "ready"
	StatusFailed  = "failed"
)

type Document struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	Filename   string    `gorm:"not null;uniqueIndex" json:"filename"`
	Category   string    `json:"category"`
	Tags       []string  `gorm:"serializer:json" json:"tags"`
	MinioURL   string    `gorm:"column:minio_url" json:"minio_url"` // bucket name + object name
	Status     string    `gorm:"not null" json:"status"`
	ChunkCount int       `gorm:"not null" json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Chunk struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	DocumentID int64     `gorm:"not null;index" json:"document_id"`
	Index      int       `gorm:"not null;column:chunk_index" json:"index"`
	Section    string    `json:"section"`
	Content    string    `gorm:"not null" json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

type DocumentService struct {
	db        *gorm.DB
	snowflake *snowflake.Node
}

func NewDocumentService(db *gorm.DB) (*DocumentService, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}

	return &DocumentService{
		db:        db,
		snowflake: node,
	}, nil
}

// Migrate creates or updates the backing tables.
func (s *DocumentService) Migrate() error {
	return s.db.AutoMigrate(&Document{}, &Chunk{})
}

// Create registers a new document in pending state. Re-ingesting an
// existing filename reuses the document row, so readers never see two
// documents for the same file.
func (s *DocumentService) Create(ctx context.Context, filename, category string, tags []string, minioURL string) (*Document, error) {
	existing, err := s.GetByFilename(ctx, filename)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		existing.Category = category
		existing.Tags = tags
		existing.MinioURL = minioURL
		existing.Status = StatusPending
		if result := s.db.WithContext(ctx).Save(existing); result.Error != nil {
			return nil, fmt.Errorf("failed to update document: %w", result.Error)
		}
		return existing, nil
	}

	doc := &Document{
		ID:       s.snowflake.Generate().Int64(),
		Filename: filename,
		Category: category,
		Tags:     tags,
		MinioURL: minioURL,
		Status:   StatusPending,
	}

	if result := s.db.WithContext(ctx).Create(doc); result.Error != nil {
		return nil, fmt.Errorf("failed to create document: %w", result.Error)
	}

	return doc, nil
}

func (s *DocumentService) GetByID(ctx context.Context, id int64) (*Document, error) {
	var doc Document
	result := s.db.WithContext(ctx).First(&doc, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", result.Error)
	}
	return &doc, nil
}

func (s *DocumentService) GetByFilename(ctx context.Context, filename string) (*Document, error) {
	var doc Document
	result := s.db.WithContext(ctx).Where("filename = ?", filename).First(&doc)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", result.Error)
	}
	return &doc, nil
}

// List returns a paginated list of documents, newest first.
func (s *DocumentService) List(ctx context.Context, limit, offset int) ([]Document, error) {
	var docs []Document

	result := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&docs)

	if result.Error != nil {
		return nil, fmt.Errorf("failed to list documents: %w", result.Error)
	}

	return docs, nil
}

// FilterReady returns the subset of the given document ids whose document
// has reached ready status. Retrieval calls this so chunks of a pending or
// failed document never surface.
func (s *DocumentService) FilterReady(ctx context.Context, docIDs []int64) ([]int64, error) {
	if len(docIDs) == 0 {
		return nil, nil
	}

	var ids []int64
	result := s.db.WithContext(ctx).Model(&Document{}).
		Where("id IN ? AND status = ?", docIDs, StatusReady).
		Pluck("id", &ids)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to filter ready documents: %w", result.Error)
	}
	return ids, nil
}

// NewChunkID mints an identifier for a chunk before it is published.
func (s *DocumentService) NewChunkID() int64 {
	return s.snowflake.Generate().Int64()
}

// Publish replaces the document's chunk rows and marks it ready in one
// transaction. This is the last step of ingestion; the indexes are written
// before it runs, so a reader either sees the full new version or the old
// one.
func (s *DocumentService) Publish(ctx context.Context, docID int64, chunks []Chunk) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Where("document_id = ?", docID).Delete(&Chunk{}); result.Error != nil {
			return fmt.Errorf("failed to delete old chunks: %w", result.Error)
		}

		for i := range chunks {
			chunks[i].DocumentID = docID
		}
		if len(chunks) > 0 {
			if result := tx.Create(&chunks); result.Error != nil {
				return fmt.Errorf("failed to create chunks: %w", result.Error)
			}
		}

		result := tx.Model(&Document{}).Where("id = ?", docID).Updates(map[string]interface{}{
			"status":      StatusReady,
			"chunk_count": len(chunks),
		})
		if result.Error != nil {
			return fmt.Errorf("failed to mark document ready: %w", result.Error)
		}
		return nil
	})
}

// MarkFailed records a failed ingestion without touching published chunks.
func (s *DocumentService) MarkFailed(ctx context.Context, docID int64) error {
	result := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", docID).Update("status", StatusFailed)
	if result.Error != nil {
		return fmt.Errorf("failed to mark document failed: %w", result.Error)
	}
	return nil
}

// UpdateMetadata patches category and tags. Nil means leave unchanged.
func (s *DocumentService) UpdateMetadata(ctx context.Context, docID int64, category *string, tags []string) (*Document, error) {
	doc, err := s.GetByID(ctx, docID)
	if err != nil {
		return nil, err
	}

	if category != nil {
		doc.Category = *category
	}
	if tags != nil {
		doc.Tags = tags
	}

	if result := s.db.WithContext(ctx).Save(doc); result.Error != nil {
		return nil, fmt.Errorf("failed to update document metadata: %w", result.Error)
	}

	return doc, nil
}

func (s *DocumentService) GetChunks(ctx context.Context, docID int64) ([]Chunk, error) {
	var chunks []Chunk
	result := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("chunk_index ASC").
		Find(&chunks)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", result.Error)
	}
	return chunks, nil
}

// Delete removes the document row and its chunk rows. Index and object
// store cleanup happens in the ingestion service before this runs.
func (s *DocumentService) Delete(ctx context.Context, docID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Where("document_id = ?", docID).Delete(&Chunk{}); result.Error != nil {
			return fmt.Errorf("failed to delete chunks: %w", result.Error)
		}
		result := tx.Delete(&Document{}, docID)
		if result.Error != nil {
			return fmt.Errorf("failed to delete document: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
