package ingest

import (
	"context"
	"fmt"

	"docchat/src/core/chunker"
	"docchat/src/log"
	"docchat/src/storage/postgres/documentctrl"
)

const RawBucket = "documents"

// EmbeddedChunk is one chunk ready for the vector index.
type EmbeddedChunk struct {
	DocID      int64
	ChunkID    int64
	ChunkIndex int
	Filename   string
	Section    string
	Content    string
	Vector     []float32
}

// Repository is the document metadata store. Publish is transactional: a
// document and its chunk rows become visible together or not at all.
type Repository interface {
	Create(ctx context.Context, filename, category string, tags []string, minioURL string) (*documentctrl.Document, error)
	GetByID(ctx context.Context, id int64) (*documentctrl.Document, error)
	NewChunkID() int64
	Publish(ctx context.Context, docID int64, chunks []documentctrl.Chunk) error
	MarkFailed(ctx context.Context, docID int64) error
	Delete(ctx context.Context, docID int64) error
}

// Embedder turns chunk texts into vectors, one per text.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the semantic index write path.
type VectorStore interface {
	AddChunks(ctx context.Context, chunks []EmbeddedChunk) error
	DeleteByDocument(ctx context.Context, docID int64) error
}

// KeywordStore is the lexical index write path.
type KeywordStore interface {
	IndexChunk(ctx context.Context, docID, chunkID int64, chunkIndex int, filename, section, content string) error
	DeleteByDocument(ctx context.Context, docID int64) error
}

// ObjectStore keeps the raw document text.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, object string, data []byte) error
	GetObject(ctx context.Context, bucket, object string) ([]byte, error)
	DeleteObject(ctx context.Context, bucket, object string) error
}

// Service runs the ingestion pipeline: chunk, embed, index, publish.
// Indexes are written before the metadata transaction commits, so a
// document only becomes retrievable once everything is in place.
type Service struct {
	splitter *chunker.Chunker
	repo     Repository
	embedder Embedder
	vectors  VectorStore
	keywords KeywordStore
	objects  ObjectStore
}

func NewService(splitter *chunker.Chunker, repo Repository, embedder Embedder, vectors VectorStore, keywords KeywordStore, objects ObjectStore) *Service {
	return &Service{
		splitter: splitter,
		repo:     repo,
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		objects:  objects,
	}
}

// Ingest stores the raw text and builds the document's chunks and index
// entries. Re-ingesting a filename replaces the previous version; the
// document drops out of retrieval until the new version publishes.
func (s *Service) Ingest(ctx context.Context, filename, category string, tags []string, content string) (*documentctrl.Document, error) {
	doc, err := s.Stage(ctx, filename, category, tags, content)
	if err != nil {
		return nil, err
	}

	if err := s.process(ctx, doc, content); err != nil {
		if failErr := s.repo.MarkFailed(ctx, doc.ID); failErr != nil {
			log.Error(failErr, "failed to mark document failed", "doc_id", doc.ID)
		}
		return nil, err
	}

	doc.Status = documentctrl.StatusReady
	return doc, nil
}

// Stage registers the document and stores its raw text without indexing.
// A background job picks it up via Reprocess; until the job publishes, the
// document stays pending and invisible to retrieval.
func (s *Service) Stage(ctx context.Context, filename, category string, tags []string, content string) (*documentctrl.Document, error) {
	minioURL := fmt.Sprintf("%s/%s", RawBucket, filename)

	doc, err := s.repo.Create(ctx, filename, category, tags, minioURL)
	if err != nil {
		return nil, fmt.Errorf("register document: %w", err)
	}

	if err := s.objects.PutObject(ctx, RawBucket, filename, []byte(content)); err != nil {
		if failErr := s.repo.MarkFailed(ctx, doc.ID); failErr != nil {
			log.Error(failErr, "failed to mark document failed", "doc_id", doc.ID)
		}
		return nil, fmt.Errorf("store raw document: %w", err)
	}

	return doc, nil
}

// Reprocess re-runs chunking and indexing from the stored raw text. Used
// by the background worker.
func (s *Service) Reprocess(ctx context.Context, docID int64) error {
	doc, err := s.repo.GetByID(ctx, docID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	content, err := s.objects.GetObject(ctx, RawBucket, doc.Filename)
	if err != nil {
		return fmt.Errorf("load raw document: %w", err)
	}

	if err := s.process(ctx, doc, string(content)); err != nil {
		if failErr := s.repo.MarkFailed(ctx, doc.ID); failErr != nil {
			log.Error(failErr, "failed to mark document failed", "doc_id", doc.ID)
		}
		return err
	}
	return nil
}

func (s *Service) process(ctx context.Context, doc *documentctrl.Document, content string) error {
	pieces := s.splitter.Split(content)
	if len(pieces) == 0 {
		return s.repo.Publish(ctx, doc.ID, nil)
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(pieces) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(pieces))
	}

	// Replace any previous version in both indexes before writing.
	if err := s.vectors.DeleteByDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("clear vector index: %w", err)
	}
	if err := s.keywords.DeleteByDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("clear keyword index: %w", err)
	}

	rows := make([]documentctrl.Chunk, len(pieces))
	embedded := make([]EmbeddedChunk, len(pieces))
	for i, p := range pieces {
		chunkID := s.repo.NewChunkID()
		rows[i] = documentctrl.Chunk{
			ID:      chunkID,
			Index:   p.Index,
			Section: p.Section,
			Content: p.Text,
		}
		embedded[i] = EmbeddedChunk{
			DocID:      doc.ID,
			ChunkID:    chunkID,
			ChunkIndex: p.Index,
			Filename:   doc.Filename,
			Section:    p.Section,
			Content:    p.Text,
			Vector:     vectors[i],
		}
	}

	if err := s.vectors.AddChunks(ctx, embedded); err != nil {
		return fmt.Errorf("write vector index: %w", err)
	}
	for _, c := range embedded {
		if err := s.keywords.IndexChunk(ctx, c.DocID, c.ChunkID, c.ChunkIndex, c.Filename, c.Section, c.Content); err != nil {
			return fmt.Errorf("write keyword index: %w", err)
		}
	}

	if err := s.repo.Publish(ctx, doc.ID, rows); err != nil {
		return fmt.Errorf("publish document: %w", err)
	}

	log.Info("document ingested", "doc_id", doc.ID, "filename", doc.Filename, "chunks", len(rows))
	return nil
}

// Delete removes the document everywhere: both indexes, the raw object,
// and last the metadata rows.
func (s *Service) Delete(ctx context.Context, docID int64) error {
	doc, err := s.repo.GetByID(ctx, docID)
	if err != nil {
		return err
	}

	if err := s.vectors.DeleteByDocument(ctx, docID); err != nil {
		return fmt.Errorf("clear vector index: %w", err)
	}
	if err := s.keywords.DeleteByDocument(ctx, docID); err != nil {
		return fmt.Errorf("clear keyword index: %w", err)
	}
	if err := s.objects.DeleteObject(ctx, RawBucket, doc.Filename); err != nil {
		log.Error(err, "failed to delete raw object", "doc_id", docID, "filename", doc.Filename)
	}

	return s.repo.Delete(ctx, docID)
}
