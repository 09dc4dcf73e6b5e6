package weaviate

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"docchat/src/core/ingest"
	"docchat/src/core/retrieval"
)

const (
	ClassName         = "DocumentChunk"
	DefaultQueryLimit = 20
)

var chunkFields = []string{"docId", "chunkId", "chunkIndex", "filename", "section", "content"}

// Store encapsulates all Weaviate operations on the document chunk class.
// It is the semantic search path of retrieval.
type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{
		client: client,
	}
}

// EnsureSchema creates the chunk class if it does not exist yet. Vectors
// are supplied by the ingestion pipeline, so no vectorizer is configured.
func (w *Store) EnsureSchema(ctx context.Context) error {
	exists, err := w.classExists(ctx, ClassName)
	if err != nil {
		return fmt.Errorf("failed to check if class exists: %w", err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:      ClassName,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "docId", DataType: []string{"int"}},
			{Name: "chunkId", DataType: []string{"int"}},
			{Name: "chunkIndex", DataType: []string{"int"}},
			{Name: "filename", DataType: []string{"text"}},
			{Name: "section", DataType: []string{"text"}},
			{Name: "content", DataType: []string{"text"}},
		},
	}

	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create Weaviate class: %w", err)
	}

	return nil
}

func (w *Store) classExists(ctx context.Context, className string) (bool, error) {
	schema, err := w.client.Schema().Getter().Do(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get schema: %w", err)
	}

	for _, class := range schema.Classes {
		if class.Class == className {
			return true, nil
		}
	}

	return false, nil
}

// AddChunks adds the embedded chunks of one document in a single batch.
func (w *Store) AddChunks(ctx context.Context, chunks []ingest.EmbeddedChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	objs := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		objs[i] = &models.Object{
			Class:  ClassName,
			Vector: c.Vector,
			Properties: map[string]interface{}{
				"docId":      c.DocID,
				"chunkId":    c.ChunkID,
				"chunkIndex": c.ChunkIndex,
				"filename":   c.Filename,
				"section":    c.Section,
				"content":    c.Content,
			},
		}
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objs...).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to batch add vectors: %w", err)
	}
	if len(resp) == 0 {
		return fmt.Errorf("batch operation returned no results")
	}
	for _, obj := range resp {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch object failed: %s", obj.Result.Errors.Error[0].Message)
		}
	}

	return nil
}

// Query performs vector similarity search. The floor is a certainty
// threshold in [0, 1]; results below it are not returned. A non-empty
// docIDs slice restricts the search to those documents.
func (w *Store) Query(ctx context.Context, vector []float32, k int, docIDs []int64, floor float64) ([]retrieval.Match, error) {
	fields := make([]graphql.Field, len(chunkFields))
	for i, field := range chunkFields {
		fields[i] = graphql.Field{Name: field}
	}
	fields = append(fields, graphql.Field{Name: "_additional { id certainty }"})

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	if floor > 0 {
		nearVector.WithCertainty(float32(floor))
	}

	if k <= 0 {
		k = DefaultQueryLimit
	}

	query := w.client.GraphQL().Get().
		WithClassName(ClassName).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(k)

	if len(docIDs) > 0 {
		query = query.WithWhere(filters.Where().
			WithPath([]string{"docId"}).
			WithOperator(filters.ContainsAny).
			WithValueInt(docIDs...))
	}

	result, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", retrieval.ErrIndexUnavailable, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", retrieval.ErrIndexUnavailable, result.Errors[0].Message)
	}

	return parseMatches(result.Data), nil
}

func parseMatches(data map[string]models.JSONObject) []retrieval.Match {
	var matches []retrieval.Match

	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return matches
	}
	objects, ok := get[ClassName].([]interface{})
	if !ok {
		return matches
	}

	for _, obj := range objects {
		objMap, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		additional, ok := objMap["_additional"].(map[string]interface{})
		if !ok {
			continue
		}

		matches = append(matches, retrieval.Match{
			DocID:      asInt64(objMap["docId"]),
			ChunkID:    asInt64(objMap["chunkId"]),
			ChunkIndex: int(asInt64(objMap["chunkIndex"])),
			Filename:   asString(objMap["filename"]),
			Section:    asString(objMap["section"]),
			Text:       asString(objMap["content"]),
			Score:      asFloat(additional["certainty"]),
		})
	}

	return matches
}

// DeleteByDocument removes every chunk object belonging to the document.
func (w *Store) DeleteByDocument(ctx context.Context, docID int64) error {
	_, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(ClassName).
		WithWhere(filters.Where().
			WithPath([]string{"docId"}).
			WithOperator(filters.Equal).
			WithValueInt(docID)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete chunks for document %d: %w", docID, err)
	}

	return nil
}

func asInt64(v interface{}) int64 {
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	return int64(f)
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}
