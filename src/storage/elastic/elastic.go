package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"docchat/src/core/retrieval"
)

const IndexName = "docchat-chunks"

var indexMapping = `{
	"mappings": {
		"properties": {
			"doc_id":      {"type": "long"},
			"chunk_id":    {"type": "long"},
			"chunk_index": {"type": "integer"},
			"filename":    {"type": "keyword"},
			"section":     {"type": "text"},
			"content":     {"type": "text"}
		}
	}
}`

// Store is the lexical search path of retrieval, backed by a BM25 index.
type Store struct {
	client *elasticsearch.Client
}

func NewStore(client *elasticsearch.Client) *Store {
	return &Store{
		client: client,
	}
}

// EnsureIndex creates the chunk index if it does not exist yet.
func (s *Store) EnsureIndex(ctx context.Context) error {
	exists, err := esapi.IndicesExistsRequest{Index: []string{IndexName}}.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to check index existence: %w", err)
	}
	defer exists.Body.Close()
	if exists.StatusCode == 200 {
		return nil
	}

	resp, err := esapi.IndicesCreateRequest{
		Index: IndexName,
		Body:  bytes.NewReader([]byte(indexMapping)),
	}.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return fmt.Errorf("failed to create index: %s", readError(resp.Body))
	}

	return nil
}

type chunkDocument struct {
	DocID      int64  `json:"doc_id"`
	ChunkID    int64  `json:"chunk_id"`
	ChunkIndex int    `json:"chunk_index"`
	Filename   string `json:"filename"`
	Section    string `json:"section"`
	Content    string `json:"content"`
}

// IndexChunk writes one chunk document. The chunk id doubles as the
// document id, so re-indexing the same chunk overwrites it.
func (s *Store) IndexChunk(ctx context.Context, docID, chunkID int64, chunkIndex int, filename, section, content string) error {
	doc := chunkDocument{
		DocID:      docID,
		ChunkID:    chunkID,
		ChunkIndex: chunkIndex,
		Filename:   filename,
		Section:    section,
		Content:    content,
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk document: %w", err)
	}

	resp, err := esapi.IndexRequest{
		Index:      IndexName,
		DocumentID: strconv.FormatInt(chunkID, 10),
		Body:       bytes.NewReader(body),
	}.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to index chunk %d: %w", chunkID, err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return fmt.Errorf("failed to index chunk %d: %s", chunkID, readError(resp.Body))
	}

	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64       `json:"_score"`
			Source chunkDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search runs a BM25 match query over the chunk content. Raw scores are
// unbounded, so they are normalized to [0, 1] against the best hit of the
// result page.
func (s *Store) Search(ctx context.Context, query string, k int, docIDs []int64) ([]retrieval.Match, error) {
	must := map[string]interface{}{
		"match": map[string]interface{}{
			"content": query,
		},
	}

	boolQuery := map[string]interface{}{"must": must}
	if len(docIDs) > 0 {
		boolQuery["filter"] = map[string]interface{}{
			"terms": map[string]interface{}{"doc_id": docIDs},
		}
	}

	body, err := json.Marshal(map[string]interface{}{
		"size":  k,
		"query": map[string]interface{}{"bool": boolQuery},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search query: %w", err)
	}

	resp, err := esapi.SearchRequest{
		Index: []string{IndexName},
		Body:  bytes.NewReader(body),
	}.Do(ctx, s.client)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", retrieval.ErrIndexUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %s", retrieval.ErrIndexUnavailable, readError(resp.Body))
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	var maxScore float64
	for _, hit := range result.Hits.Hits {
		if hit.Score > maxScore {
			maxScore = hit.Score
		}
	}

	matches := make([]retrieval.Match, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		score := 0.0
		if maxScore > 0 {
			score = hit.Score / maxScore
		}
		matches = append(matches, retrieval.Match{
			DocID:      hit.Source.DocID,
			ChunkID:    hit.Source.ChunkID,
			ChunkIndex: hit.Source.ChunkIndex,
			Filename:   hit.Source.Filename,
			Section:    hit.Source.Section,
			Text:       hit.Source.Content,
			Score:      score,
		})
	}

	return matches, nil
}

// DeleteByDocument removes every chunk document belonging to the document.
func (s *Store) DeleteByDocument(ctx context.Context, docID int64) error {
	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"doc_id": docID},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal delete query: %w", err)
	}

	resp, err := esapi.DeleteByQueryRequest{
		Index: []string{IndexName},
		Body:  bytes.NewReader(body),
	}.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to delete chunks for document %d: %w", docID, err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return fmt.Errorf("failed to delete chunks for document %d: %s", docID, readError(resp.Body))
	}

	return nil
}

func readError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "unreadable error body"
	}
	return string(data)
}
