package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/spf13/viper"
	weaviateClient "github.com/weaviate/weaviate-go-client/v4/weaviate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"docchat/src/core/answer"
	"docchat/src/core/chunker"
	"docchat/src/core/citation"
	"docchat/src/core/ingest"
	"docchat/src/core/provider"
	"docchat/src/core/queryopt"
	"docchat/src/core/rerank"
	"docchat/src/core/retrieval"
	"docchat/src/infrastructure/integrations/crossencoder"
	"docchat/src/infrastructure/integrations/ollama"
	"docchat/src/infrastructure/integrations/openai"
	"docchat/src/log"
	"docchat/src/storage/elastic"
	"docchat/src/storage/minioctrl"
	"docchat/src/storage/postgres/documentctrl"
	"docchat/src/storage/postgres/sessionctrl"
	"docchat/src/storage/weaviate"
)

// services holds every wired component a command can need. Commands pick
// what they use.
type services struct {
	db        *gorm.DB
	documents *documentctrl.DocumentService
	sessions  *sessionctrl.SessionService
	providers *provider.Router
	ollama    *ollama.Client
	vectors   *weaviate.Store
	keywords  *elastic.Store
	objects   *minioctrl.MinioService
	ingest    *ingest.Service
	answer    *answer.Service
}

func openDatabase() (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		viper.GetString("postgres.host"),
		viper.GetString("postgres.user"),
		viper.GetString("postgres.password"),
		viper.GetString("postgres.db"),
		viper.GetString("postgres.port"))
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

func buildServices() (*services, error) {
	db, err := openDatabase()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	documents, err := documentctrl.NewDocumentService(db)
	if err != nil {
		return nil, err
	}
	if err := documents.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate document tables: %w", err)
	}

	sessions, err := sessionctrl.NewSessionService(db, viper.GetInt("rag.session_capacity"))
	if err != nil {
		return nil, err
	}
	if err := sessions.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate session table: %w", err)
	}

	oc := ollama.NewClient(viper.GetString("ollama.url"), &http.Client{
		Timeout: 120 * time.Second,
	}).WithModels(
		viper.GetString("ollama.embedding_model"),
		viper.GetString("ollama.generate_model"),
	)

	wc := weaviateClient.New(weaviateClient.Config{
		Host:   viper.GetString("weaviate.url"),
		Scheme: "http",
	})
	vectors := weaviate.NewStore(wc)

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{viper.GetString("elasticsearch.url")},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	keywords := elastic.NewStore(es)

	objects, err := minioctrl.NewMinioService(
		viper.GetString("minio.endpoint"),
		viper.GetString("minio.access_key"),
		viper.GetString("minio.secret_key"),
		viper.GetBool("minio.use_ssl"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio service: %w", err)
	}

	providers := provider.NewRouter(viper.GetString("provider.default"), provider.DefaultRetries)
	providers.Register(oc)
	if apiKey := viper.GetString("openai.api_key"); apiKey != "" {
		hosted, err := openai.NewBackend(apiKey, viper.GetString("openai.base_url"), viper.GetString("openai.model"))
		if err != nil {
			return nil, err
		}
		providers.Register(hosted)
	} else {
		log.Info("no OpenAI API key configured, hosted backend disabled")
	}

	splitter, err := chunker.New(viper.GetInt("rag.chunk_size"), viper.GetInt("rag.chunk_overlap"))
	if err != nil {
		return nil, fmt.Errorf("invalid chunking configuration: %w", err)
	}

	ingestService := ingest.NewService(splitter, documents, oc, vectors, keywords, objects)

	var strategy queryopt.Strategy
	if providers.Has("") {
		strategy = queryopt.NewLLMStrategy(providers, "")
	} else {
		strategy = queryopt.NewStaticStrategy()
	}
	optimizer := queryopt.NewOptimizer(strategy)

	retriever := retrieval.NewRetriever(oc, vectors, keywords, documents,
		retrieval.WithWeights(
			viper.GetFloat64("rag.semantic_weight"),
			viper.GetFloat64("rag.keyword_weight"),
		),
		retrieval.WithRelevanceFloor(viper.GetFloat64("rag.relevance_floor")),
	)

	scorer := crossencoder.NewClient(viper.GetString("crossencoder.url"), &http.Client{
		Timeout: 30 * time.Second,
	})
	reranker := rerank.New(scorer)

	assembler := citation.NewAssembler(0)

	answerService := answer.NewService(optimizer, retriever, reranker, assembler, providers, sessions)

	return &services{
		db:        db,
		documents: documents,
		sessions:  sessions,
		providers: providers,
		ollama:    oc,
		vectors:   vectors,
		keywords:  keywords,
		objects:   objects,
		ingest:    ingestService,
		answer:    answerService,
	}, nil
}

func (s *services) close() {
	sqlDB, err := s.db.DB()
	if err != nil {
		log.Error(err, "Failed to get underlying *sql.DB")
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Error(err, "Error closing database connection")
	}
}
