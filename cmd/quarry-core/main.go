package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/custodia-labs/quarry-core/internal/adapters/driven/ai"
	"github.com/custodia-labs/quarry-core/internal/adapters/driven/codeowners"
	"github.com/custodia-labs/quarry-core/internal/adapters/driven/connectors/github"
	"github.com/custodia-labs/quarry-core/internal/adapters/driven/postgres"
	redisadapter "github.com/custodia-labs/quarry-core/internal/adapters/driven/redis"
	"github.com/custodia-labs/quarry-core/internal/adapters/driven/sqlite"
	"github.com/custodia-labs/quarry-core/internal/core/domain"
	"github.com/custodia-labs/quarry-core/internal/core/ports/driven"
	"github.com/custodia-labs/quarry-core/internal/core/services"
	"github.com/custodia-labs/quarry-core/internal/normalisers"
	"github.com/custodia-labs/quarry-core/internal/runtime"
)

var version = "dev"

const usage = `quarry-core %s

Usage:
  quarry-core ingest <directory>   index a local directory
  quarry-core query <question>     retrieve ranked passages
  quarry-core ask <question>       retrieve passages and generate an answer
  quarry-core onboard <owner/repo> register a repository for lazy retrieval
  quarry-core purge                wipe a collection
  quarry-core migrate-dim <n>      change the stored embedding dimension

Common flags (after the subcommand):
  -collection   target collection (default "default")
  -top-k        result count for query/ask (default 5)
  -ref          git ref for onboard (default "main")
  -lazy         use two-stage lazy retrieval for query/ask

Environment:
  DATABASE_URL        use the Postgres/pgvector backend
  QUARRY_SQLITE_PATH  sqlite database file (default quarry.db)
  REDIS_URL           optional query-embedding cache
  EMBEDDING_PROVIDER  openai | ollama (default openai)
  EMBEDDING_MODEL, EMBEDDING_BASE_URL, OPENAI_API_KEY
  LLM_PROVIDER, LLM_MODEL, LLM_BASE_URL
  GITHUB_TOKEN        raises GitHub API rate limits for lazy mode
`

func main() {
	// A local .env is a convenience, absence is not an error.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, version)
		os.Exit(2)
	}
	command := os.Args[1]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutdown signal received, stopping...")
		cancel()
	}()

	app, err := buildApp(ctx)
	if err != nil {
		log.Fatalf("Startup failed: %v", err)
	}
	defer app.Close()

	if err := app.run(ctx, command, os.Args[2:]); err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

// app holds the wired engine for one CLI invocation. The AI providers are
// constructed eagerly but only validated and registered by run, so offline
// commands like purge never touch the network.
type app struct {
	store     driven.IndexStore
	cache     driven.EmbeddingCache
	redis     *goredis.Client
	services  *runtime.Services
	embedding driven.EmbeddingService
	llm       driven.LLMService
	ingestor  *services.Ingestor
	retriever *services.Retriever
	onboarder *services.Onboarder
	logger    *slog.Logger
}

func buildApp(ctx context.Context) (*app, error) {
	logger := slog.Default()
	registry := normalisers.DefaultRegistry()

	// Backend selection: Postgres when DATABASE_URL is set, sqlite otherwise.
	var store driven.IndexStore
	backend := domain.BackendSQLite
	if databaseURL := getEnv("DATABASE_URL", ""); databaseURL != "" {
		backend = domain.BackendPostgres
		db, err := postgres.Connect(ctx, postgres.Config{
			URL:             databaseURL,
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_SEC", 300)) * time.Second,
			ConnMaxIdleTime: time.Duration(getEnvInt("DB_CONN_MAX_IDLE_SEC", 60)) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := db.InitSchema(ctx); err != nil {
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
		store = postgres.NewIndexStore(db)
		logger.Info("using postgres backend")
	} else {
		path := getEnv("QUARRY_SQLITE_PATH", "quarry.db")
		s, err := sqlite.NewStore(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		store = s
		logger.Info("using sqlite backend", "path", path)
	}

	config := domain.DefaultRuntimeConfig(backend)
	config.ChunkSize = getEnvInt("CHUNK_SIZE", config.ChunkSize)
	config.ChunkOverlap = getEnvInt("CHUNK_OVERLAP", config.ChunkOverlap)
	runtimeServices := runtime.NewServices(config)

	embedding, err := ai.NewEmbeddingService(ai.EmbeddingSettings{
		Provider: getEnv("EMBEDDING_PROVIDER", ai.ProviderOpenAI),
		APIKey:   getEnv("OPENAI_API_KEY", ""),
		Model:    getEnv("EMBEDDING_MODEL", ""),
		BaseURL:  getEnv("EMBEDDING_BASE_URL", ""),
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("configure embedding provider: %w", err)
	}

	// The LLM is only needed by ask; a missing key surfaces there, not here.
	var llm driven.LLMService
	if l, err := ai.NewLLMService(ai.LLMSettings{
		Provider: getEnv("LLM_PROVIDER", getEnv("EMBEDDING_PROVIDER", ai.ProviderOpenAI)),
		APIKey:   getEnv("OPENAI_API_KEY", ""),
		Model:    getEnv("LLM_MODEL", ""),
		BaseURL:  getEnv("LLM_BASE_URL", ""),
	}); err == nil {
		llm = l
	}

	// Optional Redis query-embedding cache.
	var cache driven.EmbeddingCache
	var redisClient *goredis.Client
	if redisURL := getEnv("REDIS_URL", ""); redisURL != "" {
		opts, err := goredis.ParseURL(redisURL)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient = goredis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, continuing without embedding cache", "error", err)
			redisClient.Close()
			redisClient = nil
		} else {
			ttl := time.Duration(getEnvInt("EMBED_CACHE_TTL_SEC", 86400)) * time.Second
			cache = redisadapter.NewEmbedCache(redisClient, ttl)
			logger.Info("using redis embedding cache")
		}
	}

	source := github.NewClient(getEnv("GITHUB_TOKEN", ""), getEnv("GITHUB_API_URL", ""))
	reranker := services.NewReranker(codeowners.NewResolver())

	return &app{
		store:     store,
		cache:     cache,
		redis:     redisClient,
		services:  runtimeServices,
		embedding: embedding,
		llm:       llm,
		ingestor: services.NewIngestor(services.IngestorConfig{
			Store:    store,
			Registry: registry,
			Services: runtimeServices,
			Logger:   logger,
		}),
		retriever: services.NewRetriever(services.RetrieverConfig{
			Store:    store,
			Services: runtimeServices,
			Cache:    cache,
			Source:   source,
			Registry: registry,
			Reranker: reranker,
			Logger:   logger,
		}),
		onboarder: services.NewOnboarder(services.OnboarderConfig{
			Store:    store,
			Services: runtimeServices,
			Source:   source,
			Registry: registry,
			Logger:   logger,
		}),
		logger: logger,
	}, nil
}

func (a *app) Close() {
	a.services.Close()
	if a.redis != nil {
		a.redis.Close()
	}
	a.store.Close()
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	// Commands that embed or generate get their providers health-checked
	// and registered up front; everything else stays offline.
	switch command {
	case "ingest", "query", "ask", "onboard":
		if err := a.services.ValidateAndSetEmbedding(ctx, a.embedding); err != nil {
			return fmt.Errorf("embedding provider %s: %w", a.embedding.ProviderID(), err)
		}
	}
	if command == "ask" && a.llm != nil {
		if err := a.services.ValidateAndSetLLM(ctx, a.llm); err != nil {
			return fmt.Errorf("llm provider: %w", err)
		}
	}

	switch command {
	case "ingest":
		return a.cmdIngest(ctx, args)
	case "query":
		return a.cmdQuery(ctx, args, false)
	case "ask":
		return a.cmdQuery(ctx, args, true)
	case "onboard":
		return a.cmdOnboard(ctx, args)
	case "purge":
		return a.cmdPurge(ctx, args)
	case "migrate-dim":
		return a.cmdMigrateDim(ctx, args)
	case "help", "-h", "--help":
		fmt.Printf(usage, version)
		return nil
	default:
		return fmt.Errorf("unknown command %q (run quarry-core help)", command)
	}
}

func (a *app) cmdIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	collection := fs.String("collection", "default", "target collection")
	ignore := fs.String("ignore", "", "comma-separated extra directory names to skip")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: quarry-core ingest [flags] <directory>")
	}

	opts := domain.IngestOptions{}
	if *ignore != "" {
		opts.ExtraIgnoreDirs = make(map[string]struct{})
		for _, name := range strings.Split(*ignore, ",") {
			if name = strings.TrimSpace(name); name != "" {
				opts.ExtraIgnoreDirs[name] = struct{}{}
			}
		}
	}

	stats, err := a.ingestor.Ingest(ctx, fs.Arg(0), *collection, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %d documents (%d chunks), skipped %d unchanged, in %s\n",
		stats.IndexedDocs, stats.TotalChunks, stats.SkippedDocs, stats.Elapsed.Round(time.Millisecond))
	for _, msg := range stats.Errors {
		fmt.Printf("  warning: %s\n", msg)
	}
	return nil
}

func (a *app) cmdQuery(ctx context.Context, args []string, generate bool) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	collection := fs.String("collection", "default", "target collection")
	topK := fs.Int("top-k", 5, "number of passages to return")
	lazy := fs.Bool("lazy", false, "use two-stage lazy retrieval")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: quarry-core query [flags] <question>")
	}
	question := strings.Join(fs.Args(), " ")

	var results []domain.RankedChunk
	var err error
	if *lazy {
		results, err = a.retriever.RetrieveLazy(ctx, question, *collection, *topK)
	} else {
		results, err = a.retriever.Retrieve(ctx, question, *collection, *topK)
	}
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No results.")
		return nil
	}

	for i, r := range results {
		fmt.Printf("%d. %s:%d-%d (%.3f)\n", i+1, r.Source, r.LineStart, r.LineEnd, r.Similarity)
		if !generate {
			fmt.Printf("   %s\n", firstLines(r.Content, 3))
		}
	}
	if !generate {
		return nil
	}

	llm := a.services.LLMService()
	if llm == nil {
		return fmt.Errorf("%w: no LLM configured (set OPENAI_API_KEY or LLM_PROVIDER=ollama)", domain.ErrServiceUnavailable)
	}
	answer, err := llm.Generate(ctx, buildPrompt(question, results),
		getEnvInt("LLM_MAX_TOKENS", 512), 0.2)
	if err != nil {
		return fmt.Errorf("generate answer: %w", err)
	}
	fmt.Printf("\n%s\n", strings.TrimSpace(answer))
	return nil
}

func (a *app) cmdOnboard(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("onboard", flag.ExitOnError)
	collection := fs.String("collection", "", "target collection (default owner-repo)")
	ref := fs.String("ref", "main", "git ref to track")
	fs.Parse(args)
	if fs.NArg() != 1 || !strings.Contains(fs.Arg(0), "/") {
		return fmt.Errorf("usage: quarry-core onboard [flags] <owner/repo>")
	}
	owner, repo, _ := strings.Cut(fs.Arg(0), "/")

	result, err := a.onboarder.OnboardLazy(ctx, owner, repo, *ref, *collection)
	if err != nil {
		return err
	}
	fmt.Printf("Onboarded %s/%s@%s into %q: %d/%d files tracked, %d path chunks\n",
		result.Owner, result.Repo, result.Ref, result.Collection,
		result.TrackedFiles, result.TotalFiles, result.TreeChunks)
	fmt.Println("Run queries with -lazy to embed file contents on demand.")
	return nil
}

func (a *app) cmdPurge(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	collection := fs.String("collection", "default", "collection to wipe")
	fs.Parse(args)

	result, err := a.ingestor.Purge(ctx, *collection)
	if err != nil {
		return err
	}
	fmt.Printf("Purged %q: %d documents, %d chunks\n", *collection, result.DocumentsDeleted, result.ChunksDeleted)
	return nil
}

func (a *app) cmdMigrateDim(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate-dim", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: quarry-core migrate-dim <dimension>")
	}
	var dim int
	if _, err := fmt.Sscanf(fs.Arg(0), "%d", &dim); err != nil || dim <= 0 {
		return fmt.Errorf("invalid dimension %q", fs.Arg(0))
	}

	migration, err := a.ingestor.MigrateDimension(ctx, dim)
	if err != nil {
		return err
	}
	if !migration.Changed {
		fmt.Printf("Dimension already %d, nothing to do\n", migration.NewDimension)
		return nil
	}
	fmt.Printf("Migrated %s backend from %d to %d dimensions (%d documents, %d chunks dropped)\n",
		migration.Backend, migration.PreviousDimension, migration.NewDimension,
		migration.DocumentsDeleted, migration.ChunksDeleted)
	return nil
}

// buildPrompt assembles the grounded generation prompt for ask.
func buildPrompt(question string, passages []domain.RankedChunk) string {
	var b strings.Builder
	b.WriteString("Answer the question using only the context below. Cite sources by path.\n\n")
	for _, p := range passages {
		fmt.Fprintf(&b, "[%s:%d-%d]\n%s\n\n", p.Source, p.LineStart, p.LineEnd, p.Content)
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

// firstLines returns up to n lines of text, flattened to one line.
func firstLines(text string, n int) string {
	lines := strings.SplitN(text, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, " ")
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}
