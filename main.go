package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/fabfab/csv-analyst/api"
	"github.com/fabfab/csv-analyst/chat"
	"github.com/fabfab/csv-analyst/config"
	"github.com/fabfab/csv-analyst/database"
	"github.com/fabfab/csv-analyst/embeddings"
	"github.com/fabfab/csv-analyst/ingestion"
	"github.com/fabfab/csv-analyst/knowledge"
	"github.com/fabfab/csv-analyst/llm"
	"github.com/fabfab/csv-analyst/logging"
	"github.com/fabfab/csv-analyst/retrieval"
	"github.com/fabfab/csv-analyst/storage"
	"github.com/fabfab/csv-analyst/store"
	"github.com/fabfab/csv-analyst/tabular"
)

const (
	shutdownTimeout = 15 * time.Second
	recorderBuffer  = 64
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch os.Args[1] {
	case "serve":
		err = serveCmd(ctx, cfg, logger, os.Args[2:])
	case "upload":
		err = uploadCmd(ctx, cfg, logger, os.Args[2:])
	case "vectorize":
		err = vectorizeCmd(ctx, cfg, logger, os.Args[2:])
	case "ask":
		err = askCmd(ctx, cfg, logger, os.Args[2:])
	case "clear":
		err = clearCmd(ctx, cfg, logger, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		logger.Error("command failed", zap.String("command", os.Args[1]), zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// app holds the wired services for one process.
type app struct {
	store    store.Store
	driver   neo4j.DriverWithContext
	ingest   *ingestion.Service
	chat     *chat.Service
	recorder *chat.Recorder
	closers  []func()
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	st, err := openStore(ctx, cfg, logger, a)
	if err != nil {
		return nil, err
	}
	a.store = st

	driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Pass)
	if err != nil {
		return nil, err
	}
	var (
		syncer     ingestion.GraphSyncer
		graphStore chat.GraphStore
	)
	if driver != nil {
		a.driver = driver
		a.closers = append(a.closers, func() { _ = driver.Close(context.Background()) })
		syncer = knowledge.NewSyncer(driver)
		graphStore = chat.NewNeo4jGraphStore(driver)
	} else {
		logger.Info("knowledge graph disabled")
	}

	blobs, err := storage.NewLocalStore(cfg.BlobDir)
	if err != nil {
		return nil, err
	}

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Warn("embedder unavailable, retrieval will use keyword search", zap.Error(err))
	}
	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("llm setup: %w", err)
	}

	a.ingest = ingestion.NewService(st, st, blobs, embedder, syncer, ingestion.Config{
		Parse: tabular.ParseOptions{MaxRows: cfg.Tabular.MaxRows},
		Stats: tabular.StatsOptions{
			SampleRows:     cfg.Tabular.StatsRows,
			MaxColumns:     cfg.Tabular.StatsColumns,
			DistinctSample: cfg.Tabular.DistinctSample,
		},
		BatchSize: cfg.Vectors.BatchSize,
		Pacing:    cfg.Vectors.Pacing,
	}, logger)

	engine := retrieval.NewEngine(st, embedder, retrieval.Config{
		Threshold:         cfg.Retrieve.Threshold,
		TopK:              cfg.Retrieve.TopK,
		LowSimilarityTopK: cfg.Retrieve.LowSimilarityTopK,
		KeywordCandidates: cfg.Retrieve.KeywordCandidates,
		KeywordTopK:       cfg.Retrieve.KeywordTopK,
		RecentTopK:        cfg.Retrieve.RecentTopK,
	}, logger)

	a.recorder = chat.NewRecorder(st, recorderBuffer, logger)
	a.chat = chat.NewService(st, st, st, engine, graphStore, llmClient, a.recorder, chat.Config{MaxContextChars: cfg.Context.MaxChars}, logger)

	ok = true
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger, a *app) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := database.EnsureSchema(ctx, pool, cfg.Embeddings.Dimension); err != nil {
			return nil, err
		}
		logger.Info("using postgres store")
		return store.NewPostgresStore(pool), nil
	case config.StoreDriverSQLite:
		if dir := filepath.Dir(cfg.Store.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		st, err := store.NewSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = st.Close() })
		logger.Info("using sqlite store", zap.String("path", cfg.Store.SQLitePath))
		return st, nil
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store; data is lost on exit")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Store.Driver)
	}
}

// close drains pending chat writes before releasing connections.
func (a *app) close(ctx context.Context) error {
	var err error
	if a.recorder != nil {
		err = a.recorder.Close(ctx)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	return err
}

func (a *app) watchRecorder(ctx context.Context, logger *zap.Logger) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, open := <-a.recorder.Errors():
				if !open {
					return
				}
				logger.Warn("chat message not persisted", zap.Error(err))
			}
		}
	}()
}

func serveCmd(ctx context.Context, cfg config.Config, logger *zap.Logger, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := flags.String("addr", cfg.HTTPAddr, "listen address")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse serve flags: %w", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.watchRecorder(ctx, logger)

	server := &http.Server{
		Addr: *addr,
		Handler: api.New(api.Deps{
			Datasets:       a.store,
			Ingestion:      a.ingest,
			Chat:           a.chat,
			MaxUploadBytes: cfg.MaxUploadBytes,
		}, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", *addr))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = fmt.Errorf("shutdown http server: %w", shutdownErr)
	}
	if closeErr := a.close(shutdownCtx); closeErr != nil {
		logger.Warn("drain chat recorder", zap.Error(closeErr))
	}
	return err
}

func uploadCmd(ctx context.Context, cfg config.Config, logger *zap.Logger, args []string) error {
	flags := flag.NewFlagSet("upload", flag.ExitOnError)
	user := flags.String("user", "", "owner id")
	file := flags.String("file", "", "path to a CSV file")
	vectorize := flags.Bool("vectorize", false, "vectorize the dataset after upload")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse upload flags: %w", err)
	}
	if *user == "" || *file == "" {
		return fmt.Errorf("--user and --file are required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read %s: %w", *file, err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	res, err := a.ingest.Upload(ctx, ingestion.UploadRequest{UserID: *user, Filename: filepath.Base(*file), Data: data})
	if err != nil {
		return err
	}
	ds := res.Dataset
	fmt.Printf("dataset %s: %d rows, %d columns (%s)\n", ds.ID, ds.TotalRows, ds.TotalColumns, strings.Join(ds.ColumnNames, ", "))
	if res.Preview.ProcessingNote != "" {
		fmt.Println(res.Preview.ProcessingNote)
	}

	if !*vectorize {
		return nil
	}
	return runVectorize(ctx, a, *user, ds.ID)
}

func vectorizeCmd(ctx context.Context, cfg config.Config, logger *zap.Logger, args []string) error {
	flags := flag.NewFlagSet("vectorize", flag.ExitOnError)
	user := flags.String("user", "", "owner id")
	dataset := flags.String("dataset", "", "dataset id")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse vectorize flags: %w", err)
	}
	datasetID, err := uuid.Parse(*dataset)
	if *user == "" || err != nil {
		return fmt.Errorf("--user and a valid --dataset are required")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	return runVectorize(ctx, a, *user, datasetID)
}

func runVectorize(ctx context.Context, a *app, userID string, datasetID uuid.UUID) error {
	res, err := a.ingest.Vectorize(ctx, userID, datasetID)
	if res.Total > 0 {
		fmt.Printf("vectorized %d of %d data chunks\n", res.Processed, res.Total)
	}
	return err
}

func askCmd(ctx context.Context, cfg config.Config, logger *zap.Logger, args []string) error {
	flags := flag.NewFlagSet("ask", flag.ExitOnError)
	user := flags.String("user", "", "owner id")
	dataset := flags.String("dataset", "", "dataset id")
	session := flags.String("session", "", "optional session id; the exchange is recorded when set")
	question := flags.String("question", "", "question about the dataset")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse ask flags: %w", err)
	}
	datasetID, err := uuid.Parse(*dataset)
	if *user == "" || err != nil {
		return fmt.Errorf("--user and a valid --dataset are required")
	}
	var sessionID uuid.UUID
	if *session != "" {
		if sessionID, err = uuid.Parse(*session); err != nil {
			return fmt.Errorf("--session must be a UUID")
		}
	}

	if strings.TrimSpace(*question) == "" {
		fmt.Print("Enter your question: ")
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			*question = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read question: %w", err)
		}
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	resp, err := a.chat.AskStream(ctx, chat.Request{
		UserID:    *user,
		DatasetID: datasetID,
		SessionID: sessionID,
		Question:  *question,
	}, func(part string) error {
		_, err := fmt.Print(part)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Println()

	p := resp.Provenance
	fmt.Printf("\nSearch method: %s (%d of %d chunks)\n", p.SearchMethod, p.ChunksUsed, p.ChunksAvailable)
	for i, r := range p.ChunkRanges {
		line := fmt.Sprintf("  rows %d-%d", r.Start, r.End)
		if i < len(p.SimilarityScores) {
			line += fmt.Sprintf(" (similarity %.3f)", p.SimilarityScores[i])
		}
		fmt.Println(line)
	}
	return nil
}

func clearCmd(ctx context.Context, cfg config.Config, logger *zap.Logger, args []string) error {
	flags := flag.NewFlagSet("clear", flag.ExitOnError)
	dataset := flags.String("dataset", "", "dataset id whose chunks should be removed")
	confirmed := flags.Bool("confirm", false, "skip confirmation prompt")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse clear flags: %w", err)
	}
	datasetID, err := uuid.Parse(*dataset)
	if err != nil {
		return fmt.Errorf("a valid --dataset is required")
	}

	if !*confirmed {
		fmt.Printf("This will delete the vectorized chunks and graph of dataset %s. Continue? [y/N]: ", datasetID)
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read confirmation: %w", err)
			}
			logger.Info("clear aborted")
			return nil
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if answer != "y" && answer != "yes" {
			logger.Info("clear aborted")
			return nil
		}
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if err := a.store.DeleteByDataset(ctx, datasetID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	logger.Info("dataset chunks cleared", zap.String("dataset_id", datasetID.String()))

	if a.driver != nil {
		if err := knowledge.DeleteDataset(ctx, a.driver, datasetID.String()); err != nil {
			return fmt.Errorf("clear knowledge graph: %w", err)
		}
		logger.Info("dataset graph cleared", zap.String("dataset_id", datasetID.String()))
	}
	return nil
}

func printUsage() {
	fmt.Println("Usage: csv-analyst <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  serve      Run the HTTP API")
	fmt.Println("  upload     Upload a CSV file (--user, --file, optional --vectorize)")
	fmt.Println("  vectorize  Chunk and embed an uploaded dataset (--user, --dataset)")
	fmt.Println("  ask        Ask a question about a dataset (--user, --dataset, --question)")
	fmt.Println("  clear      Remove a dataset's chunks and graph (--dataset)")
}
