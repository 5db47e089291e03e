// Package chat answers questions about a dataset: it retrieves chunks,
// assembles the prompt context, calls the chat model and records the
// exchange.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabfab/csv-analyst/llm"
	"github.com/fabfab/csv-analyst/logging"
	"github.com/fabfab/csv-analyst/retrieval"
	"github.com/fabfab/csv-analyst/store"
)

var (
	// ErrAnalysisFailed is the one failure shown to users; the chat model
	// call did not produce an answer.
	ErrAnalysisFailed = errors.New("analysis failed, try again")
	ErrEmptyQuestion  = errors.New("question cannot be empty")
)

type Retriever interface {
	Retrieve(ctx context.Context, datasetID uuid.UUID, question string) retrieval.Result
}

type Config struct {
	MaxContextChars int
}

type Service struct {
	datasets  store.DatasetStore
	sessions  store.SessionStore
	messages  store.MessageStore
	retriever Retriever
	graph     GraphStore
	llm       llm.Client
	recorder  *Recorder
	cfg       Config
	logger    *zap.Logger
}

// NewService wires the question-answering pipeline. graph and recorder may be
// nil; a nil recorder means exchanges are not persisted.
func NewService(
	datasets store.DatasetStore,
	sessions store.SessionStore,
	messages store.MessageStore,
	retriever Retriever,
	graph GraphStore,
	llmClient llm.Client,
	recorder *Recorder,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.MaxContextChars == 0 {
		cfg.MaxContextChars = DefaultMaxContextChars
	}
	return &Service{
		datasets:  datasets,
		sessions:  sessions,
		messages:  messages,
		retriever: retriever,
		graph:     graph,
		llm:       llmClient,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logging.OrNop(logger).Named("chat"),
	}
}

func (s *Service) Ask(ctx context.Context, req Request) (Response, error) {
	return s.ask(ctx, req, nil)
}

// AskStream behaves like Ask and also passes the answer to streamFn as it is
// generated. When the model client cannot stream, streamFn receives the full
// answer once.
func (s *Service) AskStream(ctx context.Context, req Request, streamFn func(string) error) (Response, error) {
	return s.ask(ctx, req, streamFn)
}

func (s *Service) ask(ctx context.Context, req Request, streamFn func(string) error) (Response, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Response{}, ErrEmptyQuestion
	}
	if s.llm == nil {
		return Response{}, fmt.Errorf("llm client is not configured")
	}

	ds, err := s.datasets.GetDataset(ctx, req.UserID, req.DatasetID)
	if err != nil {
		return Response{}, fmt.Errorf("load dataset: %w", err)
	}
	if req.SessionID != uuid.Nil {
		if _, err := s.sessionFor(ctx, req.UserID, req.SessionID, ds.ID); err != nil {
			return Response{}, err
		}
	}

	log := s.logger.With(zap.String("dataset_id", ds.ID.String()))

	result := s.retriever.Retrieve(ctx, ds.ID, question)
	insights := s.insights(ctx, log, result)

	contextText, included := BuildContext(ContextInput{
		Dataset:   ds,
		Retrieved: result,
		Insights:  insights,
		MaxChars:  s.cfg.MaxContextChars,
	})
	if len(included) < len(result.Chunks) {
		log.Info("context budget dropped chunks", zap.Int("retrieved", len(result.Chunks)), zap.Int("included", len(included)))
	}
	systemPrompt, userPrompt := BuildPrompts(contextText, question)
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: userPrompt},
	}

	answer, err := s.generate(ctx, messages, streamFn)
	if err != nil {
		log.Error("chat completion failed", zap.Error(err))
		return Response{}, fmt.Errorf("%w: %v", ErrAnalysisFailed, err)
	}
	answer = strings.TrimSpace(answer)

	provenance := provenanceFor(result, included)
	log.Info("question answered",
		zap.String("search_method", provenance.SearchMethod),
		zap.Int("chunks_used", provenance.ChunksUsed),
		zap.Int("chunks_available", provenance.ChunksAvailable))

	if req.SessionID != uuid.Nil && s.recorder != nil {
		p := provenance
		s.recorder.Record(Exchange{
			Question: store.ChatMessage{SessionID: req.SessionID, UserID: req.UserID, Type: store.MessageUser, Content: question},
			Answer:   store.ChatMessage{SessionID: req.SessionID, UserID: req.UserID, Type: store.MessageAssistant, Content: answer, Provenance: &p},
		})
	}

	return Response{Answer: answer, Method: result.Method, Provenance: provenance}, nil
}

func (s *Service) generate(ctx context.Context, messages []llm.Message, streamFn func(string) error) (string, error) {
	if streamFn == nil {
		return s.llm.Generate(ctx, messages)
	}
	streamClient, ok := s.llm.(llm.StreamClient)
	if !ok {
		answer, err := s.llm.Generate(ctx, messages)
		if err != nil {
			return "", err
		}
		return answer, streamFn(answer)
	}

	var builder strings.Builder
	err := streamClient.GenerateStream(ctx, messages, func(chunk string) error {
		if chunk == "" {
			return nil
		}
		builder.WriteString(chunk)
		return streamFn(chunk)
	})
	if err != nil {
		return "", err
	}
	return builder.String(), nil
}

func (s *Service) insights(ctx context.Context, log *zap.Logger, result retrieval.Result) map[string]ChunkInsight {
	if s.graph == nil || len(result.Chunks) == 0 {
		return nil
	}
	ids := make([]string, 0, len(result.Chunks))
	for _, sc := range result.Chunks {
		ids = append(ids, sc.Chunk.ID.String())
	}
	insights, err := s.graph.ChunkInsights(ctx, ids)
	if err != nil {
		log.Warn("graph insights error", zap.Error(err))
		return nil
	}
	return insights
}

// StartSession opens a conversation over one of the user's datasets. An
// empty name defaults to "Analysis of <filename>".
func (s *Service) StartSession(ctx context.Context, userID string, datasetID uuid.UUID, name string) (*store.Session, error) {
	ds, err := s.datasets.GetDataset(ctx, userID, datasetID)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Analysis of " + ds.OriginalFilename
	}
	session := &store.Session{UserID: userID, DatasetID: ds.ID, Name: name}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// History lists a session's messages oldest first.
func (s *Service) History(ctx context.Context, userID string, sessionID uuid.UUID) ([]store.ChatMessage, error) {
	if _, err := s.sessions.GetSession(ctx, userID, sessionID); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	msgs, err := s.messages.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

func (s *Service) sessionFor(ctx context.Context, userID string, sessionID, datasetID uuid.UUID) (*store.Session, error) {
	session, err := s.sessions.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session.DatasetID != datasetID {
		return nil, fmt.Errorf("load session: session belongs to another dataset: %w", store.ErrNotFound)
	}
	return session, nil
}
