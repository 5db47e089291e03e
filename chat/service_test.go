package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/csv-analyst/chat"
	"github.com/fabfab/csv-analyst/llm"
	"github.com/fabfab/csv-analyst/retrieval"
	"github.com/fabfab/csv-analyst/store"
)

type stubRetriever struct {
	result retrieval.Result
	calls  int
}

func (s *stubRetriever) Retrieve(context.Context, uuid.UUID, string) retrieval.Result {
	s.calls++
	return s.result
}

type stubGraphStore struct {
	data map[string]chat.ChunkInsight
	err  error
}

func (s *stubGraphStore) ChunkInsights(context.Context, []string) (map[string]chat.ChunkInsight, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

var _ chat.GraphStore = (*stubGraphStore)(nil)

type stubLLM struct {
	answer   string
	err      error
	messages []llm.Message
}

func (s *stubLLM) Generate(_ context.Context, messages []llm.Message) (string, error) {
	s.messages = messages
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

var _ llm.Client = (*stubLLM)(nil)

type stubStreamLLM struct {
	stubLLM
	parts []string
}

func (s *stubStreamLLM) GenerateStream(_ context.Context, messages []llm.Message, fn func(string) error) error {
	s.messages = messages
	for _, p := range s.parts {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

var _ llm.StreamClient = (*stubStreamLLM)(nil)

type fixture struct {
	mem       *store.MemoryStore
	dataset   *store.Dataset
	session   *store.Session
	retriever *stubRetriever
	llm       *stubLLM
	recorder  *chat.Recorder
	svc       *chat.Service
}

func newFixture(t *testing.T, graph chat.GraphStore, client llm.Client) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore()
	ds := testDataset()
	require.NoError(t, mem.CreateDataset(ctx, ds))
	session := &store.Session{UserID: ds.UserID, DatasetID: ds.ID, Name: "s"}
	require.NoError(t, mem.CreateSession(ctx, session))

	chunk := scored(1, 50, "Data batch (rows 1-50):\nRow 1: amount: 20, category: food", 0.88)
	retriever := &stubRetriever{result: retrieval.Result{
		Method:    retrieval.MethodVectorSimilarity,
		Chunks:    []retrieval.ScoredChunk{chunk},
		Available: 3,
	}}

	f := &fixture{mem: mem, dataset: ds, session: session, retriever: retriever}
	if client == nil {
		f.llm = &stubLLM{answer: "  Food dominates spending (rows 1-50).  "}
		client = f.llm
	}
	f.recorder = chat.NewRecorder(mem, 8, nil)
	f.svc = chat.NewService(mem, mem, mem, retriever, graph, client, f.recorder, chat.Config{}, nil)
	return f
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.recorder.Close(ctx))
}

func TestAskReturnsAnswerAndProvenance(t *testing.T) {
	f := newFixture(t, nil, nil)

	resp, err := f.svc.Ask(context.Background(), chat.Request{
		UserID:    f.dataset.UserID,
		DatasetID: f.dataset.ID,
		SessionID: f.session.ID,
		Question:  "Where does the money go?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Food dominates spending (rows 1-50).", resp.Answer)
	assert.Equal(t, retrieval.MethodVectorSimilarity, resp.Method)
	assert.Equal(t, "vector_similarity", resp.Provenance.SearchMethod)
	assert.Equal(t, 1, resp.Provenance.ChunksUsed)
	assert.Equal(t, 3, resp.Provenance.ChunksAvailable)
	assert.Equal(t, []store.RowRange{{Start: 1, End: 50}}, resp.Provenance.ChunkRanges)
	assert.Equal(t, []float64{0.88}, resp.Provenance.SimilarityScores)

	require.Len(t, f.llm.messages, 2)
	assert.Equal(t, llm.RoleSystem, f.llm.messages[0].Role)
	assert.Contains(t, f.llm.messages[0].Content, "Row 1: amount: 20")
	assert.Equal(t, "Where does the money go?", f.llm.messages[1].Content)

	f.drain(t)
	msgs, err := f.mem.ListMessages(context.Background(), f.session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.MessageUser, msgs[0].Type)
	assert.Equal(t, "Where does the money go?", msgs[0].Content)
	assert.Equal(t, store.MessageAssistant, msgs[1].Type)
	require.NotNil(t, msgs[1].Provenance)
	assert.Equal(t, "vector_similarity", msgs[1].Provenance.SearchMethod)
}

func TestAskWithoutSessionDoesNotRecord(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, err := f.svc.Ask(context.Background(), chat.Request{UserID: f.dataset.UserID, DatasetID: f.dataset.ID, Question: "total?"})
	require.NoError(t, err)

	f.drain(t)
	msgs, err := f.mem.ListMessages(context.Background(), f.session.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAskChatFailureIsAnalysisFailed(t *testing.T) {
	client := &stubLLM{err: errors.New("upstream 500")}
	f := newFixture(t, nil, client)

	_, err := f.svc.Ask(context.Background(), chat.Request{UserID: f.dataset.UserID, DatasetID: f.dataset.ID, SessionID: f.session.ID, Question: "total?"})
	require.ErrorIs(t, err, chat.ErrAnalysisFailed)

	f.drain(t)
	msgs, err := f.mem.ListMessages(context.Background(), f.session.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAskValidatesInput(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.svc.Ask(ctx, chat.Request{UserID: f.dataset.UserID, DatasetID: f.dataset.ID, Question: "   "})
	assert.ErrorIs(t, err, chat.ErrEmptyQuestion)

	_, err = f.svc.Ask(ctx, chat.Request{UserID: "intruder", DatasetID: f.dataset.ID, Question: "total?"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	other := testDataset()
	require.NoError(t, f.mem.CreateDataset(ctx, other))
	_, err = f.svc.Ask(ctx, chat.Request{UserID: f.dataset.UserID, DatasetID: other.ID, SessionID: f.session.ID, Question: "total?"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, f.retriever.calls)
}

func TestAskGraphErrorsAreIgnored(t *testing.T) {
	f := newFixture(t, &stubGraphStore{err: errors.New("neo4j down")}, nil)

	resp, err := f.svc.Ask(context.Background(), chat.Request{UserID: f.dataset.UserID, DatasetID: f.dataset.ID, Question: "total?"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Answer)
}

func TestAskIncludesGraphCoverage(t *testing.T) {
	f := newFixture(t, nil, nil)
	chunkID := f.retriever.result.Chunks[0].Chunk.ID.String()
	f.svc = chat.NewService(f.mem, f.mem, f.mem, f.retriever,
		&stubGraphStore{data: map[string]chat.ChunkInsight{chunkID: {Columns: []string{"amount"}}}},
		f.llm, f.recorder, chat.Config{}, nil)

	_, err := f.svc.Ask(context.Background(), chat.Request{UserID: f.dataset.UserID, DatasetID: f.dataset.ID, Question: "total?"})
	require.NoError(t, err)
	assert.Contains(t, f.llm.messages[0].Content, "- rows 1-50: amount\n")
}

func TestAskStreamDeliversParts(t *testing.T) {
	client := &stubStreamLLM{parts: []string{"Food ", "", "wins."}}
	f := newFixture(t, nil, client)

	var got []string
	resp, err := f.svc.AskStream(context.Background(), chat.Request{UserID: f.dataset.UserID, DatasetID: f.dataset.ID, Question: "total?"}, func(part string) error {
		got = append(got, part)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Food ", "wins."}, got)
	assert.Equal(t, "Food wins.", resp.Answer)
}

func TestSessionsAndHistory(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	session, err := f.svc.StartSession(ctx, f.dataset.UserID, f.dataset.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "Analysis of transactions.csv", session.Name)

	_, err = f.svc.StartSession(ctx, "intruder", f.dataset.ID, "x")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.svc.Ask(ctx, chat.Request{UserID: f.dataset.UserID, DatasetID: f.dataset.ID, SessionID: session.ID, Question: "total?"})
	require.NoError(t, err)
	f.drain(t)

	history, err := f.svc.History(ctx, f.dataset.UserID, session.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.MessageUser, history[0].Type)

	_, err = f.svc.History(ctx, "intruder", session.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
