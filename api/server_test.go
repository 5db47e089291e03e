package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/csv-analyst/api"
	"github.com/fabfab/csv-analyst/chat"
	"github.com/fabfab/csv-analyst/ingestion"
	"github.com/fabfab/csv-analyst/llm"
	"github.com/fabfab/csv-analyst/retrieval"
	"github.com/fabfab/csv-analyst/storage"
	"github.com/fabfab/csv-analyst/store"
)

type constEmbedder struct {
	onEmbed func()
}

func (c *constEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if c.onEmbed != nil {
		c.onEmbed()
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type stubLLM struct {
	answer string
	err    error
}

func (s *stubLLM) Generate(context.Context, []llm.Message) (string, error) {
	return s.answer, s.err
}

type env struct {
	mem      *store.MemoryStore
	blobs    *storage.LocalStore
	embedder *constEmbedder
	llm      *stubLLM
	recorder *chat.Recorder
	server   *api.Server
}

func newEnv(t *testing.T, maxUpload int64) *env {
	t.Helper()
	blobs, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	mem := store.NewMemoryStore()
	icfg := ingestion.DefaultConfig()
	icfg.Pacing = 0
	embedder := &constEmbedder{}
	ingest := ingestion.NewService(mem, mem, blobs, embedder, nil, icfg, nil)

	engine := retrieval.NewEngine(mem, embedder, retrieval.DefaultConfig(), nil)
	client := &stubLLM{answer: "Row 2 has the largest amount."}
	recorder := chat.NewRecorder(mem, 8, nil)
	analyst := chat.NewService(mem, mem, mem, engine, nil, client, recorder, chat.Config{}, nil)

	e := &env{mem: mem, blobs: blobs, embedder: embedder, llm: client, recorder: recorder}
	e.server = api.New(api.Deps{
		Datasets:       mem,
		Ingestion:      ingest,
		Chat:           analyst,
		MaxUploadBytes: maxUpload,
	}, nil)
	return e
}

func (e *env) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.recorder.Close(ctx))
}

func (e *env) do(t *testing.T, method, path, user string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != "" {
		req.Header.Set(api.UserHeader, user)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func (e *env) doJSON(t *testing.T, method, path, user string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	return e.do(t, method, path, user, body, "application/json")
}

func multipartFile(t *testing.T, filename string, data []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes(), w.FormDataContentType()
}

func (e *env) upload(t *testing.T, user, filename string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartFile(t, filename, data)
	return e.do(t, http.MethodPost, "/v1/datasets", user, body, ct)
}

const salesCSV = "region,amount\nnorth,10\nsouth,30\neast,20\n"

type uploadBody struct {
	Dataset store.Dataset     `json:"dataset"`
	Preview ingestion.Preview `json:"preview"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	return decode[map[string]string](t, rec)["error"]
}

func TestHealth(t *testing.T) {
	e := newEnv(t, 0)
	rec := e.do(t, http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["message"])
}

func TestRequestsWithoutUserAreRejected(t *testing.T) {
	e := newEnv(t, 0)
	rec := e.do(t, http.MethodGet, "/v1/datasets", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, errorMessage(t, rec), api.UserHeader)
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t, 0)
	req := httptest.NewRequest(http.MethodOptions, "/v1/chat", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type, x-user-id")
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestUploadReturnsDatasetAndPreview(t *testing.T) {
	e := newEnv(t, 0)
	rec := e.upload(t, "u1", "sales.csv", []byte(salesCSV))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode[uploadBody](t, rec)
	assert.Equal(t, "sales.csv", body.Dataset.OriginalFilename)
	assert.Equal(t, 3, body.Dataset.TotalRows)
	assert.Equal(t, []string{"region", "amount"}, body.Preview.Headers)
	assert.Len(t, body.Preview.Rows, 3)
	require.NotNil(t, body.Preview.Stats["amount"].Numeric)
	assert.InDelta(t, 20, body.Preview.Stats["amount"].Numeric.Avg, 1e-9)

	list := e.do(t, http.MethodGet, "/v1/datasets", "u1", nil, "")
	require.Equal(t, http.StatusOK, list.Code)
	assert.Len(t, decode[[]store.Dataset](t, list), 1)

	other := e.do(t, http.MethodGet, "/v1/datasets/"+body.Dataset.ID.String(), "u2", nil, "")
	assert.Equal(t, http.StatusNotFound, other.Code)
}

func TestUploadRejectsBadInput(t *testing.T) {
	e := newEnv(t, 0)

	rec := e.upload(t, "u1", "notes.txt", []byte("hello"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.upload(t, "u1", "empty.csv", []byte("\n \n"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/datasets", "u1", []byte("{}"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadTooLarge(t *testing.T) {
	e := newEnv(t, 64)
	rec := e.upload(t, "u1", "big.csv", []byte(strings.Repeat("a,b\n", 100)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestVectorizeAndChat(t *testing.T) {
	e := newEnv(t, 0)
	up := decode[uploadBody](t, e.upload(t, "u1", "sales.csv", []byte(salesCSV)))
	datasetID := up.Dataset.ID.String()

	rec := e.do(t, http.MethodPost, "/v1/datasets/"+datasetID+"/vectorize", "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	vec := decode[map[string]any](t, rec)
	assert.Equal(t, true, vec["success"])
	assert.Equal(t, "Successfully vectorized 1 data chunks", vec["message"])
	assert.EqualValues(t, 1, vec["chunksProcessed"])
	assert.EqualValues(t, 1, vec["totalChunks"])

	rec = e.doJSON(t, http.MethodPost, "/v1/datasets/"+datasetID+"/sessions", "u1", map[string]string{})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	session := decode[store.Session](t, rec)
	assert.Equal(t, "Analysis of sales.csv", session.Name)

	rec = e.doJSON(t, http.MethodPost, "/v1/chat", "u1", map[string]string{
		"message":   "Which region sold the most?",
		"datasetId": datasetID,
		"sessionId": session.ID.String(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var reply struct {
		Response   string           `json:"response"`
		Provenance store.Provenance `json:"provenance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, "Row 2 has the largest amount.", reply.Response)
	assert.Equal(t, string(retrieval.MethodVectorSimilarity), reply.Provenance.SearchMethod)
	assert.Equal(t, 1, reply.Provenance.ChunksUsed)
	assert.Equal(t, []store.RowRange{{Start: 1, End: 3}}, reply.Provenance.ChunkRanges)

	e.drain(t)
	rec = e.do(t, http.MethodGet, "/v1/sessions/"+session.ID.String()+"/messages", "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[[]store.ChatMessage](t, rec)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.MessageUser, msgs[0].Type)
	assert.Equal(t, store.MessageAssistant, msgs[1].Type)
}

func TestChatValidation(t *testing.T) {
	e := newEnv(t, 0)

	rec := e.doJSON(t, http.MethodPost, "/v1/chat", "u1", map[string]string{"message": "  ", "datasetId": uuid.NewString()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.doJSON(t, http.MethodPost, "/v1/chat", "u1", map[string]string{"message": "hi", "datasetId": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.doJSON(t, http.MethodPost, "/v1/chat", "u1", map[string]string{"message": "hi", "datasetId": uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/chat", "u1", []byte(`{"message":"hi","extra":1}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatModelFailureIsGeneric(t *testing.T) {
	e := newEnv(t, 0)
	up := decode[uploadBody](t, e.upload(t, "u1", "sales.csv", []byte(salesCSV)))
	e.llm.err = errors.New("upstream 503: secret details")

	rec := e.doJSON(t, http.MethodPost, "/v1/chat", "u1", map[string]string{
		"message":   "Total amount?",
		"datasetId": up.Dataset.ID.String(),
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, chat.ErrAnalysisFailed.Error(), errorMessage(t, rec))
}

func TestInvalidPathID(t *testing.T) {
	e := newEnv(t, 0)
	rec := e.do(t, http.MethodPost, "/v1/datasets/not-a-uuid/vectorize", "u1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, fmt.Sprintf("/v1/sessions/%s/messages", uuid.NewString()), "u1", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVectorizeMissingUploadIsNotFound(t *testing.T) {
	e := newEnv(t, 0)
	up := decode[uploadBody](t, e.upload(t, "u1", "sales.csv", []byte(salesCSV)))
	require.NoError(t, e.blobs.Delete(context.Background(), up.Dataset.StoragePath))

	rec := e.do(t, http.MethodPost, "/v1/datasets/"+up.Dataset.ID.String()+"/vectorize", "u1", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInterruptedVectorizeReportsProgress(t *testing.T) {
	e := newEnv(t, 0)
	var sb strings.Builder
	sb.WriteString("region,amount\n")
	for i := 0; i < 120; i++ {
		fmt.Fprintf(&sb, "r%d,%d\n", i, i)
	}
	up := decode[uploadBody](t, e.upload(t, "u1", "sales.csv", []byte(sb.String())))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.embedder.onEmbed = cancel

	req := httptest.NewRequest(http.MethodPost, "/v1/datasets/"+up.Dataset.ID.String()+"/vectorize", nil).WithContext(ctx)
	req.Header.Set(api.UserHeader, "u1")
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Contains(t, body["error"], "vectorization interrupted")
	assert.EqualValues(t, 1, body["chunksProcessed"])
	assert.EqualValues(t, 3, body["totalChunks"])
}
