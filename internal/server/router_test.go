package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	mng "github.com/loykin/proxymgr/internal/manager"
	"github.com/loykin/proxymgr/internal/metrics"
	"github.com/loykin/proxymgr/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	startReq    mng.StartRequest
	startRec    *store.ServerRecord
	startErr    error
	shutdownArg []string
	shutdownErr error
	listArg     string
	entries     []store.Entry
	swept       int
}

func (f *fakeService) Start(_ context.Context, req mng.StartRequest) (*store.ServerRecord, error) {
	f.startReq = req
	return f.startRec, f.startErr
}

func (f *fakeService) Shutdown(_ context.Context, parentID, callerID, secret string) error {
	f.shutdownArg = []string{parentID, callerID, secret}
	return f.shutdownErr
}

func (f *fakeService) List(_ context.Context, parentID string) ([]store.Entry, error) {
	f.listArg = parentID
	return f.entries, nil
}

func (f *fakeService) Sweep(context.Context) (int, error) { return f.swept, nil }

func setupRouter(t *testing.T, svc Service, base string) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(svc, base, nil).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func record() *store.ServerRecord {
	return &store.ServerRecord{
		ServerURL:  "http://127.0.0.1:31000",
		BasePath:   "/matlab/default",
		PID:        10,
		ParentPID:  "42",
		ID:         "42_default",
		Kind:       store.KindShared,
		AuthSecret: "top-secret",
	}
}

func TestStart(t *testing.T) {
	svc := &fakeService{startRec: record()}
	h := setupRouter(t, svc, "/api")
	rec := doReq(t, h, http.MethodPost, "/api/start", map[string]any{
		"caller_id": "kA", "parent_id": "42", "isolated": true, "secret": "s",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, mng.StartRequest{CallerID: "kA", ParentID: "42", Isolated: true, Secret: "s"}, svc.startReq)

	var got store.ServerRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "42_default", got.ID)
	assert.Equal(t, "top-secret", got.AuthSecret, "the starter needs the secret to shut down")
}

func TestStart_Errors(t *testing.T) {
	h := setupRouter(t, &fakeService{startErr: &mng.ConfigurationError{Field: "caller_id", Reason: "reserved"}}, "")
	rec := doReq(t, h, http.MethodPost, "/start", map[string]any{"caller_id": "default", "parent_id": "1", "isolated": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h = setupRouter(t, &fakeService{}, "")
	rec = doReq(t, h, http.MethodPost, "/start", map[string]any{"caller_id": "kA", "parent_id": "1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h = setupRouter(t, &fakeService{startErr: errors.New("disk full")}, "")
	rec = doReq(t, h, http.MethodPost, "/start", map[string]any{"caller_id": "kA", "parent_id": "1"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader("{bad"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestShutdown(t *testing.T) {
	svc := &fakeService{}
	h := setupRouter(t, svc, "/api/")
	rec := doReq(t, h, http.MethodPost, "/api/shutdown", map[string]any{"parent_id": "42", "caller_id": "kA", "secret": "s"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"42", "kA", "s"}, svc.shutdownArg)

	svc.shutdownErr = &mng.ShutdownError{Key: "42_kA", Err: errors.New("io")}
	rec = doReq(t, h, http.MethodPost, "/api/shutdown", map[string]any{"parent_id": "42", "caller_id": "kA", "secret": "s"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServers_RedactsSecrets(t *testing.T) {
	svc := &fakeService{entries: []store.Entry{{Key: "42_default", Record: *record()}}}
	h := setupRouter(t, svc, "")
	rec := doReq(t, h, http.MethodGet, "/servers?parent_id=42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", svc.listArg)
	assert.NotContains(t, rec.Body.String(), "top-secret")

	var got serversResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Servers, 1)
	assert.Equal(t, 10, got.Servers[0].PID)
}

func TestSweep(t *testing.T) {
	h := setupRouter(t, &fakeService{swept: 3}, "")
	rec := doReq(t, h, http.MethodPost, "/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":3}`, rec.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRouter(&fakeService{}, "/api", nil).Handler()
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	metrics.IncLaunch("shared")
	h = NewRouter(&fakeService{}, "/api", nil).WithMetrics().Handler()
	rec = doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
