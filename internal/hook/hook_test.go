package hook

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clauderon/clauderon/internal/apperror"
	"github.com/clauderon/clauderon/internal/session"
)

type fakeManager struct {
	calls    int
	lastID   string
	lastStat session.ClaudeStatus
	err      error
}

func (f *fakeManager) UpdateClaudeStatus(ctx context.Context, id string, status session.ClaudeStatus) error {
	f.calls++
	f.lastID = id
	f.lastStat = status
	return f.err
}

func postStatus(router http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/internal/hooks/status", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestPostStatusAppliesKnownStatus(t *testing.T) {
	fm := &fakeManager{}
	router := NewRouter(fm, nil, nil)

	rec := postStatus(router, `{"session_id":"sess-1","status":"working"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, 1, fm.calls)
	require.Equal(t, "sess-1", fm.lastID)
	require.Equal(t, session.ClaudeStatusWorking, fm.lastStat)
}

func TestPostStatusRejectsUnknownStatus(t *testing.T) {
	fm := &fakeManager{}
	router := NewRouter(fm, nil, nil)

	rec := postStatus(router, `{"session_id":"sess-1","status":"sleeping"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, fm.calls)
}

func TestPostStatusRejectsMalformedPayload(t *testing.T) {
	fm := &fakeManager{}
	router := NewRouter(fm, nil, nil)

	rec := postStatus(router, `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, fm.calls)
}

func TestPostStatusReturnsNotFoundForUnknownSession(t *testing.T) {
	fm := &fakeManager{err: apperror.NotFound("session", "sess-1")}
	router := NewRouter(fm, nil, nil)

	rec := postStatus(router, `{"session_id":"sess-1","status":"idle"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	fm := &fakeManager{}
	router := NewRouter(fm, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
