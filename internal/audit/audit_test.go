package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func TestRecordAppendsJSONLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	l, err := New(path, true, nil)
	require.NoError(t, err)

	sessionID := "sess-1"
	code := 200
	l.Record(Record{
		CorrelationID: "corr-1",
		SessionID:     &sessionID,
		Service:       "api.github.com",
		Method:        "GET",
		Path:          "/repos/x/y",
		AuthInjected:  true,
		ResponseCode:  &code,
		DurationMs:    42,
	})
	l.Record(Record{CorrelationID: "corr-2", Service: "api.anthropic.com", Method: "POST"})

	lines := readLines(t, path)
	require.Len(t, lines, 2)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "corr-1", rec.CorrelationID)
	require.Equal(t, 200, *rec.ResponseCode)
}

func TestDisabledLoggerIsNoOp(t *testing.T) {
	l, err := New("", false, nil)
	require.NoError(t, err)
	require.False(t, l.Enabled())

	l.Record(Record{CorrelationID: "corr-1"})
}

func TestNewRequiresPathWhenEnabled(t *testing.T) {
	_, err := New("", true, nil)
	require.Error(t, err)
}
