package proxy

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// inflightRequest is the metadata tracked between request intake and
// response completion, keyed by the client's socket address — the proxy's
// underlying handler framework hands back only that on the response path,
// per spec.md §4.5.
type inflightRequest struct {
	correlationID string
	start         time.Time
	timestamp     time.Time
	method        string
	path          string
	host          string
}

// correlationTracker is the lock-free concurrent map of in-flight requests.
type correlationTracker struct {
	inflight sync.Map // client address -> *inflightRequest
}

func newCorrelationTracker() *correlationTracker {
	return &correlationTracker{}
}

// Start records a new in-flight request and returns its correlation id.
func (t *correlationTracker) Start(clientAddr, method, path, host string) string {
	id := uuid.NewString()
	now := time.Now().UTC()
	t.inflight.Store(clientAddr, &inflightRequest{
		correlationID: id,
		start:         now,
		timestamp:     now,
		method:        method,
		path:          path,
		host:          host,
	})
	return id
}

// Finish removes and returns the in-flight entry for clientAddr, plus the
// elapsed duration. The second return value is false if no entry was found
// — a defensive case the caller should warn on, per spec.md.
func (t *correlationTracker) Finish(clientAddr string) (*inflightRequest, time.Duration, bool) {
	v, ok := t.inflight.LoadAndDelete(clientAddr)
	if !ok {
		return nil, 0, false
	}
	req := v.(*inflightRequest)
	return req, time.Since(req.start), true
}
