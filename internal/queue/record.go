package queue

import (
	"sync"

	"github.com/Ganzzi/llm-queue/internal/request"
)

// record is the rendezvous + terminal-response cache for one request,
// shared between the submitter (waiting for completion) and the worker
// (producing the response). done is closed exactly once, on publish,
// tolerating any number of late readers — wait-mode callers select on it,
// fire-and-forget callers poll snapshot() independently.
type record struct {
	mu        sync.Mutex
	status    request.Status
	response  *request.Response
	done      chan struct{}
	closeOnce sync.Once
}

func newRecord() *record {
	return &record{
		status: request.StatusPending,
		done:   make(chan struct{}),
	}
}

func (r *record) setStatus(s request.Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// publish stamps the terminal response and closes done. Safe to call more
// than once (only the first call's status/response wins, and done closes
// only once), though callers are expected to call it exactly once.
func (r *record) publish(resp *request.Response) {
	r.mu.Lock()
	if r.response == nil {
		r.status = resp.Status
		r.response = resp
	}
	r.mu.Unlock()
	r.closeOnce.Do(func() { close(r.done) })
}

// snapshot returns the current status and, if terminal, the response.
func (r *record) snapshot() (request.Status, *request.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.response
}
