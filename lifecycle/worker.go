// Package lifecycle dispatches install, activate and fetch events to workers
// the way a browser dispatches them to service workers.
package lifecycle

import (
	"context"
	"net/http"
	"sync"
)

type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

// Handler handles an install or activate event.
// The event is complete once the handler returns.
type Handler func(ctx context.Context) error

// FetchHandler responds to an intercepted request.
// A nil response with a nil error means the request could not be satisfied.
type FetchHandler func(ctx context.Context, r *http.Request) (*http.Response, error)

// Worker is one version of the event handlers.
// Register handlers before passing the worker to Host.Register.
type Worker struct {
	Name string

	mutex       sync.Mutex
	state       State
	install     []Handler
	activate    []Handler
	fetch       FetchHandler
	skipWaiting bool
	claim       bool
}

func NewWorker(name string) *Worker {
	return &Worker{Name: name}
}

// OnInstall adds an install handler. Install handlers run in the order they were added.
func (w *Worker) OnInstall(h Handler) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.install = append(w.install, h)
}

// OnActivate adds an activate handler. Activate handlers run in the order they were added.
func (w *Worker) OnActivate(h Handler) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.activate = append(w.activate, h)
}

// OnFetch sets the fetch handler, replacing any previous one.
func (w *Worker) OnFetch(h FetchHandler) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.fetch = h
}

// SkipWaiting makes the worker activate as soon as it is installed,
// even if another worker is active.
// It takes effect when installation completes.
func (w *Worker) SkipWaiting() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.skipWaiting = true
}

// Claim makes the worker take control of fetches as soon as it is activated.
func (w *Worker) Claim() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.claim = true
}

func (w *Worker) State() State {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.state = s
}

func (w *Worker) installHandlers() []Handler {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return append([]Handler(nil), w.install...)
}

func (w *Worker) activateHandlers() []Handler {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return append([]Handler(nil), w.activate...)
}

func (w *Worker) fetchHandler() FetchHandler {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.fetch
}

func (w *Worker) skipWaitingRequested() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.skipWaiting
}

func (w *Worker) claimRequested() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.claim
}
