package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrInstallFailed is returned by Register when an install handler fails.
	ErrInstallFailed = errors.New("worker installation failed")
	// ErrAlreadyRegistered is returned when registering a worker that has left the parsed state.
	ErrAlreadyRegistered = errors.New("worker already registered")
	// ErrNoWaitingWorker is returned by ActivateWaiting when no worker is waiting.
	ErrNoWaitingWorker = errors.New("no waiting worker")
)

// Host runs the worker lifecycle: install before activate before fetch.
// Lifecycle jobs (Register, ActivateWaiting) run one at a time;
// fetches are dispatched concurrently to the controlling worker.
type Host struct {
	network FetchHandler
	log     zerolog.Logger

	jobs       sync.Mutex
	mutex      sync.RWMutex
	active     *Worker
	waiting    *Worker
	controller *Worker
}

// NewHost creates a host. Requests are passed to network while no worker controls them.
// The global zerolog logger is used if logger is nil.
func NewHost(network FetchHandler, logger *zerolog.Logger) *Host {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Host{
		network: network,
		log:     l.With().Str("component", "lifecycle").Logger(),
	}
}

// Register installs the worker and, unless it has to wait, activates it.
// An installed worker waits if another worker is active and it did not call SkipWaiting.
// If an install handler fails, the worker becomes redundant and the error wraps ErrInstallFailed.
// An activate handler error is returned as well, but the worker stays activated.
func (h *Host) Register(ctx context.Context, w *Worker) error {
	h.jobs.Lock()
	defer h.jobs.Unlock()

	if w.State() != StateParsed {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyRegistered, w.Name, w.State())
	}

	logger := h.log.With().Str("worker", w.Name).Logger()
	w.setState(StateInstalling)
	logger.Debug().Msg("Installing worker")
	for _, handler := range w.installHandlers() {
		if err := handler(ctx); err != nil {
			w.setState(StateRedundant)
			logger.Error().Err(err).Msg("Worker installation failed")
			return fmt.Errorf("%w: %s: %w", ErrInstallFailed, w.Name, err)
		}
	}
	w.setState(StateInstalled)

	h.mutex.Lock()
	if h.waiting != nil {
		h.waiting.setState(StateRedundant)
	}
	h.waiting = w
	active := h.active
	h.mutex.Unlock()

	if active == nil || w.skipWaitingRequested() {
		return h.activate(ctx, w)
	}
	logger.Info().Str("active", active.Name).Msg("Worker installed and waiting")
	return nil
}

// ActivateWaiting activates the waiting worker.
// Call it once nothing depends on the active worker anymore.
func (h *Host) ActivateWaiting(ctx context.Context) error {
	h.jobs.Lock()
	defer h.jobs.Unlock()

	h.mutex.RLock()
	w := h.waiting
	h.mutex.RUnlock()
	if w == nil {
		return ErrNoWaitingWorker
	}
	return h.activate(ctx, w)
}

// activate must be called with the jobs mutex held.
func (h *Host) activate(ctx context.Context, w *Worker) error {
	logger := h.log.With().Str("worker", w.Name).Logger()

	h.mutex.Lock()
	previous := h.active
	if h.waiting == w {
		h.waiting = nil
	}
	h.active = w
	hadController := h.controller != nil
	h.mutex.Unlock()
	if previous != nil {
		previous.setState(StateRedundant)
		logger.Debug().Str("previous", previous.Name).Msg("Replacing active worker")
	}

	w.setState(StateActivating)
	var activateErr error
	for _, handler := range w.activateHandlers() {
		if err := handler(ctx); err != nil && activateErr == nil {
			activateErr = fmt.Errorf("activate %s: %w", w.Name, err)
		}
	}
	w.setState(StateActivated)

	if hadController || w.claimRequested() {
		h.mutex.Lock()
		h.controller = w
		h.mutex.Unlock()
		logger.Debug().Msg("Worker controls fetches")
	}
	if activateErr != nil {
		logger.Error().Err(activateErr).Msg("Worker activated with errors")
		return activateErr
	}
	logger.Info().Msg("Worker activated")
	return nil
}

// Claim makes the active worker control fetches.
// It does nothing if there is no active worker.
func (h *Host) Claim() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.active != nil {
		h.controller = h.active
	}
}

// Active returns the active worker, or nil.
func (h *Host) Active() *Worker {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.active
}

// Waiting returns the installed worker waiting for activation, or nil.
func (h *Host) Waiting() *Worker {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.waiting
}

// Controller returns the worker fetches are dispatched to, or nil.
func (h *Host) Controller() *Worker {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.controller
}

// Dispatch sends a fetch event to the controlling worker.
// Without a controller, or if the controller has no fetch handler, the request goes to the network.
func (h *Host) Dispatch(ctx context.Context, r *http.Request) (*http.Response, error) {
	handler := h.network
	if c := h.Controller(); c != nil {
		if fetch := c.fetchHandler(); fetch != nil {
			handler = fetch
		}
	}
	if handler == nil {
		return nil, nil
	}
	return handler(ctx, r)
}

// ServeHTTP implements the http.Handler interface.
// A fetch that produced no response is a failed load and results in 502 Bad Gateway.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res, err := h.Dispatch(r.Context(), r)
	if err != nil {
		h.log.Error().Err(err).Str("url", r.URL.String()).Msg("Fetch failed")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	if res == nil {
		h.log.Debug().Str("url", r.URL.String()).Msg("No response for request")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	defer res.Body.Close()
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		h.log.Error().Err(err).Msg("Could not write response body to client")
	}
	h.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
