package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func respond(body string) FetchHandler {
	return func(ctx context.Context, r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

func serve(h *Host) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	return rr
}

func TestEventOrder(t *testing.T) {
	var events []string
	w := NewWorker("v1")
	w.OnInstall(func(ctx context.Context) error {
		events = append(events, "install")
		return nil
	})
	w.OnActivate(func(ctx context.Context) error {
		events = append(events, "activate")
		w.Claim()
		return nil
	})
	w.OnFetch(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		events = append(events, "fetch")
		return respond("v1")(ctx, r)
	})
	h := NewHost(nil, nil)

	require.NoError(t, h.Register(context.Background(), w))
	rr := serve(h)

	assert.Equal(t, []string{"install", "activate", "fetch"}, events)
	assert.Equal(t, StateActivated, w.State())
	assert.Equal(t, "v1", rr.Body.String())
}

func TestInstallFailureMakesWorkerRedundant(t *testing.T) {
	errOffline := errors.New("offline")
	w := NewWorker("v1")
	w.OnInstall(func(ctx context.Context) error { return errOffline })
	activated := false
	w.OnActivate(func(ctx context.Context) error {
		activated = true
		return nil
	})
	h := NewHost(nil, nil)

	err := h.Register(context.Background(), w)

	assert.True(t, errors.Is(err, ErrInstallFailed))
	assert.True(t, errors.Is(err, errOffline))
	assert.False(t, activated)
	assert.Equal(t, StateRedundant, w.State())
	assert.Nil(t, h.Active())
}

func TestRegisterTwice(t *testing.T) {
	w := NewWorker("v1")
	h := NewHost(nil, nil)
	require.NoError(t, h.Register(context.Background(), w))
	assert.True(t, errors.Is(h.Register(context.Background(), w), ErrAlreadyRegistered))
}

func TestWorkerWaitsWithoutSkipWaiting(t *testing.T) {
	ctx := context.Background()
	h := NewHost(nil, nil)
	v1 := NewWorker("v1")
	v1.OnActivate(func(ctx context.Context) error {
		v1.Claim()
		return nil
	})
	v1.OnFetch(respond("v1"))
	require.NoError(t, h.Register(ctx, v1))

	v2 := NewWorker("v2")
	v2.OnFetch(respond("v2"))
	require.NoError(t, h.Register(ctx, v2))

	assert.Equal(t, StateInstalled, v2.State())
	assert.Same(t, v2, h.Waiting())
	assert.Equal(t, "v1", serve(h).Body.String())

	require.NoError(t, h.ActivateWaiting(ctx))

	assert.Equal(t, StateRedundant, v1.State())
	assert.Equal(t, StateActivated, v2.State())
	assert.Nil(t, h.Waiting())
	// clients controlled by the old worker move to the new one
	assert.Equal(t, "v2", serve(h).Body.String())
	assert.True(t, errors.Is(h.ActivateWaiting(ctx), ErrNoWaitingWorker))
}

func TestSkipWaitingActivatesImmediately(t *testing.T) {
	ctx := context.Background()
	h := NewHost(nil, nil)
	v1 := NewWorker("v1")
	require.NoError(t, h.Register(ctx, v1))

	v2 := NewWorker("v2")
	v2.OnInstall(func(ctx context.Context) error {
		v2.SkipWaiting()
		return nil
	})
	require.NoError(t, h.Register(ctx, v2))

	assert.Same(t, v2, h.Active())
	assert.Equal(t, StateRedundant, v1.State())
}

func TestNoControllerWithoutClaim(t *testing.T) {
	h := NewHost(respond("network"), nil)
	w := NewWorker("v1")
	w.OnFetch(respond("worker"))
	require.NoError(t, h.Register(context.Background(), w))

	assert.Nil(t, h.Controller())
	assert.Equal(t, "network", serve(h).Body.String())

	h.Claim()
	assert.Equal(t, "worker", serve(h).Body.String())
}

func TestActivateErrorStillActivates(t *testing.T) {
	w := NewWorker("v1")
	w.OnActivate(func(ctx context.Context) error { return errors.New("could not delete") })
	w.OnActivate(func(ctx context.Context) error {
		w.Claim()
		return nil
	})
	h := NewHost(nil, nil)

	err := h.Register(context.Background(), w)

	assert.Error(t, err)
	assert.Equal(t, StateActivated, w.State())
	assert.Same(t, w, h.Controller())
}

func TestNilResponseIsBadGateway(t *testing.T) {
	w := NewWorker("v1")
	w.OnFetch(func(ctx context.Context, r *http.Request) (*http.Response, error) { return nil, nil })
	w.Claim()
	h := NewHost(nil, nil)
	require.NoError(t, h.Register(context.Background(), w))

	assert.Equal(t, http.StatusBadGateway, serve(h).Code)
}
