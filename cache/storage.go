package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Storage is the process-wide response store, partitioned by cache name.
// It is safe for concurrent use as long as its provider is.
type Storage struct {
	provider CacheProvider
	log      zerolog.Logger
}

// NewStorage creates a storage on top of the given provider.
// The global zerolog logger is used if logger is nil.
func NewStorage(provider CacheProvider, logger *zerolog.Logger) *Storage {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Storage{
		provider: provider,
		log:      l.With().Str("component", "cache-storage").Logger(),
	}
}

// Open returns the named partition, creating it on first open.
func (s *Storage) Open(ctx context.Context, name string) (*Partition, error) {
	if err := s.provider.CreatePartition(ctx, name); err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return s.partition(name), nil
}

// Keys returns the partition names in creation order.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	return s.provider.Partitions(ctx)
}

// Has checks if the named partition exists.
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	return s.provider.HasPartition(ctx, name)
}

// Delete removes the named partition with all its entries.
// It returns false if there was no such partition.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	deleted, err := s.provider.DeletePartition(ctx, name)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", name, err)
	}
	if deleted {
		s.log.Debug().Str("partition", name).Msg("Deleted cache partition")
	}
	return deleted, nil
}

// Match looks the request up in every partition in creation order and returns the first match.
// It returns nil without error if no partition has a matching response.
func (s *Storage) Match(ctx context.Context, r *http.Request) (*http.Response, error) {
	names, err := s.provider.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		res, err := s.partition(name).Match(ctx, r)
		if err != nil || res != nil {
			return res, err
		}
	}
	return nil, nil
}

// MatchIn looks the request up in the named partition only.
// It returns nil without error if the partition does not exist or has no matching response.
func (s *Storage) MatchIn(ctx context.Context, name string, r *http.Request) (*http.Response, error) {
	has, err := s.provider.HasPartition(ctx, name)
	if err != nil || !has {
		return nil, err
	}
	return s.partition(name).Match(ctx, r)
}

func (s *Storage) partition(name string) *Partition {
	return &Partition{
		name:     name,
		keyer:    cachekey.NewCacheKeyer(name),
		provider: s.provider,
		log:      s.log.With().Str("partition", name).Logger(),
	}
}

// Partition is a handle to a single named cache partition.
type Partition struct {
	name     string
	keyer    cachekey.CacheKeyer
	provider CacheProvider
	log      zerolog.Logger
}

// Name returns the partition name.
func (p *Partition) Name() string {
	return p.name
}

// Put stores the response for the request.
// The response body is consumed.
func (p *Partition) Put(ctx context.Context, req *http.Request, res *http.Response) error {
	return p.PutAll(ctx, []*http.Request{req}, []*http.Response{res})
}

// PutAll stores all request/response pairs in a single atomic step.
// Either every pair is stored or none is.
// The response bodies are consumed.
func (p *Partition) PutAll(ctx context.Context, reqs []*http.Request, responses []*http.Response) error {
	if len(reqs) != len(responses) {
		return fmt.Errorf("got %d requests and %d responses", len(reqs), len(responses))
	}
	entries := make([]CacheEntry, 0, len(reqs))
	seen := make(map[string]bool, len(reqs))
	now := time.Now()
	for i, req := range reqs {
		ce, err := p.entry(req, responses[i], now)
		if err != nil {
			return fmt.Errorf("put %s: %w", req.URL, err)
		}
		if seen[ce.Key] {
			return fmt.Errorf("put %s: %w", req.URL, ErrDuplicateRequest)
		}
		seen[ce.Key] = true
		entries = append(entries, ce)
	}
	if err := p.provider.PutAll(ctx, p.name, entries); err != nil {
		return err
	}
	p.log.Trace().Msgf("Stored %d entries", len(entries))
	return nil
}

func (p *Partition) entry(req *http.Request, res *http.Response, storedAt time.Time) (CacheEntry, error) {
	if req.Method != http.MethodGet {
		return CacheEntry{}, ErrMethodNotSupported
	}
	if res.StatusCode == http.StatusPartialContent {
		return CacheEntry{}, ErrBadStatus
	}
	for _, name := range cachekey.GetListHeader(res.Header, "Vary") {
		if name == "*" {
			return CacheEntry{}, ErrVaryWildcard
		}
	}
	if err := bufferResponse(res); err != nil {
		return CacheEntry{}, err
	}
	if res.Request == nil {
		res.Request = req
	}
	bts, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: res,
		StoredAt: storedAt,
	})
	if err != nil {
		return CacheEntry{}, err
	}
	prefix := p.keyer.GetKeyPrefix(req)
	return CacheEntry{
		Key:      p.keyer.AddVaryKeys(prefix, req, res),
		StoredAt: storedAt,
		Bytes:    bts,
	}, nil
}

// Match returns the stored response matching the request.
// Only GET requests match. The URL fragment is ignored and stored Vary headers must match.
// It returns nil without error if there is no match.
func (p *Partition) Match(ctx context.Context, r *http.Request) (*http.Response, error) {
	if r.Method != http.MethodGet {
		return nil, nil
	}
	prefix := p.keyer.GetKeyPrefix(r)
	entries, err := p.provider.All(ctx, p.name, prefix)
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", r.URL, err)
	}
	p.log.Trace().Str("key", prefix).Msgf("Found %v cache entries", len(entries))
	for _, ce := range entries {
		if !p.keyer.VaryMatches(ce.Key, r) {
			continue
		}
		stored, err := serializer.BytesToStoredResponse(ce.Bytes)
		if err != nil {
			p.log.Error().Err(err).Str("key", ce.Key).Msg("Could not read stored response")
			continue
		}
		return stored.Response, nil
	}
	return nil, nil
}

// Keys returns requests equal to the ones the stored responses were stored for.
func (p *Partition) Keys(ctx context.Context) ([]*http.Request, error) {
	entries, err := p.provider.All(ctx, p.name, p.keyer.PartitionPrefix)
	if err != nil {
		return nil, err
	}
	reqs := make([]*http.Request, 0, len(entries))
	for _, ce := range entries {
		req, err := p.keyer.GetRequestFromKey(ce.Key)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Delete removes all stored responses matching the request.
// It returns false if nothing was removed.
func (p *Partition) Delete(ctx context.Context, r *http.Request) (bool, error) {
	if r.Method != http.MethodGet {
		return false, nil
	}
	entries, err := p.provider.All(ctx, p.name, p.keyer.GetKeyPrefix(r))
	if err != nil {
		return false, err
	}
	deleted := false
	for _, ce := range entries {
		if !p.keyer.VaryMatches(ce.Key, r) {
			continue
		}
		ok, err := p.provider.Purge(ctx, p.name, ce.Key)
		if err != nil {
			return deleted, err
		}
		deleted = deleted || ok
	}
	return deleted, nil
}

// bufferResponse reads the whole body into memory so that the response can be written more than once.
func bufferResponse(res *http.Response) error {
	body := []byte{}
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return err
		}
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	res.Proto, res.ProtoMajor, res.ProtoMinor = "HTTP/1.1", 1, 1
	return nil
}
