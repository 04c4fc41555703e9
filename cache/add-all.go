package cache

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// Doer performs network requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AddAll fetches every request concurrently and stores the responses in the partition.
// It is all-or-nothing: if any fetch fails or returns a status outside 200-299,
// nothing is stored and the first error is returned.
func AddAll(ctx context.Context, p *Partition, client Doer, reqs []*http.Request) error {
	seen := make(map[string]bool, len(reqs))
	for _, req := range reqs {
		key := p.keyer.GetKeyPrefix(req)
		if seen[key] {
			return fmt.Errorf("add %s: %w", req.URL, ErrDuplicateRequest)
		}
		seen[key] = true
	}

	responses := make([]*http.Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := client.Do(req.WithContext(gctx))
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			if res.StatusCode < 200 || res.StatusCode > 299 {
				res.Body.Close()
				return fmt.Errorf("fetch %s: %w: %d", req.URL, ErrBadStatus, res.StatusCode)
			}
			if err := bufferResponse(res); err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			responses[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.log.Debug().Err(err).Msg("Not storing any of the fetched responses")
		return err
	}
	return p.PutAll(ctx, reqs, responses)
}
