package navwarm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/navwarm/navwarm/sched"
	"github.com/navwarm/navwarm/store"
)

// HTTPRetriever fetches page content from an HTTP origin. When bound to
// a content store it issues conditional requests from the stored
// validators, including those of stale entries awaiting revalidation, so
// an unchanged page settles as a skipped write that renews freshness.
type HTTPRetriever struct {
	originURL *url.URL
	client    *http.Client
	st        *store.Store
}

// NewHTTPRetriever creates a retriever against the given origin.
func NewHTTPRetriever(origin *url.URL) *HTTPRetriever {
	return &HTTPRetriever{
		originURL: origin,
		client: &http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// BindStore enables conditional requests from stored validators.
func (r *HTTPRetriever) BindStore(st *store.Store) {
	r.st = st
}

// Retrieve fetches the page for the given key. A 304 response reuses the
// stored payload and validators unchanged.
func (r *HTTPRetriever) Retrieve(ctx context.Context, key string) (sched.Snapshot, error) {
	uri := r.originURL.String() + requestPath(key)
	req, err := http.NewRequestWithContext(ctx, "GET", uri, nil)
	if err != nil {
		log.Error().Err(err).Str("uri", uri).Msg("Could not create request for fetching")
		return sched.Snapshot{}, err
	}

	var cached store.Entry
	var haveCached bool
	if r.st != nil {
		if e, ok := r.st.Peek(key); ok {
			cached, haveCached = e, true
			if e.Validators.ETag != "" {
				req.Header.Set("If-None-Match", e.Validators.ETag)
			}
			if e.Validators.LastModified != "" {
				req.Header.Set("If-Modified-Since", e.Validators.LastModified)
			}
		}
	}

	res, err := r.client.Do(req)
	if err != nil {
		return sched.Snapshot{}, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotModified && haveCached {
		return sched.Snapshot{Payload: cached.Payload, Validators: cached.Validators}, nil
	}
	if res.StatusCode != http.StatusOK {
		return sched.Snapshot{}, fmt.Errorf("origin returned status %d for %s", res.StatusCode, key)
	}
	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return sched.Snapshot{}, err
	}
	return sched.Snapshot{
		Payload: payload,
		Validators: store.Validators{
			ETag:         res.Header.Get("ETag"),
			LastModified: res.Header.Get("Last-Modified"),
		},
	}, nil
}

// requestPath strips the fragment from a key; it identifies a position
// within the page and never goes to the origin.
func requestPath(key string) string {
	if i := strings.Index(key, "#"); i != -1 {
		return key[:i]
	}
	return key
}
