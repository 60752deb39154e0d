package navwarm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/navwarm/navwarm/store"
)

func newTestRetriever(t *testing.T, handler http.HandlerFunc) *HTTPRetriever {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	origin, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return NewHTTPRetriever(origin)
}

func TestRetrieveCapturesValidators(t *testing.T) {
	r := newTestRetriever(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/docs" {
			t.Errorf("origin was asked for %s", req.URL.Path)
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.Write([]byte("content"))
	})

	snap, err := r.Retrieve(context.Background(), "/docs")
	if err != nil {
		t.Fatal(err)
	}
	if string(snap.Payload) != "content" {
		t.Errorf("payload is %q", snap.Payload)
	}
	if snap.Validators.ETag != `"v1"` || snap.Validators.LastModified == "" {
		t.Errorf("validators are %+v", snap.Validators)
	}
}

func TestRetrieveConditionalRequest(t *testing.T) {
	r := newTestRetriever(t, func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("content"))
	})
	st, err := store.New(store.Options{MaxSizeBytes: 1 << 20, MaxEntries: 10})
	if err != nil {
		t.Fatal(err)
	}
	r.BindStore(st)

	snap, err := r.Retrieve(context.Background(), "/docs")
	if err != nil {
		t.Fatal(err)
	}
	st.Put("/docs", snap.Payload, snap.Validators)

	// the cached validator turns the refetch into a 304 that reuses the
	// cached payload
	snap, err = r.Retrieve(context.Background(), "/docs")
	if err != nil {
		t.Fatal(err)
	}
	if string(snap.Payload) != "content" || snap.Validators.ETag != `"v1"` {
		t.Errorf("got %q / %+v", snap.Payload, snap.Validators)
	}
	if st.Put("/docs", snap.Payload, snap.Validators) {
		t.Error("an unchanged page must settle as a skipped write")
	}
	if stats := st.Stats(); stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("retrievals recorded %d hits and %d misses, want none", stats.Hits, stats.Misses)
	}
}

func TestRetrieveNonOKStatus(t *testing.T) {
	r := newTestRetriever(t, func(w http.ResponseWriter, req *http.Request) {
		http.NotFound(w, req)
	})
	if _, err := r.Retrieve(context.Background(), "/missing"); err == nil {
		t.Error("a non-200 response must be reported")
	}
}

func TestRetrieveStripsFragment(t *testing.T) {
	r := newTestRetriever(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Fragment != "" || req.RequestURI != "/docs" {
			t.Errorf("origin was asked for %q", req.RequestURI)
		}
		w.Write([]byte("content"))
	})
	if _, err := r.Retrieve(context.Background(), "/docs#install"); err != nil {
		t.Fatal(err)
	}
}

func TestRetrieveHonorsContext(t *testing.T) {
	r := newTestRetriever(t, func(w http.ResponseWriter, req *http.Request) {
		<-req.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Retrieve(ctx, "/docs"); err == nil {
		t.Error("a cancelled context must abort the retrieval")
	}
}
