package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"github.com/navwarm/navwarm"
)

// server exposes the engine to the navigation layer over HTTP.
type server struct {
	engine *navwarm.Orchestrator
}

// serve answers a navigation: cache first, direct retrieval on miss.
// The completed navigation is fed back into the engine together with
// targets extracted from the page's navigation elements.
func (s *server) serve(w http.ResponseWriter, r *http.Request) {
	key := navwarm.NormalizeKey(r.URL.RequestURI())
	payload, hit, err := s.engine.Resolve(r.Context(), key)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Could not resolve navigation")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	status := "miss"
	if hit {
		status = "hit"
	}
	w.Header().Set("Content-Type", http.DetectContentType(payload))
	w.Header().Set("X-Navwarm", status)
	w.Write(payload)

	from := ""
	if referer := r.Header.Get("Referer"); referer != "" {
		from = navwarm.NormalizeKey(referer)
	}
	targets := extractTargets(payload)
	go s.engine.OnNavigationComplete(from, key, targets)
}

// extractTargets pulls prefetchable link targets out of a page's
// navigation elements: rel=next/prev pagination links first, then links
// inside nav elements. External targets are skipped.
func extractTargets(payload []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil
	}
	var targets []string
	seen := make(map[string]struct{})
	add := func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		if strings.Contains(href, "://") || strings.HasPrefix(href, "//") {
			return
		}
		if _, ok := seen[href]; ok {
			return
		}
		seen[href] = struct{}{}
		targets = append(targets, href)
	}
	doc.Find("a[rel=next], a[rel=prev]").Each(add)
	doc.Find("nav a[href]").Each(add)
	return targets
}

type intentRequest struct {
	Key        string  `json:"key"`
	Kind       string  `json:"kind"`
	Confidence float64 `json:"confidence"`
}

func (s *server) intent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		http.Error(w, "Bad intent", http.StatusBadRequest)
		return
	}
	kind := navwarm.IntentHover
	if req.Kind == "touch" {
		kind = navwarm.IntentTouch
	}
	s.engine.OnIntent(navwarm.IntentSignal{Key: req.Key, Kind: kind, Confidence: req.Confidence})
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) intentWithdrawn(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		http.Error(w, "Bad intent", http.StatusBadRequest)
		return
	}
	s.engine.OnIntentWithdrawn(req.Key)
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	stats := struct {
		Store     interface{} `json:"store"`
		Scheduler interface{} `json:"scheduler"`
		Edges     int         `json:"edges"`
	}{
		Store:     s.engine.Store().Stats(),
		Scheduler: s.engine.Scheduler().Stats(),
		Edges:     s.engine.Tracker().Len(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
