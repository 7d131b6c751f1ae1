package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rtindex/pkg/catalog"
	"rtindex/pkg/common"
	"rtindex/pkg/core/indexer"
	"rtindex/pkg/domain"
)

// Backend is what the HTTP front end needs from the pipeline.
type Backend interface {
	Ingest(ctx context.Context, key common.KeyType, tuple []byte, timeHint int64) error
	Query(ctx context.Context, left, right common.KeyType, window *domain.TimeDomain) ([][]byte, error)
	QueryRanges(ctx context.Context, ranges []common.ZRange, window *domain.TimeDomain) ([][]byte, error)
	Clean(ctx context.Context, d domain.Domain[common.KeyType]) error
	Domains() []indexer.TreeInfo[common.KeyType]
	Covering(ctx context.Context, left, right common.KeyType, window *domain.TimeDomain) ([]catalog.Entry, error)
}

const requestTimeout = 10 * time.Second

type Server struct {
	backend  Backend
	stats    func() map[string]interface{}
	city     *common.City
	gatherer prometheus.Gatherer
}

// NewServer wires the HTTP handlers. stats feeds /api/stats; city enables
// the geo endpoints; gatherer backs /metrics (nil uses the default registry).
func NewServer(backend Backend, stats func() map[string]interface{}, city *common.City, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{backend: backend, stats: stats, city: city, gatherer: gatherer}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/domains", s.handleDomains)
	mux.HandleFunc("/api/covering", s.handleCovering)
	mux.HandleFunc("/api/query", s.handleQuery)
	mux.HandleFunc("/api/query/box", s.handleQueryBox)
	mux.HandleFunc("/api/ingest", s.handleIngest)
	mux.HandleFunc("/api/ingest/geo", s.handleIngestGeo)
	mux.HandleFunc("/api/clean", s.handleClean)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) Start(addr string) error {
	log.Printf("[API] Server listening on %s...", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Encode error: %v", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.stats())
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.backend.Domains())
}

// parseRange reads left/right keys and the optional start/end window.
func parseRange(r *http.Request) (common.KeyType, common.KeyType, *domain.TimeDomain, error) {
	q := r.URL.Query()
	left, err := strconv.ParseInt(q.Get("left"), 10, 64)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("invalid left: %w", err)
	}
	right, err := strconv.ParseInt(q.Get("right"), 10, 64)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("invalid right: %w", err)
	}
	window, err := parseWindow(r)
	if err != nil {
		return 0, 0, nil, err
	}
	return common.KeyType(left), common.KeyType(right), window, nil
}

func parseWindow(r *http.Request) (*domain.TimeDomain, error) {
	q := r.URL.Query()
	if q.Get("start") == "" && q.Get("end") == "" {
		return nil, nil
	}
	start, end := int64(0), domain.OpenEnd
	var err error
	if v := q.Get("start"); v != "" {
		if start, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid start: %w", err)
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid end: %w", err)
		}
	}
	w := domain.NewTimeDomain(start, end)
	return &w, nil
}

func (s *Server) handleCovering(w http.ResponseWriter, r *http.Request) {
	left, right, window, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := s.backend.Covering(r.Context(), left, right, window)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func (s *Server) writeTuples(w http.ResponseWriter, tuples [][]byte, took time.Duration) {
	writeJSON(w, map[string]interface{}{
		"count":      len(tuples),
		"tuples":     tuples,
		"latency_ns": took.Nanoseconds(),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	left, right, window, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	start := time.Now()
	tuples, err := s.backend.Query(ctx, left, right, window)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeTuples(w, tuples, time.Since(start))
}

func (s *Server) handleQueryBox(w http.ResponseWriter, r *http.Request) {
	if s.city == nil {
		http.Error(w, "geo queries are not configured", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	var box [4]float64
	for i, name := range []string{"lon1", "lon2", "lat1", "lat2"} {
		v, err := strconv.ParseFloat(q.Get(name), 64)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid %s", name), http.StatusBadRequest)
			return
		}
		box[i] = v
	}
	window, err := parseWindow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ranges, err := s.city.ZRanges(box[0], box[1], box[2], box[3])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	start := time.Now()
	tuples, err := s.backend.QueryRanges(ctx, ranges, window)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeTuples(w, tuples, time.Since(start))
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Key      int64  `json:"key"`
		Tuple    string `json:"tuple"`
		TimeHint int64  `json:"time_hint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.backend.Ingest(ctx, common.KeyType(req.Key), []byte(req.Tuple), req.TimeHint); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleIngestGeo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.city == nil {
		http.Error(w, "geo ingest is not configured", http.StatusNotFound)
		return
	}
	var req struct {
		Lon      float64 `json:"lon"`
		Lat      float64 `json:"lat"`
		Data     string  `json:"data"`
		TimeHint int64   `json:"time_hint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid body", http.StatusBadRequest)
		return
	}

	key := s.city.ZCode(req.Lon, req.Lat)
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.backend.Ingest(ctx, key, []byte(req.Data), req.TimeHint); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]interface{}{
		"status":      "ok",
		"spatial_key": key,
	})
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var d domain.Domain[common.KeyType]
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, "Invalid body", http.StatusBadRequest)
		return
	}
	if err := s.backend.Clean(r.Context(), d); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
