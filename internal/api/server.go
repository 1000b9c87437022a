// Package api exposes the funding chart backend over HTTP.
//
// Routes:
//
//	GET  /api/candlestick/{instrument}?since=&interval=  bar range
//	POST /api/transactions                              trade ingestion
//	GET  /api/transactions/{instrument}?limit=          trade history, newest first
//	POST /api/tokens                                    instrument registration
//	GET  /api/tokens                                    instrument registry with totals
//	GET  /health                                        store liveness
//	GET  /metrics                                       Prometheus exposition
//	GET  /ws                                            live subscription channel
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/ingress"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/service"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/storage"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	maxBodyBytes  = 1 << 20
	healthTimeout = 2 * time.Second
)

// Backend is the service surface the HTTP layer needs. service.BarService
// implements it.
type Backend interface {
	Ingest(ctx context.Context, trade model.Trade) (model.TradeUpdate, error)
	QueryRange(ctx context.Context, instrument string, since time.Time, interval model.Interval) ([]model.Bar, error)
	RecentTrades(ctx context.Context, instrument string, limit int) ([]model.Trade, error)
	RegisterInstrument(ctx context.Context, in model.Instrument) (model.Instrument, error)
	ListInstruments(ctx context.Context) ([]model.Instrument, error)
	Health(ctx context.Context) error
}

// Options are the optional handlers mounted next to the API routes.
type Options struct {
	WebSocket http.Handler // mounted at /ws when set
	Metrics   http.Handler // mounted at /metrics when set
	Now       func() time.Time
}

// Server represents an HTTP server with all routes configured.
type Server struct {
	backend  Backend
	mux      *http.ServeMux
	server   *http.Server
	validate *validator.Validate
	now      func() time.Time
}

// NewServer creates a new HTTP server with configured routes.
func NewServer(addr string, backend Backend, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	mux := http.NewServeMux()
	s := &Server{
		backend:  backend,
		mux:      mux,
		validate: validator.New(),
		now:      opts.Now,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	mux.HandleFunc("GET /api/candlestick/{instrument}", s.handleRange)
	mux.HandleFunc("POST /api/transactions", s.handleIngest)
	mux.HandleFunc("GET /api/transactions/{instrument}", s.handleTrades)
	mux.HandleFunc("POST /api/tokens", s.handleRegister)
	mux.HandleFunc("GET /api/tokens", s.handleInstruments)
	mux.HandleFunc("GET /health", s.handleHealth)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	if opts.WebSocket != nil {
		mux.Handle("GET /ws", opts.WebSocket)
	}
	return s
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return cors(s.mux)
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	log.Info().Str("component", "api").Str("addr", s.server.Addr).Msg("http server starting")
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	instrument := r.PathValue("instrument")
	q := r.URL.Query()

	interval := service.DefaultRangeInterval
	if raw := q.Get("interval"); raw != "" {
		parsed, err := model.ParseInterval(raw)
		if err != nil {
			writeError(w, invalid(err.Error()))
			return
		}
		interval = parsed
	}

	since := s.now().Add(-service.DefaultRangeLookback)
	if raw := q.Get("since"); raw != "" {
		parsed, err := parseSince(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		since = parsed
	}

	bars, err := s.backend.QueryRange(r.Context(), instrument, since, interval)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]model.BarDTO, len(bars))
	for i, b := range bars {
		out[i] = model.NewBarDTO(b)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, invalid(err.Error()))
		return
	}
	trade, err := ingress.Decode(body, s.now())
	if err != nil {
		writeError(w, err)
		return
	}

	update, err := s.backend.Ingest(r.Context(), trade)
	if err != nil {
		log.Warn().Err(err).Str("component", "api").Str("instrument", trade.Instrument).Msg("trade ingestion failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ingestResponse{
		Trade: model.NewTradeDTO(update.Trade),
		Bar:   model.NewBarDTO(update.Bar),
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, invalid("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	trades, err := s.backend.RecentTrades(r.Context(), r.PathValue("instrument"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]model.TradeDTO, len(trades))
	for i, t := range trades {
		out[i] = model.NewTradeDTO(t)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, invalid("malformed payload"))
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, invalid(err.Error()))
		return
	}

	in, err := s.backend.RegisterInstrument(r.Context(), model.Instrument{
		ID:        req.InstrumentID,
		Name:      req.Name,
		Symbol:    req.Symbol,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newInstrumentDTO(in))
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	list, err := s.backend.ListInstruments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]instrumentDTO, len(list))
	for i, in := range list {
		out[i] = newInstrumentDTO(in)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.backend.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseSince accepts RFC3339 or unix seconds.
func parseSince(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, invalid("since must be RFC3339 or unix seconds")
	}
	return t.UTC(), nil
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrInstrumentExists):
		return http.StatusConflict
	case errors.Is(err, model.ErrTransientFailure), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("component", "api").Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Str("component", "api").Msg("failed to encode response")
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
