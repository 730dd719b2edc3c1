// Package httpserver exposes the request-facing REST surface for the trade store.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/tradestore/internal/app/engine"
	"github.com/coachpo/tradestore/internal/domain/auditstore"
	"github.com/coachpo/tradestore/internal/domain/errs"
	"github.com/coachpo/tradestore/internal/domain/tradestore"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	tradesPath        = "/trades"
	tradeDetailPrefix = tradesPath + "/"

	expireAction = "expire"
	auditAction  = "audit"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Lifecycle is the engine surface the HTTP layer depends on.
type Lifecycle interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (tradestore.Trade, tradestore.Action, error)
	GetByTradeID(ctx context.Context, tradeID string) (tradestore.Trade, error)
	ListAll(ctx context.Context) ([]tradestore.Trade, error)
	ManualExpire(ctx context.Context, tradeID string) (tradestore.Trade, error)
	AuditTrail(ctx context.Context, tradeID string) ([]auditstore.Entry, error)
}

type httpServer struct {
	engine  Lifecycle
	limiter *rate.Limiter
}

// submitPayload is the wire form of a trade submission. MaturityDate travels
// as a YYYY-MM-DD string.
type submitPayload struct {
	TradeID        string `json:"tradeId"`
	Version        int    `json:"version"`
	CounterPartyID string `json:"counterPartyId"`
	BookID         string `json:"bookId"`
	MaturityDate   string `json:"maturityDate"`
}

// Option configures the handler.
type Option func(*httpServer)

// WithSubmitRate throttles trade submissions to ratePerSecond with the given
// burst. A non-positive rate disables throttling.
func WithSubmitRate(ratePerSecond float64, burst int) Option {
	return func(s *httpServer) {
		if ratePerSecond <= 0 {
			s.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
}

// NewHandler creates the HTTP handler for the trade lifecycle API.
func NewHandler(lifecycle Lifecycle, opts ...Option) http.Handler {
	server := &httpServer{engine: lifecycle}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}

	mux := http.NewServeMux()
	mux.Handle(tradesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listTrades,
		http.MethodPost: server.submitTrade,
	}))
	mux.Handle(tradeDetailPrefix, http.HandlerFunc(server.handleTrade))
	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) listTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.engine.ListAll(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if trades == nil {
		trades = []tradestore.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func (s *httpServer) submitTrade(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "submission rate exceeded")
		return
	}
	limitRequestBody(w, r)
	payload, err := decodeSubmitPayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	req, err := buildSubmitRequest(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	trade, action, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	// First-seen submissions answer 201, replacements 200. The engine reports
	// the applied action, so the decision sits inside the per-trade lock.
	status := http.StatusCreated
	if action == tradestore.ActionUpdate {
		status = http.StatusOK
	}
	writeJSON(w, status, trade)
}

func (s *httpServer) handleTrade(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, tradeDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "trade id required")
		return
	}

	tradeID, action, hasAction := strings.Cut(rest, "/")
	tradeID = strings.TrimSpace(tradeID)
	if tradeID == "" {
		writeError(w, http.StatusNotFound, "trade id required")
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		trade, err := s.engine.GetByTradeID(r.Context(), tradeID)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, trade)
		return
	}

	switch strings.TrimSpace(action) {
	case expireAction:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		trade, err := s.engine.ManualExpire(r.Context(), tradeID)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, trade)
	case auditAction:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		entries, err := s.engine.AuditTrail(r.Context(), tradeID)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		if entries == nil {
			entries = []auditstore.Entry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"tradeId": tradeID, "entries": entries})
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *httpServer) writeEngineError(w http.ResponseWriter, err error) {
	switch errs.CodeOf(err) {
	case errs.CodeInvalid, errs.CodeMaturityRejected:
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.CodeVersionConflict:
		writeError(w, http.StatusConflict, err.Error())
	case errs.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errs.CodeUnavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// decodeSubmitPayload reads the body before unmarshalling so the
// MaxBytesReader limit error surfaces intact instead of being rewrapped as a
// syntax error by the JSON decoder.
func decodeSubmitPayload(r *http.Request) (submitPayload, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload submitPayload
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return payload, fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

func buildSubmitRequest(payload submitPayload) (engine.SubmitRequest, error) {
	tradeID := strings.TrimSpace(payload.TradeID)
	if tradeID == "" {
		return engine.SubmitRequest{}, fmt.Errorf("tradeId required")
	}
	if payload.Version < 1 {
		return engine.SubmitRequest{}, fmt.Errorf("version must be >= 1")
	}
	counterParty := strings.TrimSpace(payload.CounterPartyID)
	if counterParty == "" {
		return engine.SubmitRequest{}, fmt.Errorf("counterPartyId required")
	}
	bookID := strings.TrimSpace(payload.BookID)
	if bookID == "" {
		return engine.SubmitRequest{}, fmt.Errorf("bookId required")
	}
	maturity, err := time.Parse(time.DateOnly, strings.TrimSpace(payload.MaturityDate))
	if err != nil {
		return engine.SubmitRequest{}, fmt.Errorf("maturityDate must be YYYY-MM-DD")
	}
	return engine.SubmitRequest{
		TradeID:        tradeID,
		Version:        payload.Version,
		CounterPartyID: counterParty,
		BookID:         bookID,
		MaturityDate:   maturity,
	}, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
