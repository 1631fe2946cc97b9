package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/taxstream/taxstream/compute/internal/metrics"
	"github.com/taxstream/taxstream/compute/internal/store"
	"github.com/taxstream/taxstream/compute/internal/taxrate"
	"github.com/taxstream/taxstream/pkg/types"
)

// Defaults applied to zero-valued Options.
const (
	DefaultStoreTimeout = 5 * time.Second
	DefaultMaxBodyBytes = 1 << 20
)

// Writer is the part of the record store the handler needs.
type Writer interface {
	Insert(ctx context.Context, r *store.Record) error
}

// Options tune the handler.
type Options struct {
	// StoreTimeout bounds a single insert.
	StoreTimeout time.Duration

	// MaxBodyBytes caps the request body.
	MaxBodyBytes int64
}

// Handler serves the compute API.
type Handler struct {
	store   Writer
	metrics *metrics.Metrics
	opts    Options
	mux     *http.ServeMux
}

// New creates a Handler that persists into st and registers all routes.
func New(st Writer, m *metrics.Metrics, opts Options) http.Handler {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	h := &Handler{store: st, metrics: m, opts: opts, mux: http.NewServeMux()}
	h.mux.HandleFunc("/api/compute", h.compute)
	h.mux.HandleFunc("/healthz", h.health)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// compute handles POST /api/compute.
func (h *Handler) compute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.reject(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}

	rec, err := types.DecodeRecord(body)
	if err != nil {
		slog.Warn("api: rejected malformed record",
			"request_id", r.Header.Get(HeaderRequestID),
			"remote", r.RemoteAddr,
			"err", err,
		)
		h.reject(w, http.StatusBadRequest, err.Error())
		return
	}

	tax := taxrate.Compute(rec)
	h.metrics.Computations.Inc()

	persisted := h.persist(r.Context(), r.Header.Get(HeaderRequestID), rec, tax)
	w.Header().Set(HeaderPersisted, strconv.FormatBool(persisted))

	h.jsonResp(w, http.StatusOK, types.ComputedTaxResult{
		PropertyID:  rec.PropertyID,
		ComputedTax: tax,
		Owner:       rec.OwnerName,
		Message:     RecordedMessage,
	})
}

// persist writes the record and reports whether it succeeded. Failures are
// logged and counted, never returned to the client.
func (h *Handler) persist(parent context.Context, reqID string, rec *types.PropertyRecord, tax float64) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), h.opts.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := h.store.Insert(ctx, store.FromProperty(rec, tax))
	h.metrics.StoreLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		h.metrics.StoreWrites.WithLabelValues("error").Inc()
		slog.Error("api: persist failed, responding with computed tax anyway",
			"request_id", reqID,
			"property_id", rec.PropertyID,
			"computed_tax", tax,
			"err", err,
		)
		return false
	}

	h.metrics.StoreWrites.WithLabelValues("ok").Inc()
	slog.Debug("api: record persisted",
		"property_id", rec.PropertyID,
		"location_code", rec.LocationCode,
		"computed_tax", tax,
	)
	return true
}

// health handles GET /healthz.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonResp(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	jsonResp(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// --- helpers ----------------------------------------------------------------

// reject answers a malformed compute request.
func (h *Handler) reject(w http.ResponseWriter, code int, msg string) {
	h.metrics.Rejected.WithLabelValues("malformed").Inc()
	h.jsonErr(w, code, msg)
}

func (h *Handler) jsonResp(w http.ResponseWriter, code int, v interface{}) {
	h.metrics.Requests.WithLabelValues(strconv.Itoa(code)).Inc()
	jsonResp(w, code, v)
}

func (h *Handler) jsonErr(w http.ResponseWriter, code int, msg string) {
	h.jsonResp(w, code, errorResponse{Error: msg})
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
