package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/opensource-finance/landwatch/internal/analyzer"
	"github.com/opensource-finance/landwatch/internal/bus"
	"github.com/opensource-finance/landwatch/internal/detect"
	"github.com/opensource-finance/landwatch/internal/domain"
	"github.com/opensource-finance/landwatch/internal/metrics"
	"github.com/opensource-finance/landwatch/internal/outlier"
	"github.com/opensource-finance/landwatch/internal/repository"
	"github.com/opensource-finance/landwatch/internal/rules"
	"github.com/opensource-finance/landwatch/internal/verdict"
	"github.com/opensource-finance/landwatch/internal/worker"
)

const (
	maxBatchSize     = 1000
	defaultTrainSize = 1000
)

// Deps are the collaborators of the API handlers.
type Deps struct {
	Analyzer   *analyzer.Analyzer
	Repo       domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Engine     *rules.Engine
	Typologies *rules.TypologyEngine
	Metrics    *metrics.Metrics
	Version    string

	// GlobalIngest publishes ingested records on the worker's global
	// subject instead of the tenant's own.
	GlobalIngest bool
}

// Handler holds dependencies for API handlers.
type Handler struct {
	analyzer       *analyzer.Analyzer
	repo           domain.Repository
	cache          domain.Cache
	bus            domain.EventBus
	engine         *rules.Engine
	typologyEngine *rules.TypologyEngine
	metrics        *metrics.Metrics
	version        string
	globalIngest   bool
	validate       *validator.Validate
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		analyzer:       deps.Analyzer,
		repo:           deps.Repo,
		cache:          deps.Cache,
		bus:            deps.Bus,
		engine:         deps.Engine,
		typologyEngine: deps.Typologies,
		metrics:        deps.Metrics,
		version:        deps.Version,
		globalIngest:   deps.GlobalIngest,
		validate:       newValidator(),
	}
}

// AnalyzeResponse is the response for POST /analyze.
type AnalyzeResponse struct {
	domain.VerdictResponse
	Reasons    []string           `json:"reasons,omitempty"`
	Indicators []domain.Indicator `json:"indicators"`
	Components map[string]float64 `json:"components,omitempty"`
	Version    string             `json:"version"`
}

func (h *Handler) analyzeResponse(v *domain.FraudVerdict) AnalyzeResponse {
	return AnalyzeResponse{
		VerdictResponse: *v.ToResponse(),
		Reasons:         verdict.GetReasons(v),
		Indicators:      v.Indicators,
		Components:      v.Components,
		Version:         h.version,
	}
}

// Analyze handles POST /analyze: one record, analyzed synchronously.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var record domain.LandRecord
	if !h.decode(w, r, &record) {
		return
	}

	v, err := h.analyzer.Analyze(ctx, tenantID, &record)
	if err != nil {
		h.analysisError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.analyzeResponse(v))
}

// BatchRequest is the request body for POST /analyze/batch.
type BatchRequest struct {
	Records []*domain.LandRecord `json:"records" validate:"required,min=1,max=1000,dive,required"`
}

// AnalyzeBatch handles POST /analyze/batch.
func (h *Handler) AnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BatchRequest
	if !h.decode(w, r, &req) {
		return
	}

	verdicts, err := h.analyzer.AnalyzeBatch(ctx, tenantID, req.Records)
	if err != nil {
		h.analysisError(w, err)
		return
	}

	out := make([]AnalyzeResponse, len(verdicts))
	flagged := 0
	for i, v := range verdicts {
		out[i] = h.analyzeResponse(v)
		if v.FraudDetected {
			flagged++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"verdicts": out,
		"count":    len(out),
		"flagged":  flagged,
	})
}

// IngestRecord handles POST /records: the record is queued for the worker
// and analyzed asynchronously.
func (h *Handler) IngestRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	var record domain.LandRecord
	if !h.decode(w, r, &record) {
		return
	}
	record.TenantID = tenantID

	subject := tenantID
	if h.globalIngest {
		subject = worker.GlobalTenant
	}
	if err := bus.PublishJSON(ctx, h.bus, subject, domain.TopicRecordIngested, &record); err != nil {
		slog.Error("failed to queue record", "record_id", record.ID, "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue record")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"recordId": record.ID,
		"status":   "queued",
	})
}

// GetRecord retrieves a stored record by ID.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	recordID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	record, err := h.repo.GetRecord(ctx, tenantID, recordID)
	if err != nil {
		h.lookupError(w, "record", recordID, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// GetVerdict retrieves a stored verdict by ID.
func (h *Handler) GetVerdict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	verdictID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	v, err := h.repo.GetVerdict(ctx, tenantID, verdictID)
	if err != nil {
		h.lookupError(w, "verdict", verdictID, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// DetectTextRequest is the request body for POST /detect/text.
type DetectTextRequest struct {
	Text string `json:"text" validate:"required"`
}

// DetectTextResponse is the response for POST /detect/text.
type DetectTextResponse struct {
	Fraud   detect.FraudResult   `json:"fraud"`
	Anomaly detect.AnomalyResult `json:"anomaly"`
}

// DetectText runs only the document detectors over free text.
func (h *Handler) DetectText(w http.ResponseWriter, r *http.Request) {
	var req DetectTextRequest
	if !h.decode(w, r, &req) {
		return
	}
	fraud, anomaly := h.analyzer.DetectText(req.Text)
	writeJSON(w, http.StatusOK, DetectTextResponse{Fraud: fraud, Anomaly: anomaly})
}

// TrainRequest is the request body for POST /model/train. Without records
// the model is fitted on the tenant's most recent stored records.
type TrainRequest struct {
	Records []*domain.LandRecord `json:"records" validate:"omitempty,dive,required"`
	Labels  []bool               `json:"labels,omitempty"`
	Limit   int                  `json:"limit,omitempty" validate:"gte=0"`
}

// TrainModel fits and activates a new outlier model for the tenant.
func (h *Handler) TrainModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req TrainRequest
	if !h.decode(w, r, &req) {
		return
	}

	var (
		info *analyzer.ModelInfo
		err  error
	)
	if len(req.Records) > 0 {
		info, err = h.analyzer.Train(ctx, tenantID, req.Records, req.Labels)
	} else {
		limit := req.Limit
		if limit == 0 {
			limit = defaultTrainSize
		}
		info, err = h.analyzer.TrainFromRepository(ctx, tenantID, limit)
	}
	if err != nil {
		switch {
		case errors.Is(err, analyzer.ErrLabelMismatch), errors.Is(err, outlier.ErrInsufficientData):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			slog.Error("model training failed", "tenant_id", tenantID, "error", err)
			writeError(w, http.StatusInternalServerError, "model training failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, info)
}

// GetModel describes the tenant's current model.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	info := h.analyzer.ModelInfo(GetTenantID(r.Context()))
	if info == nil {
		writeError(w, http.StatusNotFound, "no model trained for tenant")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	if h.repo != nil {
		checks["repository"] = "ok"
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["repository"] = err.Error()
		}
	}
	if h.cache != nil {
		checks["cache"] = "ok"
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["cache"] = err.Error()
		}
	}
	if h.bus != nil {
		checks["eventBus"] = "ok"
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["eventBus"] = err.Error()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports whether the analyzer can serve traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.analyzer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	resp := map[string]any{"ready": "true"}
	if h.engine != nil {
		resp["rules"] = h.engine.RulesCount()
	}
	if h.typologyEngine != nil {
		resp["typologies"] = h.typologyEngine.TypologyCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body into dst and validates it, writing the error
// response itself. It reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	if err := h.validateStruct(dst); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": verr.Fields,
			})
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *Handler) analysisError(w http.ResponseWriter, err error) {
	if errors.Is(err, analyzer.ErrInvalidRecord) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Error("analysis failed", "error", err)
	writeError(w, http.StatusInternalServerError, "analysis failed")
}

func (h *Handler) lookupError(w http.ResponseWriter, kind, id string, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, kind+" not found")
		return
	}
	slog.Error("lookup failed", "kind", kind, "id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "failed to load "+kind)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
