package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/landwatch/internal/domain"
)

// Rules and typologies are global: they are stored under
// domain.GlobalTenantID and apply to every tenant.

// ListRules returns all rules loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loadedRules,
		"count": len(loadedRules),
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}
	writeError(w, http.StatusNotFound, "rule not found")
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string            `json:"id" validate:"required"`
	Name        string            `json:"name" validate:"required"`
	Description string            `json:"description,omitempty"`
	Expression  string            `json:"expression" validate:"required"`
	Bands       []domain.RuleBand `json:"bands" validate:"omitempty,dive"`
	Weight      float64           `json:"weight" validate:"gte=0,lte=1"`
	Enabled     bool              `json:"enabled"`
}

// CreateRule validates and stores a rule. Call POST /rules/reload to apply it.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if !h.decode(w, r, &req) {
		return
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    domain.GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Bands:       req.Bands,
		Weight:      req.Weight,
		Enabled:     req.Enabled,
	}

	if err := h.engine.ValidateRule(ruleConfig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveRuleConfig(ctx, domain.GlobalTenantID, ruleConfig); err != nil {
			slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save rule")
			return
		}
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules swaps the engine's rules for the stored ones.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	dbRules, err := h.repo.ListRuleConfigs(ctx, domain.GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// CreateTypologyRequest is the request body for creating a typology.
type CreateTypologyRequest struct {
	ID             string                      `json:"id"`
	Name           string                      `json:"name" validate:"required"`
	Description    string                      `json:"description,omitempty"`
	Rules          []domain.TypologyRuleWeight `json:"rules" validate:"required,min=1,dive"`
	AlertThreshold float64                     `json:"alertThreshold" validate:"gt=0,lte=1"`
	Enabled        bool                        `json:"enabled"`
}

// ListTypologies returns all loaded typologies.
func (h *Handler) ListTypologies(w http.ResponseWriter, r *http.Request) {
	typologies := h.typologyEngine.GetLoadedTypologies()

	writeJSON(w, http.StatusOK, map[string]any{
		"typologies": typologies,
		"count":      len(typologies),
	})
}

// GetTypology retrieves a loaded typology by ID.
func (h *Handler) GetTypology(w http.ResponseWriter, r *http.Request) {
	typologyID := chi.URLParam(r, "id")

	for _, t := range h.typologyEngine.GetLoadedTypologies() {
		if t.ID == typologyID {
			writeJSON(w, http.StatusOK, t)
			return
		}
	}
	writeError(w, http.StatusNotFound, "typology not found")
}

// CreateTypology stores a new typology. Every referenced rule must be
// loaded in the engine.
func (h *Handler) CreateTypology(w http.ResponseWriter, r *http.Request) {
	var req CreateTypologyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	h.saveTypology(w, r, req, http.StatusCreated, "Typology created. Call POST /typologies/reload to apply changes.")
}

// UpdateTypology replaces an existing typology.
func (h *Handler) UpdateTypology(w http.ResponseWriter, r *http.Request) {
	var req CreateTypologyRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = chi.URLParam(r, "id")
	h.saveTypology(w, r, req, http.StatusOK, "Typology updated. Call POST /typologies/reload to apply changes.")
}

func (h *Handler) saveTypology(w http.ResponseWriter, r *http.Request, req CreateTypologyRequest, status int, message string) {
	ctx := r.Context()

	loaded := make(map[string]bool)
	for _, rule := range h.engine.GetLoadedRules() {
		loaded[rule.ID] = true
	}

	var totalWeight float64
	for _, rw := range req.Rules {
		if !loaded[rw.RuleID] {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("rule_id '%s' does not exist in rule engine", rw.RuleID))
			return
		}
		totalWeight += rw.Weight
	}
	if totalWeight < 0.99 || totalWeight > 1.01 {
		slog.Warn("typology weights do not sum to 1.0",
			"typology_id", req.ID,
			"total_weight", totalWeight,
		)
	}

	typology := &domain.Typology{
		ID:             req.ID,
		TenantID:       domain.GlobalTenantID,
		Name:           req.Name,
		Description:    req.Description,
		Version:        "1.0.0",
		Rules:          req.Rules,
		AlertThreshold: req.AlertThreshold,
		Enabled:        req.Enabled,
	}

	if h.repo != nil {
		if err := h.repo.SaveTypology(ctx, domain.GlobalTenantID, typology); err != nil {
			slog.Error("failed to save typology", "id", typology.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save typology")
			return
		}
	}

	slog.Info("typology saved", "id", typology.ID, "name", typology.Name)
	writeJSON(w, status, map[string]any{
		"typology": typology,
		"message":  message,
	})
}

// DeleteTypology deletes a typology and reloads the engine.
func (h *Handler) DeleteTypology(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	typologyID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	if err := h.repo.DeleteTypology(ctx, domain.GlobalTenantID, typologyID); err != nil {
		h.lookupError(w, "typology", typologyID, err)
		return
	}

	dbTypologies, err := h.repo.ListTypologies(ctx, domain.GlobalTenantID)
	if err != nil {
		slog.Error("failed to reload typologies after delete", "error", err)
	} else {
		h.typologyEngine.ReloadTypologies(dbTypologies)
		slog.Info("typologies auto-reloaded after delete", "count", len(dbTypologies))
	}

	slog.Info("typology deleted", "id", typologyID)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Typology deleted and engine reloaded.",
	})
}

// ReloadTypologies swaps the engine's typologies for the stored ones.
func (h *Handler) ReloadTypologies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	dbTypologies, err := h.repo.ListTypologies(ctx, domain.GlobalTenantID)
	if err != nil {
		slog.Error("failed to list typologies from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load typologies from database")
		return
	}

	h.typologyEngine.ReloadTypologies(dbTypologies)

	slog.Info("typologies reloaded from database", "count", len(dbTypologies))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "typologies reloaded successfully",
		"count":   len(dbTypologies),
	})
}
