package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/crosslogic/quota-engine/internal/quota"
	"github.com/crosslogic/quota-engine/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// handleCheckAndConsume answers 200 for every quota decision, allowed or not.
// Only malformed requests (400) and internal failures (500) use other codes.
func (g *Gateway) handleCheckAndConsume(w http.ResponseWriter, r *http.Request) {
	var req models.CheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := g.service.CheckAndConsume(r.Context(), req)
	if errors.Is(err, quota.ErrInvalidRequest) {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		g.logger.Error("check_and_consume failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("tenant_id", req.TenantID),
			zap.Error(err),
		)
		g.writeJSON(w, http.StatusInternalServerError, models.Internal())
		return
	}

	if resp.Token == models.TokenBackpressure && resp.RetryAfterMs != nil {
		seconds := retryAfterSeconds(*resp.RetryAfterMs)
		retryAfterHint.Observe(float64(seconds))
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// retryAfterSeconds rounds up, so a client never retries inside the exhausted window.
func retryAfterSeconds(ms int64) int64 {
	if ms <= 0 {
		return 0
	}
	return (ms + 999) / 1000
}

func (g *Gateway) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		g.writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	snap, err := g.service.Snapshot(r.Context(), tenantID)
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, "failed to read quota state")
		return
	}
	g.writeJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "plan_id")
	g.writeJSON(w, http.StatusOK, g.resolver.Catalog().GetPlan(r.Context(), planID))
}

func (g *Gateway) handleGetTenantPlan(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")

	planID, err := g.resolver.PlanID(r.Context(), tenantID)
	if err != nil {
		g.logger.Error("failed to resolve tenant plan", zap.String("tenant_id", tenantID), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to resolve plan")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{
		"tenant_id": tenantID,
		"plan_id":   planID,
	})
}

// Admin handlers

func (g *Gateway) handlePutPlan(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "plan_id")

	var plan models.Plan
	if err := decodeJSON(w, r, &plan); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if plan.PlanID != "" && plan.PlanID != planID {
		g.writeError(w, http.StatusBadRequest, "plan_id in body does not match path")
		return
	}
	plan.PlanID = planID
	if plan.Buckets == nil {
		plan.Buckets = models.Limits{}
	}
	if err := plan.Buckets.Validate(); err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.resolver.Catalog().PutPlan(r.Context(), plan); err != nil {
		g.logger.Error("failed to store plan", zap.String("plan_id", planID), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to store plan")
		return
	}
	g.writeJSON(w, http.StatusOK, plan)
}

func (g *Gateway) handleAssignPlan(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")

	var body struct {
		PlanID string `json:"plan_id"`
	}
	if err := decodeJSON(w, r, &body); err != nil || body.PlanID == "" {
		g.writeError(w, http.StatusBadRequest, "plan_id is required")
		return
	}

	if err := g.resolver.AssignPlan(r.Context(), tenantID, body.PlanID); err != nil {
		g.logger.Error("failed to assign plan", zap.String("tenant_id", tenantID), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to assign plan")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{
		"tenant_id": tenantID,
		"plan_id":   body.PlanID,
	})
}

func (g *Gateway) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")

	var limits models.Limits
	if err := decodeJSON(w, r, &limits); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := limits.Validate(); err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.resolver.SetOverrides(r.Context(), tenantID, limits); err != nil {
		g.logger.Error("failed to store overrides", zap.String("tenant_id", tenantID), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to store overrides")
		return
	}
	g.writeJSON(w, http.StatusOK, limits)
}

func (g *Gateway) handleClearLimits(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")

	if err := g.resolver.ClearOverrides(r.Context(), tenantID); err != nil {
		g.logger.Error("failed to clear overrides", zap.String("tenant_id", tenantID), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to clear overrides")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
