package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hubot-paas/orchestrator/internal/api/middleware"
	"github.com/hubot-paas/orchestrator/internal/api/types"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
	"github.com/hubot-paas/orchestrator/pkg/logger"
)

// Check probes one dependency. A nil error means ready.
type Check func(ctx context.Context) error

const checkTimeout = 2 * time.Second

type HealthHandler struct {
	checks map[string]Check
}

func NewHealthHandler(checks map[string]Check) *HealthHandler {
	return &HealthHandler{checks: checks}
}

func writeJSON(w http.ResponseWriter, status int, body types.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]string{"status": "ok"}})
}

// Readiness runs every check and reports the ones failing.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	status := map[string]string{}
	var failing []string
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			logger.L().Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			status[name] = appErr.Message(err)
			failing = append(failing, name)
			continue
		}
		status[name] = "ok"
	}
	meta := &types.Meta{RequestID: middleware.GetRequestID(r.Context())}
	if len(failing) > 0 {
		sort.Strings(failing)
		writeJSON(w, http.StatusServiceUnavailable, types.APIResponse{
			Data:  status,
			Error: types.FromAppError(appErr.New(appErr.CodeUnavailable, "not ready: "+strings.Join(failing, ", "))),
			Meta:  meta,
		})
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: status, Meta: meta})
}
