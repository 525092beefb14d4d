package api

import (
	"net/http"

	"github.com/leaseq/leaseq/internal/auth"
)

func handleSweepRun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !maintenanceConfigured(deps, w, r) || forbidden(w, r, auth.RoleAdmin) {
		return
	}

	summary, err := deps.Maintenance.RunSweepOnce(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SWEEP_FAILED", "lease sweep failed", true, map[string]any{
			"details": err.Error(),
			"summary": summary,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "completed",
		"summary": summary,
	})
}

func handleIntegrityRun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !maintenanceConfigured(deps, w, r) || forbidden(w, r, auth.RoleAdmin) {
		return
	}

	summary, err := deps.Maintenance.RunIntegrityCheckOnce(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "INTEGRITY_CHECK_FAILED", "integrity check failed", true, map[string]any{
			"details": err.Error(),
			"summary": summary,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "completed",
		"summary": summary,
	})
}

func maintenanceConfigured(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Maintenance == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "MAINTENANCE_NOT_CONFIGURED", "maintenance service is not configured", false, nil)
		return false
	}
	return true
}
