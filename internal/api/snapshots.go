package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/leaseq/leaseq/internal/archive"
	"github.com/leaseq/leaseq/internal/auth"
	"github.com/leaseq/leaseq/internal/storage"
)

type restoreRequest struct {
	Key string `json:"key"`
}

func handleListSnapshots(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !archiveConfigured(deps, w, r) || forbidden(w, r, auth.RoleAdmin) {
		return
	}
	manifests, err := deps.Archive.List(r.Context())
	if err != nil {
		writeArchiveError(w, r, "SNAPSHOT_LIST_FAILED", "failed to list snapshots", err)
		return
	}
	if manifests == nil {
		manifests = []archive.Manifest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": manifests})
}

func handleCreateSnapshot(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !archiveConfigured(deps, w, r) || forbidden(w, r, auth.RoleAdmin) {
		return
	}
	manifest, err := deps.Archive.Export(r.Context())
	if err != nil {
		writeArchiveError(w, r, "SNAPSHOT_FAILED", "snapshot export failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, manifest)
}

func handleRestoreSnapshot(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !archiveConfigured(deps, w, r) || forbidden(w, r, auth.RoleAdmin) {
		return
	}

	var request restoreRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid restore request body", false, map[string]any{"details": err.Error()})
		return
	}
	request.Key = strings.TrimSpace(request.Key)
	if request.Key == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "KEY_REQUIRED", "snapshot key is required", false, nil)
		return
	}

	restored, err := deps.Archive.Import(r.Context(), request.Key)
	if err != nil {
		writeArchiveError(w, r, "RESTORE_FAILED", "snapshot restore failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": request.Key, "restored": restored})
}

func archiveConfigured(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Archive == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ARCHIVE_NOT_CONFIGURED", "object store is not configured", false, nil)
		return false
	}
	return true
}

func writeArchiveError(w http.ResponseWriter, r *http.Request, code, message string, err error) {
	if errors.Is(err, storage.ErrObjectNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "SNAPSHOT_NOT_FOUND", err.Error(), false, nil)
		return
	}
	if errors.Is(err, storage.ErrInvalidSnapshotKey) {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_SNAPSHOT_KEY", err.Error(), false, nil)
		return
	}
	writeError(r.Context(), w, http.StatusInternalServerError, code, message, true, map[string]any{"details": err.Error()})
}
