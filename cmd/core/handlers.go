package main

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/arcaio/core/core/db"
	"github.com/arcaio/core/core/redistribute"
	"github.com/arcaio/core/pkg/apierror"
	"github.com/arcaio/core/pkg/auth"
)

// authenticateHook verifies the bearer token a storage host or staging
// attaches to its callbacks, the same audience core/upload.Handler
// checks on the inbound side of the upload path.
func (p *Peer) authenticateHook(r *http.Request) error {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == r.Header.Get("Authorization") || token == "" {
		return auth.ErrUnidentifiedKey
	}
	_, err := p.Verifier.Verify(token, "core")
	return err
}

// Routes builds the core service's HTTP surface (spec.md §6, plus
// SPEC_FULL.md §6's snapshot/deal administrative surface). Routing
// itself is out of scope for this module (spec.md §1's Non-goals), so
// this returns a bare *http.ServeMux an operator wires behind whatever
// edge it runs; stdlib 1.22 pattern routing is enough to carry the
// {bucket_id}/{metadata_id} path parameters these handlers need.
func (p *Peer) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/buckets/{bucket_id}/metadata", p.handleUpload)
	mux.HandleFunc("POST /api/v1/buckets/{bucket_id}/metadata/{metadata_id}/snapshot", p.handleCreateSnapshot)
	mux.HandleFunc("GET /api/v1/deals", p.handleListDeals)
	mux.HandleFunc("POST /hooks/redistribution/{metadata_id}", p.handleRedistributionCompletion)
	mux.HandleFunc("POST /hooks/report/{metadata_id}", p.handleUploadReport)
	return mux
}

func (p *Peer) handleUpload(w http.ResponseWriter, r *http.Request) {
	driveID, err := strconv.ParseInt(r.PathValue("bucket_id"), 10, 64)
	if err != nil {
		writeError(w, apierror.Input.Wrap(errors.New("bad bucket_id")))
		return
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" || params["boundary"] == "" {
		writeError(w, apierror.Input.Wrap(errors.New("expected multipart/form-data")))
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	result, err := p.Upload.HandleUpload(r.Context(), driveID, r.Header.Get("Authorization"), mr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		ID:                   result.MetadataID,
		State:                string(result.State),
		StorageHost:          result.StorageHostURL,
		StorageAuthorization: result.StorageAuthorization,
	})
}

type uploadResponse struct {
	ID                   int64  `json:"id"`
	State                string `json:"state"`
	StorageHost          string `json:"storage_host,omitempty"`
	StorageAuthorization string `json:"storage_authorization,omitempty"`
}

// handleRedistributionCompletion implements the storage-to-core
// completion hook (spec.md §6, POST /hooks/redistribution/{metadata_id}).
func (p *Peer) handleRedistributionCompletion(w http.ResponseWriter, r *http.Request) {
	if err := p.authenticateHook(r); err != nil {
		writeError(w, err)
		return
	}

	metadataID, err := strconv.ParseInt(r.PathValue("metadata_id"), 10, 64)
	if err != nil {
		writeError(w, apierror.Input.Wrap(errors.New("bad metadata_id")))
		return
	}

	var report redistribute.CompletionReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, apierror.Input.Wrap(err))
		return
	}

	if err := p.Redistribute.HandleCompletion(r.Context(), metadataID, report, p.stagingCleanup); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// uploadReport is the wire shape of the storage-to-core upload report
// hook (spec.md §6). This is the counterpart to handleUpload for
// drives whose storage_authorization sends the client straight to a
// storage host instead of through core (expected_data_size large
// enough that core would rather not hold the stream itself); the
// storage host performs the CARv2 parse and reports back here once
// every block is durably written.
type uploadReport struct {
	DataSize               int64    `json:"data_size"`
	NormalizedCIDs         []string `json:"normalized_cids"`
	StorageAuthorizationID string   `json:"storage_authorization_id"`
}

func (p *Peer) handleUploadReport(w http.ResponseWriter, r *http.Request) {
	if err := p.authenticateHook(r); err != nil {
		writeError(w, err)
		return
	}

	metadataID, err := strconv.ParseInt(r.PathValue("metadata_id"), 10, 64)
	if err != nil {
		writeError(w, apierror.Input.Wrap(errors.New("bad metadata_id")))
		return
	}

	var report uploadReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, apierror.Input.Wrap(err))
		return
	}

	userID, err := p.userIDForMetadata(r.Context(), metadataID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := p.Metadata.FinalizeUpload(r.Context(), metadataID, userID, report.DataSize, 0, ""); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Peer) userIDForMetadata(ctx context.Context, metadataID int64) (int64, error) {
	var userID int64
	row := p.DB.QueryRowContext(ctx, db.Rebind(p.DB.Driver(), `
		SELECT d.user_id FROM metadata_versions m
		JOIN drives d ON d.id = m.drive_id
		WHERE m.id = ?`), metadataID)
	if err := row.Scan(&userID); err != nil {
		return 0, apierror.Authorization.Wrap(err)
	}
	return userID, nil
}

// handleCreateSnapshot implements the SPEC_FULL.md §6 administrative
// snapshot surface: POST .../metadata/{metadata_id}/snapshot.
func (p *Peer) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	metadataID, err := strconv.ParseInt(r.PathValue("metadata_id"), 10, 64)
	if err != nil {
		writeError(w, apierror.Input.Wrap(errors.New("bad metadata_id")))
		return
	}

	var body struct {
		CIDs []string `json:"cids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierror.Input.Wrap(err))
		return
	}

	snap, err := p.Archival.CreateSnapshot(r.Context(), metadataID, body.CIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": snap.ID, "state": snap.State})
}

// handleListDeals implements GET /api/v1/deals (SPEC_FULL.md §6,
// administrative visibility only).
func (p *Peer) handleListDeals(w http.ResponseWriter, r *http.Request) {
	deals, err := p.Archival.ListActiveDeals(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deals)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apierror.Status(err), map[string]string{"error": err.Error()})
}
