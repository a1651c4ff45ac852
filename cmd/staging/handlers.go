package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/arcaio/core/core/redistribute"
	"github.com/arcaio/core/pkg/apierror"
	"github.com/arcaio/core/pkg/auth"
)

// hostAudience is the fixed token audience every storage provider
// process verifies its inbound internal pushes against, since staging
// only learns a target's URL, never a stable service name, from core's
// distribute hook body.
const hostAudience = "storage-host"

// distributeCompletion is the internal staging-to-storage-host
// handoff that tells a target it has every block of a group and
// should report completion to core itself (spec.md §4.7: "on success
// the target calls back to core").
type distributeCompletion struct {
	MetadataID     int64    `json:"metadata_id"`
	GrantID        string   `json:"grant_id"`
	NormalizedCIDs []string `json:"normalized_cids"`
}

// Routes builds staging's HTTP surface: the one hook core calls.
func (p *Peer) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/hooks/distribute", p.handleDistribute)
	return mux
}

func (p *Peer) handleDistribute(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == r.Header.Get("Authorization") || token == "" {
		writeError(w, auth.ErrUnidentifiedKey)
		return
	}
	if _, err := p.Verifier.Verify(token, "staging"); err != nil {
		writeError(w, err)
		return
	}

	var req redistribute.DistributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierror.Input.Wrap(err))
		return
	}

	if err := p.pushGroup(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pushGroup reads every block in req from staging's own object store
// and PUTs it to the target host, then tells the target it has the
// whole group. A failed push on any one block aborts the group;
// core's redistribution scan retries sync-required blocks that never
// reach staged on its next pass rather than this handler retrying
// itself.
func (p *Peer) pushGroup(ctx context.Context, req redistribute.DistributeRequest) error {
	for _, cid := range req.BlockCIDs {
		if err := p.pushBlock(ctx, req.MetadataID, req.NewHostURL, cid); err != nil {
			return err
		}
	}
	return p.notifyComplete(ctx, req.NewHostURL, distributeCompletion{
		MetadataID:     req.MetadataID,
		GrantID:        req.GrantID,
		NormalizedCIDs: req.BlockCIDs,
	})
}

func (p *Peer) pushBlock(ctx context.Context, metadataID int64, targetURL, blockCID string) error {
	key := objectKey(metadataID, blockCID)
	rc, err := p.Objects.Get(ctx, key)
	if err != nil {
		return apierror.Transient.Wrap(err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return apierror.Transient.Wrap(err)
	}

	token, err := p.serviceToken()
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut,
		targetURL+"/internal/blocks/"+blockCID, bytes.NewReader(data))
	if err != nil {
		return apierror.Transient.Wrap(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return apierror.Transient.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return apierror.Transient.New("block push to %s returned status %d", targetURL, resp.StatusCode)
	}
	return nil
}

func (p *Peer) notifyComplete(ctx context.Context, targetURL string, body distributeCompletion) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return apierror.Input.Wrap(err)
	}

	token, err := p.serviceToken()
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		targetURL+"/internal/distribute-complete", bytes.NewReader(raw))
	if err != nil {
		return apierror.Transient.Wrap(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return apierror.Transient.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return apierror.Transient.New("distribute-complete to %s returned status %d", targetURL, resp.StatusCode)
	}
	return nil
}

// serviceToken mints a short-lived bearer token identifying staging to
// the target host, the same cadence core's own service-to-service
// calls use (spec.md §5's 15s hook budget bounds the call, not the
// token's own validity window).
func (p *Peer) serviceToken() (string, error) {
	return p.Signer.Sign(auth.SignParams{
		Subject:  "staging",
		Audience: hostAudience,
		ValidFor: auth.MaxValidityWindow,
	})
}

func objectKey(metadataID int64, blockCID string) string {
	return strconv.FormatInt(metadataID, 10) + "/" + blockCID + ".bin"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apierror.Status(err), map[string]string{"error": err.Error()})
}
