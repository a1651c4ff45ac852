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
	"github.com/arcaio/core/pkg/car"
)

// hostAudience must match cmd/staging's hostAudience — both sides of
// the internal push protocol agree on this fixed audience since
// staging only ever learns a target's URL, never a stable name.
const hostAudience = "storage-host"

func (p *Peer) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /internal/blocks/{cid}", p.handlePutBlock)
	mux.HandleFunc("POST /internal/distribute-complete", p.handleDistributeComplete)
	mux.HandleFunc("PUT /api/v1/uploads/{metadata_id}", p.handleDirectUpload)
	return mux
}

func (p *Peer) verifyInternal(r *http.Request) error {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == r.Header.Get("Authorization") || token == "" {
		return auth.ErrUnidentifiedKey
	}
	_, err := p.Verifier.Verify(token, hostAudience)
	return err
}

// handlePutBlock stores one pushed block's raw bytes under a
// host-local key, keyed by CID alone — this host doesn't need the
// metadata-version scoping core's own object store uses, since it
// never has to distinguish two drives' blocks sharing the same CID
// (content addressing already dedupes that).
func (p *Peer) handlePutBlock(w http.ResponseWriter, r *http.Request) {
	if err := p.verifyInternal(r); err != nil {
		writeError(w, err)
		return
	}
	cid := r.PathValue("cid")

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierror.Input.Wrap(err))
		return
	}
	if err := p.Objects.Put(r.Context(), blockKey(cid), bytes.NewReader(data), int64(len(data))); err != nil {
		writeError(w, apierror.Transient.Wrap(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDistributeComplete is staging's signal that every block of a
// group has arrived; this host now reports the group stored directly
// to core (spec.md §4.7: "on success the target calls back to core").
func (p *Peer) handleDistributeComplete(w http.ResponseWriter, r *http.Request) {
	if err := p.verifyInternal(r); err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		MetadataID     int64    `json:"metadata_id"`
		GrantID        string   `json:"grant_id"`
		NormalizedCIDs []string `json:"normalized_cids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierror.Input.Wrap(err))
		return
	}

	report := redistribute.CompletionReport{
		Replication:    true,
		NormalizedCIDs: body.NormalizedCIDs,
		GrantID:        body.GrantID,
	}
	if err := p.reportToCore(r.Context(), body.MetadataID, report); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDirectUpload implements the large-upload path (spec.md §4.6.1
// nolint-ish note: core hands a client a storage_authorization instead
// of streaming the body itself when expected_data_size crosses the
// threshold it picks). The client streams the CARv2 body straight
// here; on completion this host reports upload completion to core
// (spec.md §6's storage-to-core upload report hook) rather than core
// having ever read the bytes.
func (p *Peer) handleDirectUpload(w http.ResponseWriter, r *http.Request) {
	if err := p.verifyInternal(r); err != nil {
		writeError(w, err)
		return
	}
	metadataID, err := strconv.ParseInt(r.PathValue("metadata_id"), 10, 64)
	if err != nil {
		writeError(w, apierror.Input.Wrap(err))
		return
	}

	analyzer := car.New()
	buf := make([]byte, 256*1024)

	for {
		n, readErr := r.Body.Read(buf)
		if n > 0 {
			if err := analyzer.AddChunk(buf[:n]); err != nil {
				writeError(w, err)
				return
			}
			if err := p.drainDirectBlocks(r.Context(), analyzer); err != nil {
				writeError(w, err)
				return
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			writeError(w, apierror.Transient.Wrap(readErr))
			return
		}
	}

	report, err := analyzer.Report()
	if err != nil {
		writeError(w, err)
		return
	}

	if err := p.reportUploadToCore(r.Context(), metadataID, int64(report.TotalSize), report.CIDs, r.Header.Get("Authorization")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Peer) drainDirectBlocks(ctx context.Context, analyzer *car.Analyzer) error {
	for {
		block, err := analyzer.Next()
		if err != nil {
			return err
		}
		if block == nil {
			return nil
		}
		if err := p.Objects.Put(ctx, blockKey(block.CID), bytes.NewReader(block.Data), int64(len(block.Data))); err != nil {
			return apierror.Transient.Wrap(err)
		}
	}
}

func blockKey(cid string) string {
	return "blocks/" + cid + ".bin"
}

func (p *Peer) reportToCore(ctx context.Context, metadataID int64, report redistribute.CompletionReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return apierror.Input.Wrap(err)
	}
	return p.postToCore(ctx, "/hooks/redistribution/"+strconv.FormatInt(metadataID, 10), raw)
}

func (p *Peer) reportUploadToCore(ctx context.Context, metadataID, dataSize int64, cids []string, storageAuthorizationID string) error {
	body := struct {
		DataSize               int64    `json:"data_size"`
		NormalizedCIDs         []string `json:"normalized_cids"`
		StorageAuthorizationID string   `json:"storage_authorization_id"`
	}{DataSize: dataSize, NormalizedCIDs: cids, StorageAuthorizationID: storageAuthorizationID}
	raw, err := json.Marshal(body)
	if err != nil {
		return apierror.Input.Wrap(err)
	}
	return p.postToCore(ctx, "/hooks/report/"+strconv.FormatInt(metadataID, 10), raw)
}

func (p *Peer) postToCore(ctx context.Context, path string, body []byte) error {
	token, err := p.Signer.Sign(auth.SignParams{
		Subject:  "storageprovider",
		Audience: "core",
		ValidFor: auth.MaxValidityWindow,
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Config.CoreURL+path, bytes.NewReader(body))
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
		return apierror.Transient.New("core hook %s returned status %d", path, resp.StatusCode)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apierror.Status(err), map[string]string{"error": err.Error()})
}
