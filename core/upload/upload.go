// Package upload implements the Upload Ingest Path (spec.md §4.6): the
// client-facing multipart handler that authenticates a push_metadata
// request, streams its CARv2 body through the analyzer, and persists
// each parsed block to the object store and the Block & Location
// Store as it goes.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/zeebo/errs"

	"github.com/arcaio/core/core/blocks"
	"github.com/arcaio/core/core/metadata"
	"github.com/arcaio/core/internal/clock"
	"github.com/arcaio/core/pkg/auth"
	"github.com/arcaio/core/pkg/car"
	"github.com/arcaio/core/pkg/objectstore"
)

// Err is the class for Upload Ingest Path failures.
var Err = errs.Class("upload")

// ErrMalformedMultipart covers structural violations of the two-part
// request-data/car-upload shape spec.md §4.6.2 requires.
var ErrMalformedMultipart = Err.New("malformed multipart upload")

// MaxRequestDataSize bounds the request-data JSON part (spec.md §4.6.2).
const MaxRequestDataSize = 128 * 1024

// chunkSize is how much of the car-upload part is read per AddChunk
// call; it bounds peak memory use while streaming an upload whose
// total size isn't known until the body is fully read.
const chunkSize = 256 * 1024

// requestBody is the wire shape of the request-data JSON part.
type requestBody struct {
	RootCID                 string   `json:"root_cid"`
	MetadataCID             string   `json:"metadata_cid"`
	ExpectedDataSize        int64    `json:"expected_data_size"`
	IncludedKeyFingerprints []string `json:"included_key_fingerprints"`
	DeletedBlockCIDs        []string `json:"deleted_block_cids"`
}

// Handler is the Upload Ingest Path.
type Handler struct {
	verifier *auth.Verifier
	engine   *metadata.Engine
	blocks   *blocks.Store
	objects  objectstore.Store
	clock    clock.Clock
}

// NewHandler builds a Handler from its collaborators.
func NewHandler(verifier *auth.Verifier, engine *metadata.Engine, b *blocks.Store, objects objectstore.Store, c clock.Clock) *Handler {
	if c == nil {
		c = clock.Wall{}
	}
	return &Handler{verifier: verifier, engine: engine, blocks: b, objects: objects, clock: c}
}

// HandleUpload implements POST /api/v1/buckets/{bucket_id}/metadata
// (spec.md §6). authorizationHeader is the raw `Authorization` header
// value; mr reads the multipart body. driveID identifies the drive
// (bucket) the push targets.
func (h *Handler) HandleUpload(ctx context.Context, driveID int64, authorizationHeader string, mr *multipart.Reader) (*metadata.PushResult, error) {
	userID, keyFingerprint, err := h.authenticate(authorizationHeader)
	if err != nil {
		return nil, err
	}

	req, requestDataSize, err := h.readRequestData(mr)
	if err != nil {
		return nil, err
	}

	result, err := h.engine.PushMetadata(ctx, driveID, userID, keyFingerprint, metadata.PushRequest{
		RootCID:                 req.RootCID,
		MetadataCID:             req.MetadataCID,
		ExpectedDataSize:        req.ExpectedDataSize,
		IncludedKeyFingerprints: req.IncludedKeyFingerprints,
		DeletedBlockCIDs:        req.DeletedBlockCIDs,
	})
	if err != nil {
		return nil, err
	}

	// The expected_data_size == 0 fast path lands directly in state
	// current with no body expected (spec.md §4.5).
	if result.State == metadata.StateCurrent {
		return result, nil
	}

	if err := h.streamBody(ctx, mr, result, userID, requestDataSize); err != nil {
		_ = h.engine.MarkUploadFailed(ctx, result.MetadataID, err.Error())
		return nil, err
	}

	return result, nil
}

// authenticate implements spec.md §4.6.1: resolve the bearer token's
// kid to a key and owning subject, verify signature and window, and
// split the now-verified subject "{user_id}@{key_fingerprint}" the
// Token Authority mints (pkg/auth.Signer / core/grants.GenerateGrant)
// back into its parts.
func (h *Handler) authenticate(authorizationHeader string) (userID int64, keyFingerprint string, err error) {
	token := strings.TrimPrefix(authorizationHeader, "Bearer ")
	if token == authorizationHeader || token == "" {
		return 0, "", auth.ErrUnidentifiedKey
	}

	claims, err := h.verifier.Verify(token, "core")
	if err != nil {
		return 0, "", err
	}

	subject := claims.Subject
	at := strings.LastIndex(subject, "@")
	if at < 0 {
		return 0, "", Err.New("malformed subject claim %q", subject)
	}
	id, err := strconv.ParseInt(subject[:at], 10, 64)
	if err != nil {
		return 0, "", Err.New("malformed subject claim %q: %v", subject, err)
	}
	return id, subject[at+1:], nil
}

// readRequestData reads and decodes the first multipart part, which
// must be named request-data and no larger than MaxRequestDataSize.
func (h *Handler) readRequestData(mr *multipart.Reader) (*requestBody, int64, error) {
	part, err := mr.NextPart()
	if err != nil {
		return nil, 0, Err.Wrap(err)
	}
	defer part.Close()
	if part.FormName() != "request-data" {
		return nil, 0, ErrMalformedMultipart
	}

	limited := io.LimitReader(part, MaxRequestDataSize+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, 0, Err.Wrap(err)
	}
	if len(raw) > MaxRequestDataSize {
		return nil, 0, Err.New("request-data part exceeds %d bytes", MaxRequestDataSize)
	}

	var body requestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, 0, Err.New("invalid request-data JSON: %v", err)
	}
	return &body, int64(len(raw)), nil
}

// streamBody implements spec.md §4.6.4: read the car-upload part
// through the CAR analyzer, writing each parsed block to the object
// store under its content-addressed key and recording its location in
// the Block & Location Store at sync-required, simultaneously with the
// analyzer's running integrity hash. On success, finalizes the
// metadata version to pending.
func (h *Handler) streamBody(ctx context.Context, mr *multipart.Reader, result *metadata.PushResult, userID, requestDataSize int64) error {
	part, err := mr.NextPart()
	if err != nil {
		return Err.Wrap(err)
	}
	defer part.Close()
	if part.FormName() != "car-upload" {
		return ErrMalformedMultipart
	}

	analyzer := car.New()
	buf := make([]byte, chunkSize)

	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			if err := analyzer.AddChunk(buf[:n]); err != nil {
				return err
			}
			if err := h.drainBlocks(ctx, analyzer, result); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return Err.Wrap(readErr)
		}
	}

	report, err := analyzer.Report()
	if err != nil {
		return err
	}

	// dataSize is the CAR body's total byte count (the content this
	// version's storage host must hold); metadataSize is the small
	// request-data JSON envelope describing it — there is no separate
	// upload path that would let the two be measured independently.
	return h.engine.FinalizeUpload(ctx, result.MetadataID, userID, int64(report.TotalSize), requestDataSize, report.IntegrityHash)
}

// drainBlocks pulls every block the analyzer can currently emit and
// persists it, leaving the analyzer ready for the next chunk.
func (h *Handler) drainBlocks(ctx context.Context, analyzer *car.Analyzer, result *metadata.PushResult) error {
	for {
		block, err := analyzer.Next()
		if err != nil {
			return err
		}
		if block == nil {
			return nil
		}

		blockID, err := h.blocks.InsertOrIgnoreBlock(ctx, block.CID, int64(block.Length))
		if err != nil {
			return err
		}
		if err := h.blocks.Associate(ctx, blockID, result.MetadataID, result.StorageHostID, blocks.StateSyncRequired); err != nil {
			return err
		}

		key := objectKey(result.MetadataID, block.CID)
		if err := h.objects.Put(ctx, key, bytes.NewReader(block.Data), int64(len(block.Data))); err != nil {
			return err
		}
	}
}

// objectKey formats the per-block object key spec.md §6 names:
// {metadata_id}/{block_cid}.bin.
func objectKey(metadataID int64, blockCID string) string {
	return strconv.FormatInt(metadataID, 10) + "/" + blockCID + ".bin"
}
