package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcaio/core/core/redistribute"
	"github.com/arcaio/core/internal/clock"
	"github.com/arcaio/core/pkg/auth"
	"github.com/arcaio/core/pkg/objectstore"
)

func stagingHarness(t *testing.T) (*Peer, *auth.Signer) {
	t.Helper()
	c := clock.Fixed(time.Now())

	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	signer, err := auth.NewSigner(priv, c)
	require.NoError(t, err)

	dir := auth.NewStaticKeyDirectory()
	_, err = auth.Fingerprint(&priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, dir.Add(&priv.PublicKey, "core-service"))
	verifier := auth.NewVerifier(dir, c)

	objects := objectstore.NewLocalStore(t.TempDir())

	peer := &Peer{
		Objects:    objects,
		Signer:     signer,
		Verifier:   verifier,
		HTTPClient: http.DefaultClient,
	}
	return peer, signer
}

func signCoreToken(t *testing.T, signer *auth.Signer, audience string) string {
	t.Helper()
	token, err := signer.Sign(auth.SignParams{
		Subject:  "core-service",
		Audience: audience,
		ValidFor: 15 * time.Minute,
	})
	require.NoError(t, err)
	return token
}

func TestHandleDistributeRejectsMissingBearerToken(t *testing.T) {
	peer, _ := stagingHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/hooks/distribute", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	peer.handleDistribute(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleDistributeRejectsWrongAudience(t *testing.T) {
	peer, signer := stagingHarness(t)
	token := signCoreToken(t, signer, "core")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/hooks/distribute", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	peer.handleDistribute(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestHandleDistributePushesBlocksThenNotifiesCompletion exercises the
// internal push protocol end to end against a fake target host: every
// block byte range arrives via PUT /internal/blocks/{cid}, followed by
// exactly one POST /internal/distribute-complete once all blocks land.
func TestHandleDistributePushesBlocksThenNotifiesCompletion(t *testing.T) {
	peer, signer := stagingHarness(t)
	token := signCoreToken(t, signer, "staging")

	require.NoError(t, peer.Objects.Put(context.Background(), objectKey(900, "ucid1"),
		bytes.NewReader([]byte("block-one")), 9))
	require.NoError(t, peer.Objects.Put(context.Background(), objectKey(900, "ucid2"),
		bytes.NewReader([]byte("block-two")), 9))

	var mu sync.Mutex
	var pushedBlocks []string
	var completionBody distributeCompletion

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/internal/blocks/"):
			cid := strings.TrimPrefix(r.URL.Path, "/internal/blocks/")
			mu.Lock()
			pushedBlocks = append(pushedBlocks, cid)
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == "/internal/distribute-complete":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&completionBody))
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer target.Close()

	req := redistribute.DistributeRequest{
		MetadataID: 900,
		GrantID:    "grant-1",
		NewHostID:  200,
		NewHostURL: target.URL,
		BlockCIDs:  []string{"ucid1", "ucid2"},
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq := httptest.NewRequest(http.MethodPost, "/api/v1/hooks/distribute", bytes.NewReader(raw))
	httpReq.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	peer.handleDistribute(rec, httpReq)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.ElementsMatch(t, []string{"ucid1", "ucid2"}, pushedBlocks)
	require.Equal(t, int64(900), completionBody.MetadataID)
	require.Equal(t, "grant-1", completionBody.GrantID)
	require.Equal(t, []string{"ucid1", "ucid2"}, completionBody.NormalizedCIDs)
}

func TestHandleDistributeFailsWhenTargetRejectsPush(t *testing.T) {
	peer, signer := stagingHarness(t)
	token := signCoreToken(t, signer, "staging")

	require.NoError(t, peer.Objects.Put(context.Background(), objectKey(900, "ucid1"),
		bytes.NewReader([]byte("block-one")), 9))

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer target.Close()

	req := redistribute.DistributeRequest{
		MetadataID: 900,
		GrantID:    "grant-1",
		NewHostID:  200,
		NewHostURL: target.URL,
		BlockCIDs:  []string{"ucid1"},
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq := httptest.NewRequest(http.MethodPost, "/api/v1/hooks/distribute", bytes.NewReader(raw))
	httpReq.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	peer.handleDistribute(rec, httpReq)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestObjectKeyMatchesUploadHandlerScheme(t *testing.T) {
	require.Equal(t, "900/ucid1.bin", objectKey(900, "ucid1"))
	require.Equal(t, strconv.FormatInt(900, 10)+"/ucid1.bin", objectKey(900, "ucid1"))
}
