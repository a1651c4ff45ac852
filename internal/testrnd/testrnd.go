// Package testrnd generates random test fixtures — byte blobs, CIDs,
// UUIDs, identifiers — adapted from the teacher's storj.io/common/testrand
// package (renamed into this module, not vendored verbatim). Every
// generator here is for test data only; nothing in it is imported by
// production code.
package testrnd

import (
	"encoding/base64"
	"math/rand"

	"github.com/google/uuid"
)

// cidPrefix mirrors the multihash prefix pkg/car's analyzer emits for
// blake3-256 raw-leaf blocks (code 0x55, blake3 0x1e, digest length
// 0x20), so generated CIDs pass core/cid.Normalize unmodified.
var cidPrefix = []byte{0x01, 0x55, 0x1e, 0x20}

// Bytes returns n random bytes.
func Bytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// Intn returns a random int in [0, n).
func Intn(n int) int {
	return rand.Intn(n)
}

// Int63n returns a random int64 in [0, n).
func Int63n(n int64) int64 {
	return rand.Int63n(n)
}

// Float64n returns a random float64 in [0, n).
func Float64n(n float64) float64 {
	return rand.Float64() * n
}

const alphaNumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandAlphaNumeric returns a random alphanumeric string of length n.
func RandAlphaNumeric(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = alphaNumeric[rand.Intn(len(alphaNumeric))]
	}
	return string(out)
}

// UUID returns a random UUID.
func UUID() uuid.UUID {
	return uuid.New()
}

// CID returns a syntactically valid, randomly-keyed normalized CID
// (core/cid.PrefixBanyan form) with no backing block data.
func CID() string {
	digest := Bytes(32)
	raw := append(append([]byte{}, cidPrefix...), digest...)
	return "u" + base64.RawURLEncoding.EncodeToString(raw)
}

// Fingerprint returns a random colon-hex string in pkg/auth.Fingerprint's
// format but 32 bytes long (auth's fingerprints are 20), for tests that
// need a fingerprint-like string without generating a real key pair.
func Fingerprint() string {
	b := Bytes(32)
	const hex = "0123456789abcdef"
	out := make([]byte, 0, len(b)*3-1)
	for i, c := range b {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hex[c>>4], hex[c&0x0f])
	}
	return string(out)
}

// Path returns a random drive-path-shaped string, e.g. "a1b2/c3d4".
func Path() string {
	return RandAlphaNumeric(4) + "/" + RandAlphaNumeric(4)
}
