// Package auth implements the Token Authority (spec.md §4.1): minting
// and verifying short-lived ES384 bearer tokens that identify users,
// services, and storage grants across the Core, Staging, and Storage
// Provider services.
//
// The shape mirrors the teacher's sign→attach→verify request-signing
// convention (formerly `pkg/auth/signing`, certificate-based) adapted
// from peer-certificate signing to bearer-token signing, with key
// lookup abstracted behind a KeyDirectory so verification never cares
// whether keys come from a static map or the relational store.
package auth

import (
	"crypto/ecdsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/zeebo/errs"

	"github.com/arcaio/core/internal/clock"
	"github.com/arcaio/core/pkg/apierror"
)

// Err is the class for every Token Authority failure.
var Err = errs.Class("auth")

// Failure modes named in spec.md §4.1, exposed so callers can
// distinguish them without string-matching. Each also carries the
// apierror.Authentication class so a handler layer can map them to
// 401 without knowing this package's specific sentinels.
var (
	ErrUnidentifiedKey        = apierror.Authentication.Wrap(Err.New("unidentified key"))
	ErrInvalidKeyFormat       = apierror.Authentication.Wrap(Err.New("invalid key format"))
	ErrExpiredOrImmature      = apierror.Authentication.Wrap(Err.New("token expired or not yet valid"))
	ErrAudienceMismatch       = apierror.Authentication.Wrap(Err.New("audience mismatch"))
	ErrValidityWindowTooLarge = apierror.Authentication.Wrap(Err.New("validity window too large"))
	ErrSubjectMismatch        = apierror.Authentication.Wrap(Err.New("subject mismatch"))
)

// MaxValidityWindow is the maximum exp-nbf span spec.md §4.1 allows.
const MaxValidityWindow = 900 * time.Second

// ClockSkew is the tolerance applied to nbf/exp comparisons.
const ClockSkew = 20 * time.Second

var kidPattern = regexp.MustCompile(`^[0-9a-f]{2}(:[0-9a-f]{2}){19}$`)

// Fingerprint returns the colon-separated lowercase hex SHA-1 digest
// of a DER-encoded public key, the `kid` format spec.md §4.1 and §9
// mandate.
func Fingerprint(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", Err.Wrap(err)
	}
	sum := sha1.Sum(der)

	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":"), nil
}

// GrantCapability is the shape of one entry in a storage-grant token's
// `cap` claim: `{ host-url: { available_storage, grant_id } }`.
type GrantCapability struct {
	AvailableStorage int64  `json:"available_storage"`
	GrantID          string `json:"grant_id"`
}

// Claims is the set of JWT claims the Token Authority signs and
// verifies. Cap is nil for ordinary identity tokens.
type Claims struct {
	jwt.StandardClaims
	Cap map[string]GrantCapability `json:"cap,omitempty"`
}

// Signer mints tokens on behalf of one key.
type Signer struct {
	KeyID   string
	PrivKey *ecdsa.PrivateKey
	Clock   clock.Clock
}

// NewSigner constructs a Signer whose kid is derived from priv's
// public half.
func NewSigner(priv *ecdsa.PrivateKey, c clock.Clock) (*Signer, error) {
	kid, err := Fingerprint(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	if c == nil {
		c = clock.Wall{}
	}
	return &Signer{KeyID: kid, PrivKey: priv, Clock: c}, nil
}

// SignParams carries what varies per minted token; ValidFor must be
// <= MaxValidityWindow.
type SignParams struct {
	Subject  string
	Audience string
	ValidFor time.Duration
	Nonce    string
	Cap      map[string]GrantCapability
}

// Sign returns a compact ES384 bearer token for the given claims,
// header kid set to the signer's fingerprint (spec.md §4.1 "sign").
func (s *Signer) Sign(p SignParams) (string, error) {
	if p.ValidFor <= 0 || p.ValidFor > MaxValidityWindow {
		return "", ErrValidityWindowTooLarge
	}
	if p.Nonce != "" && len(p.Nonce) < 12 {
		return "", Err.New("nonce must be at least 12 bytes when present")
	}

	now := s.Clock.Now()
	claims := Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   p.Subject,
			Audience:  p.Audience,
			IssuedAt:  now.Unix(),
			NotBefore: now.Unix(),
			ExpiresAt: now.Add(p.ValidFor).Unix(),
		},
		Cap: p.Cap,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES384, claims)
	token.Header["kid"] = s.KeyID

	signed, err := token.SignedString(s.PrivKey)
	if err != nil {
		return "", Err.Wrap(err)
	}
	return signed, nil
}

// KeyDirectory resolves a kid to the public key that should verify a
// token carrying it, and to the user id that owns that key (for
// subject-match enforcement). Two implementations satisfy this:
// StaticKeyDirectory for tests/single-process deployments, and a
// relational-store-backed one querying user_keys by fingerprint
// column (cmd/core's userKeyDirectory).
type KeyDirectory interface {
	// Lookup returns the public key and owning subject for kid, or
	// ErrUnidentifiedKey if no key has that fingerprint.
	Lookup(kid string) (pub *ecdsa.PublicKey, owner string, err error)
}

// StaticKeyDirectory is an in-memory KeyDirectory keyed by
// fingerprint, for tests and single-process deployments.
type StaticKeyDirectory struct {
	keys map[string]staticEntry
}

type staticEntry struct {
	pub   *ecdsa.PublicKey
	owner string
}

// NewStaticKeyDirectory returns an empty StaticKeyDirectory.
func NewStaticKeyDirectory() *StaticKeyDirectory {
	return &StaticKeyDirectory{keys: make(map[string]staticEntry)}
}

// Add registers pub under its computed fingerprint, owned by owner.
func (d *StaticKeyDirectory) Add(pub *ecdsa.PublicKey, owner string) error {
	kid, err := Fingerprint(pub)
	if err != nil {
		return err
	}
	d.keys[kid] = staticEntry{pub: pub, owner: owner}
	return nil
}

// Lookup implements KeyDirectory.
func (d *StaticKeyDirectory) Lookup(kid string) (*ecdsa.PublicKey, string, error) {
	entry, ok := d.keys[kid]
	if !ok {
		return nil, "", ErrUnidentifiedKey
	}
	return entry.pub, entry.owner, nil
}

// LoadKeyDirectoryFromDir populates a StaticKeyDirectory from every
// *.pem file in dir, each holding one PKIX-encoded ECDSA public key;
// the file's base name (without extension) becomes that key's owner.
// This is how a service trusts its peers' service tokens (e.g. core
// trusting staging's signing key) without a relational registry for
// what is, at any one deployment, a small fixed set of peers.
func LoadKeyDirectoryFromDir(dir string) (*StaticKeyDirectory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, Err.Wrap(err)
	}

	directory := NewStaticKeyDirectory()
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".pem" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, Err.Wrap(err)
		}
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, Err.New("%s: not PEM-encoded", entry.Name())
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, Err.New("%s: %v", entry.Name(), err)
		}
		ecPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return nil, Err.New("%s: not an ECDSA public key", entry.Name())
		}
		owner := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if err := directory.Add(ecPub, owner); err != nil {
			return nil, err
		}
	}
	return directory, nil
}

// CompositeKeyDirectory tries each KeyDirectory in order, returning
// the first one that recognizes kid. Services with both a relational,
// per-user directory and a small static set of trusted peer keys
// (service-to-service hooks) compose the two this way rather than
// merging them into one lookup.
type CompositeKeyDirectory []KeyDirectory

// Lookup implements KeyDirectory.
func (c CompositeKeyDirectory) Lookup(kid string) (*ecdsa.PublicKey, string, error) {
	for _, dir := range c {
		pub, owner, err := dir.Lookup(kid)
		if err == nil {
			return pub, owner, nil
		}
		if !errors.Is(err, ErrUnidentifiedKey) {
			return nil, "", err
		}
	}
	return nil, "", ErrUnidentifiedKey
}

// Verifier validates tokens against a KeyDirectory and the current
// time, per spec.md §4.1's verify(token, expected_audience, verifier).
type Verifier struct {
	Directory KeyDirectory
	Clock     clock.Clock
}

// NewVerifier constructs a Verifier. A nil clock uses the wall clock.
func NewVerifier(dir KeyDirectory, c clock.Clock) *Verifier {
	if c == nil {
		c = clock.Wall{}
	}
	return &Verifier{Directory: dir, Clock: c}
}

// Verify validates signature, audience membership, the nbf/exp
// issuance window (with ClockSkew tolerance), key-id shape, and that
// the claimed subject's fingerprint matches the key owner.
func (v *Verifier) Verify(tokenString string, expectedAudience string) (*Claims, error) {
	claims := &Claims{}

	parser := &jwt.Parser{SkipClaimsValidation: true}
	_, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, Err.New("unexpected signing method %v", t.Header["alg"])
		}

		kid, _ := t.Header["kid"].(string)
		if !kidPattern.MatchString(kid) {
			return nil, ErrInvalidKeyFormat
		}

		pub, owner, err := v.Directory.Lookup(kid)
		if err != nil {
			return nil, err
		}
		if claims.Subject != owner {
			return nil, ErrSubjectMismatch
		}
		return pub, nil
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	if !claims.VerifyAudience(expectedAudience, true) {
		return nil, ErrAudienceMismatch
	}

	now := v.Clock.Now()
	if now.Add(ClockSkew).Unix() < claims.NotBefore {
		return nil, ErrExpiredOrImmature
	}
	if now.Add(-ClockSkew).Unix() > claims.ExpiresAt {
		return nil, ErrExpiredOrImmature
	}
	if claims.ExpiresAt-claims.NotBefore > int64(MaxValidityWindow.Seconds()) {
		return nil, ErrValidityWindowTooLarge
	}

	return claims, nil
}

func classifyParseError(err error) error {
	switch err {
	case ErrUnidentifiedKey, ErrInvalidKeyFormat, ErrSubjectMismatch:
		return err
	}
	if ve, ok := err.(*jwt.ValidationError); ok {
		if ve.Errors&(jwt.ValidationErrorExpired|jwt.ValidationErrorNotValidYet) != 0 {
			return ErrExpiredOrImmature
		}
		if inner := ve.Inner; inner != nil {
			switch inner {
			case ErrUnidentifiedKey, ErrInvalidKeyFormat, ErrSubjectMismatch:
				return inner
			}
		}
	}
	return Err.Wrap(err)
}
