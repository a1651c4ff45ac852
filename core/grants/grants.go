// Package grants implements the Storage Grant Ledger (spec.md §4.4):
// issuing and redeeming the per-(user, storage-host) byte authorizations
// that back every upload, and deriving fresh allocations when a user's
// existing authorization can't cover a new upload.
package grants

import (
	"context"
	"database/sql"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"github.com/arcaio/core/core/db"
	"github.com/arcaio/core/internal/clock"
	"github.com/arcaio/core/pkg/auth"
)

// Err is the class for Storage Grant Ledger failures.
var Err = errs.Class("grants")

// AllocationUnit is the byte multiple every fresh grant is rounded up
// to (spec.md §4.4's "ceil(... / 100 MiB) x 100 MiB").
const AllocationUnit int64 = 100 << 20

// DefaultValidity is the validity window for storage-grant tokens.
const DefaultValidity = 15 * time.Minute

// Host is the minimal shape of a storage host this package needs
// (URL for the token's cap key, Name for the token audience). Grants
// accepts this rather than importing core/hosts, which itself derives
// reserved_storage from this package.
type Host struct {
	ID   int64
	URL  string
	Name string
}

// Grant is one row of the ledger.
type Grant struct {
	ID           string
	UserID       int64
	HostID       int64
	Amount       int64
	RedeemedAt   *time.Time
	SupersededAt *time.Time
	CreatedAt    time.Time
}

// State reports the grant's position in {issued, redeemed, superseded}.
func (g Grant) State() string {
	switch {
	case g.RedeemedAt != nil:
		return "redeemed"
	case g.SupersededAt != nil:
		return "superseded"
	default:
		return "issued"
	}
}

// Store is the Storage Grant Ledger.
type Store struct {
	conn   *db.Conn
	signer *auth.Signer
	clock  clock.Clock
}

// NewStore builds a Store. signer mints the bearer tokens returned by
// GenerateGrant.
func NewStore(conn *db.Conn, signer *auth.Signer, c clock.Clock) *Store {
	if c == nil {
		c = clock.Wall{}
	}
	return &Store{conn: conn, signer: signer, clock: c}
}

// ExistingAuthorization returns the most recently redeemed grant's
// authorized amount for (userID, host), or 0 if none has ever been
// redeemed.
func (s *Store) ExistingAuthorization(ctx context.Context, userID int64, hostID int64) (int64, error) {
	var amount int64
	row := s.conn.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `
		SELECT amount FROM grants
		WHERE user_id = ? AND host_id = ? AND redeemed_at IS NOT NULL
		ORDER BY redeemed_at DESC LIMIT 1`), userID, hostID)
	switch err := row.Scan(&amount); err {
	case nil:
		return amount, nil
	case sql.ErrNoRows:
		return 0, nil
	default:
		return 0, Err.Wrap(err)
	}
}

// CurrentlyStored returns the sum of finalized data_size across the
// user's metadata versions associated with host, i.e. the bytes
// already accounted against redeemed grants at that host. Finalized
// metadata is anything that reached current or outdated (uploading/
// pending hasn't finalized a size yet; deleted/upload_failed hold
// nothing live).
func (s *Store) CurrentlyStored(ctx context.Context, userID int64, hostID int64) (int64, error) {
	var sum sql.NullInt64
	row := s.conn.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `
		SELECT SUM(m.data_size)
		FROM metadata_versions m
		JOIN drives d ON d.id = m.drive_id
		WHERE d.user_id = ? AND m.storage_host_id = ? AND m.state IN ('current', 'outdated')`),
		userID, hostID)
	if err := row.Scan(&sum); err != nil {
		return 0, Err.Wrap(err)
	}
	return sum.Int64, nil
}

// GenerateGrant inserts a fresh, unredeemed grant for amount bytes at
// host and mints the bearer token that embeds it. Subject is
// "{user_id}@{key_fingerprint}"; audience is the host's name; the cap
// claim binds the host's URL to {available_storage: amount, grant_id}.
//
// Any previously issued, unredeemed grant for the same (user, host)
// is superseded in the same transaction — a user never holds two live
// unredeemed authorizations against one host at once.
func (s *Store) GenerateGrant(ctx context.Context, userID int64, keyFingerprint string, host Host, amount int64) (*Grant, string, error) {
	grant := &Grant{
		ID:        uuid.NewString(),
		UserID:    userID,
		HostID:    host.ID,
		Amount:    amount,
		CreatedAt: s.clock.Now(),
	}

	err := s.conn.WithTx(ctx, func(ctx context.Context, tx db.DB) error {
		_, err := tx.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
			UPDATE grants SET superseded_at = ?
			WHERE user_id = ? AND host_id = ? AND redeemed_at IS NULL AND superseded_at IS NULL`),
			s.clock.Now(), userID, host.ID)
		if err != nil {
			return Err.Wrap(err)
		}

		_, err = tx.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
			INSERT INTO grants (grant_id, user_id, host_id, amount, created_at)
			VALUES (?, ?, ?, ?, ?)`),
			grant.ID, userID, host.ID, amount, grant.CreatedAt)
		return Err.Wrap(err)
	})
	if err != nil {
		return nil, "", err
	}

	subject := strconv.FormatInt(userID, 10) + "@" + keyFingerprint
	token, err := s.signer.Sign(auth.SignParams{
		Subject:  subject,
		Audience: host.Name,
		ValidFor: DefaultValidity,
		Cap: map[string]auth.GrantCapability{
			host.URL: {AvailableStorage: amount, GrantID: grant.ID},
		},
	})
	if err != nil {
		return nil, "", Err.Wrap(err)
	}
	return grant, token, nil
}

// Redeem marks grantID redeemed at hostID. Redemption is idempotent:
// redeeming an already-redeemed grant returns alreadyRedeemed = true
// rather than an error.
func (s *Store) Redeem(ctx context.Context, grantID string, hostID int64) (alreadyRedeemed bool, err error) {
	var existing sql.NullTime
	row := s.conn.QueryRowContext(ctx, db.Rebind(s.conn.Driver(), `
		SELECT redeemed_at FROM grants WHERE grant_id = ? AND host_id = ?`), grantID, hostID)
	if scanErr := row.Scan(&existing); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return false, Err.New("unknown grant %q at host %d", grantID, hostID)
		}
		return false, Err.Wrap(scanErr)
	}
	if existing.Valid {
		return true, nil
	}

	_, err = s.conn.ExecContext(ctx, db.Rebind(s.conn.Driver(), `
		UPDATE grants SET redeemed_at = ? WHERE grant_id = ? AND host_id = ? AND redeemed_at IS NULL`),
		s.clock.Now(), grantID, hostID)
	if err != nil {
		return false, Err.Wrap(err)
	}
	return false, nil
}

// AllocationAmount applies spec.md §4.4's allocation rule: round the
// projected total usage up to the next AllocationUnit multiple.
func AllocationAmount(currentlyStored, expectedUploadSize int64) int64 {
	total := currentlyStored + expectedUploadSize
	units := math.Ceil(float64(total) / float64(AllocationUnit))
	return int64(units) * AllocationUnit
}

// EnsureCapacity implements the upload-time allocation rule: if the
// user's existing authorization at host can't cover expectedUploadSize
// on top of what's already stored there, a fresh grant is generated
// and its token returned; otherwise no grant is issued and token is
// empty.
func (s *Store) EnsureCapacity(ctx context.Context, userID int64, keyFingerprint string, host Host, expectedUploadSize int64) (grant *Grant, token string, err error) {
	existingAuth, err := s.ExistingAuthorization(ctx, userID, host.ID)
	if err != nil {
		return nil, "", err
	}
	stored, err := s.CurrentlyStored(ctx, userID, host.ID)
	if err != nil {
		return nil, "", err
	}

	if existingAuth-stored >= expectedUploadSize {
		return nil, "", nil
	}

	amount := AllocationAmount(stored, expectedUploadSize)
	return s.GenerateGrant(ctx, userID, keyFingerprint, host, amount)
}
