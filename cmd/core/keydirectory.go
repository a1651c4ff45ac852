package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"

	"github.com/arcaio/core/core/db"
	"github.com/arcaio/core/pkg/auth"
)

// userKeyDirectory satisfies pkg/auth.KeyDirectory against user_keys:
// a client's kid resolves to that user's registered public key, with
// owner formatted as "{user_id}@{fingerprint}" — the same subject
// shape core/grants.GenerateGrant mints, so core/upload's
// authenticate can split it back apart without a second lookup.
type userKeyDirectory struct {
	conn *db.Conn
}

func (d *userKeyDirectory) Lookup(kid string) (*ecdsa.PublicKey, string, error) {
	var userID int64
	var der []byte
	row := d.conn.QueryRowContext(context.Background(), db.Rebind(d.conn.Driver(), `
		SELECT user_id, public_key_der FROM user_keys WHERE key_fingerprint = ?`), kid)
	if err := row.Scan(&userID, &der); err != nil {
		return nil, "", auth.ErrUnidentifiedKey
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, "", auth.Err.Wrap(err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, "", auth.ErrInvalidKeyFormat
	}
	return ecPub, fmt.Sprintf("%d@%s", userID, kid), nil
}

var _ auth.KeyDirectory = (*userKeyDirectory)(nil)
