// Package apierror defines the error taxonomy shared by every core
// component (spec §7) as zeebo/errs classes, plus the kind→HTTP-status
// table cmd/core's HTTP handlers consult.
//
// Components return errors wrapped in one of these classes; callers
// use Class.Has to classify without caring about the underlying cause.
package apierror

import "github.com/zeebo/errs"

// Taxonomy of error kinds, matching spec.md §7 exactly.
var (
	// Input covers malformed multipart, invalid CAR pragma/CID, oversize
	// headers, and bad JSON.
	Input = errs.Class("input")

	// Authentication covers bad signature, invalid kid, expired token,
	// audience mismatch, subject mismatch.
	Authentication = errs.Class("authentication")

	// Authorization covers drive not owned by user, metadata not in
	// drive. Callers must not leak existence — map to 404, never 403.
	Authorization = errs.Class("authorization")

	// Quota covers insufficient authorized storage and per-user
	// hot-storage limit reached.
	Quota = errs.Class("quota")

	// Capacity covers no host having sufficient free bytes.
	Capacity = errs.Class("capacity")

	// Transient covers object-store failures and lost database
	// connections; background tasks retry on this class.
	Transient = errs.Class("transient")

	// Integrity covers a received stream's hash not matching the
	// client-declared digest.
	Integrity = errs.Class("integrity")

	// Logic covers invalid state transitions in the task queue or the
	// metadata state machine. Fatal for the operation.
	Logic = errs.Class("logic")
)

// Status is the HTTP status spec.md §7 assigns to each kind. cmd/core's
// handlers use this table to translate errors into responses.
func Status(err error) int {
	switch {
	case Input.Has(err):
		return 400
	case Authentication.Has(err):
		return 401
	case Authorization.Has(err):
		return 404
	case Quota.Has(err):
		return 413
	case Capacity.Has(err):
		return 500
	case Integrity.Has(err):
		return 422
	case Transient.Has(err):
		return 503
	case Logic.Has(err):
		return 500
	default:
		return 500
	}
}
