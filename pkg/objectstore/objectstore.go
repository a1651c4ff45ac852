// Package objectstore abstracts the durable blob backend behind the
// capability set spec.md §9 names: put, put_multipart, get, delete,
// rename_if_not_exists, abort_multipart. Two implementations satisfy
// Store: a local filesystem tree and an S3-compatible bucket via
// minio-go/v7.
//
// The interface split (a base Store plus an optional MultipartStore)
// is grounded on other_examples' dittofs ContentStore /
// IncrementalWriteStore capability split — a backend only needs to
// implement multipart support if it can actually benefit from it, the
// way dittofs makes IncrementalWriteStore optional for backends (local
// fs, memory) that don't need chunked uploads.
package objectstore

import (
	"context"
	"io"

	"github.com/zeebo/errs"
)

// Err is the class for every object store failure.
var Err = errs.Class("objectstore")

// ErrNotFound is returned by Get and Delete-adjacent checks when the
// key does not exist.
var ErrNotFound = Err.New("object not found")

// ErrAlreadyExists is returned by RenameIfNotExists when the
// destination key is already occupied.
var ErrAlreadyExists = Err.New("destination already exists")

// Store is the baseline capability every backend provides.
type Store interface {
	// Put uploads the full contents of r under key, replacing any
	// existing object.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get returns a reader for the object at key. The caller must
	// close it. Returns ErrNotFound if key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object at key. Deleting a missing key is not
	// an error, matching the idempotent-delete convention used
	// throughout the corpus's cleanup tasks.
	Delete(ctx context.Context, key string) error

	// RenameIfNotExists atomically moves src to dst only if dst does
	// not already exist; returns ErrAlreadyExists otherwise. Used to
	// promote a staged upload into its final, content-addressed
	// location without a check-then-act race.
	RenameIfNotExists(ctx context.Context, src, dst string) error
}

// MultipartStore is the optional capability for backends that can
// stream an upload in parts rather than buffering the whole object.
// The local filesystem backend does not implement this (writes are
// already incremental to a temp file); the S3 backend does, using
// native multipart uploads.
type MultipartStore interface {
	Store

	// PutMultipart begins a multipart upload under key and returns a
	// session handle; neither backend here resumes an existing session.
	PutMultipart(ctx context.Context, key string) (Multipart, error)
}

// Multipart is one in-progress multipart upload session.
type Multipart interface {
	// UploadPart uploads one part; partNumber is 1-based and parts may
	// be uploaded out of order by the caller, but most callers upload
	// sequentially since the upload source is a single stream.
	UploadPart(ctx context.Context, partNumber int, r io.Reader, size int64) error

	// Complete finalizes the upload, making the object available at
	// its key.
	Complete(ctx context.Context) error

	// Abort cancels the session and releases any storage the backend
	// reserved for uncommitted parts.
	Abort(ctx context.Context) error
}
