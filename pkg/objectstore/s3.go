package objectstore

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
)

// minPartSize is the S3 multipart lower bound (5 MiB per part, except
// the final part).
const minPartSize = 5 << 20

// S3Store stores objects in a single bucket of an S3-compatible
// service via minio-go/v7, the same client library the teacher's
// go.mod carries for its gateway code (pkg/miniogw), used here as a
// client against an external bucket rather than as a server-side
// ObjectLayer.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ MultipartStore = (*S3Store)(nil)

// NewS3Store returns an S3Store writing under bucket, with every key
// prefixed by prefix (spec.md §9's "bucket prefix" requirement).
func NewS3Store(client *minio.Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(key), r, size, minio.PutObjectOptions{})
	if err != nil {
		return Err.Wrap(err)
	}
	return nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, Err.Wrap(err)
	}

	// minio-go returns a lazy handle; the first stat confirms the
	// object actually exists rather than deferring that discovery to
	// the caller's first Read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if errResp := minio.ToErrorResponse(err); errResp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, Err.Wrap(err)
	}
	return obj, nil
}

// Delete implements Store. Deleting a missing key is not an error,
// matching minio-go's own RemoveObject semantics against S3.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, s.objectKey(key), minio.RemoveObjectOptions{}); err != nil {
		return Err.Wrap(err)
	}
	return nil
}

// RenameIfNotExists implements Store. S3 has no native rename, so
// this copies then deletes the source, guarded by a HeadObject check
// on the destination; the check-then-copy is not atomic against a
// racing writer of the same destination key, which is acceptable here
// because destination keys are content-addressed (two writers racing
// to create the same CID write identical bytes).
func (s *S3Store) RenameIfNotExists(ctx context.Context, src, dst string) error {
	_, err := s.client.StatObject(ctx, s.bucket, s.objectKey(dst), minio.StatObjectOptions{})
	if err == nil {
		return ErrAlreadyExists
	}
	if errResp := minio.ToErrorResponse(err); errResp.Code != "NoSuchKey" {
		return Err.Wrap(err)
	}

	_, err = s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: s.objectKey(dst)},
		minio.CopySrcOptions{Bucket: s.bucket, Object: s.objectKey(src)},
	)
	if err != nil {
		return Err.Wrap(err)
	}

	return s.Delete(ctx, src)
}

// PutMultipart implements MultipartStore.
func (s *S3Store) PutMultipart(ctx context.Context, key string) (Multipart, error) {
	return &s3Multipart{
		ctx:    ctx,
		client: s.client,
		bucket: s.bucket,
		key:    s.objectKey(key),
		parts:  make(map[int]minio.ObjectPart),
	}, nil
}

type s3Multipart struct {
	ctx    context.Context
	client *minio.Client
	bucket string
	key    string

	uploadID string
	parts    map[int]minio.ObjectPart
}

// ensureStarted issues CreateMultipartUpload through minio.Core's
// low-level multipart API on the first UploadPart; a session that never
// uploads a part never creates one, and its Complete returns an error.
func (m *s3Multipart) ensureStarted() error {
	if m.uploadID != "" {
		return nil
	}
	core := minio.Core{Client: m.client}
	uploadID, err := core.NewMultipartUpload(m.ctx, m.bucket, m.key, minio.PutObjectOptions{})
	if err != nil {
		return Err.Wrap(err)
	}
	m.uploadID = uploadID
	return nil
}

// UploadPart implements Multipart.
func (m *s3Multipart) UploadPart(ctx context.Context, partNumber int, r io.Reader, size int64) error {
	if size < minPartSize {
		// Buffer short final parts; S3 requires every part but the
		// last to meet the minimum, and callers may not know in
		// advance which part is last.
		buf := new(bytes.Buffer)
		if _, err := io.CopyN(buf, r, size); err != nil {
			return Err.Wrap(err)
		}
		r = buf
	}

	if err := m.ensureStarted(); err != nil {
		return err
	}

	core := minio.Core{Client: m.client}
	part, err := core.PutObjectPart(ctx, m.bucket, m.key, m.uploadID, partNumber, r, size, minio.PutObjectPartOptions{})
	if err != nil {
		return Err.Wrap(err)
	}
	m.parts[partNumber] = part
	return nil
}

// Complete implements Multipart.
func (m *s3Multipart) Complete(ctx context.Context) error {
	if m.uploadID == "" {
		// Nothing was ever uploaded in parts; there is no object to
		// complete. Callers that never call UploadPart should use Put
		// directly instead.
		return Err.New("complete called on a multipart session with no uploaded parts")
	}

	completeParts := make([]minio.CompletePart, 0, len(m.parts))
	for n, p := range m.parts {
		completeParts = append(completeParts, minio.CompletePart{PartNumber: n, ETag: p.ETag})
	}

	core := minio.Core{Client: m.client}
	_, err := core.CompleteMultipartUpload(ctx, m.bucket, m.key, m.uploadID, completeParts, minio.PutObjectOptions{})
	if err != nil {
		return Err.Wrap(err)
	}
	return nil
}

// Abort implements Multipart.
func (m *s3Multipart) Abort(ctx context.Context) error {
	if m.uploadID == "" {
		return nil
	}
	core := minio.Core{Client: m.client}
	if err := core.AbortMultipartUpload(ctx, m.bucket, m.key, m.uploadID); err != nil {
		return Err.Wrap(err)
	}
	return nil
}
