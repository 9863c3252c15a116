package minio

import (
	"context"
	"io"
	"path"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Target uploads backups to a MinIO bucket.
type Target struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewTarget creates a Target. prefix is prepended to all object keys.
func NewTarget(client *minio.Client, bucket, prefix string) *Target {
	return &Target{client: client, bucket: bucket, prefix: prefix}
}

// Dial connects to endpoint with static credentials.
func Dial(endpoint, accessKey, secretKey string, secure bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", endpoint)
	}
	return client, nil
}

// Key returns the object key of the backup named name.
func (t *Target) Key(name string) string {
	return path.Join(t.prefix, name)
}

// Put streams the image with an unknown size, which makes the client use a
// multipart upload.
func (t *Target) Put(ctx context.Context, name string, r io.Reader) error {
	_, err := t.client.PutObject(ctx, t.bucket, t.Key(name), r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return errors.Wrapf(err, "upload %s/%s", t.bucket, t.Key(name))
	}
	return nil
}
