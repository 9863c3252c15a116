package s3

import (
	"context"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"
)

// UploadConfig configures multipart uploads.
type UploadConfig struct {
	// PartSize is the size of each uploaded part. Default: 8MB.
	PartSize int64

	// Concurrency is the number of parts uploaded in parallel. Default: 5.
	Concurrency int

	// EnableChecksum asks S3 to validate a CRC32C checksum. Default: true.
	EnableChecksum bool
}

// DefaultUploadConfig returns the default upload settings.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		PartSize:       8 * 1024 * 1024,
		Concurrency:    5,
		EnableChecksum: true,
	}
}

// Target uploads backups to an S3 bucket.
type Target struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	checksum bool
}

// NewTarget creates a Target using client. prefix is prepended to all
// object keys.
func NewTarget(client manager.UploadAPIClient, bucket, prefix string, cfg UploadConfig) *Target {
	def := DefaultUploadConfig()
	if cfg.PartSize <= 0 {
		cfg.PartSize = def.PartSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Target{
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = cfg.PartSize
			u.Concurrency = cfg.Concurrency
		}),
		bucket:   bucket,
		prefix:   prefix,
		checksum: cfg.EnableChecksum,
	}
}

// New creates a Target with the default AWS configuration of the
// environment. Zero fields of cfg take their defaults.
func New(ctx context.Context, bucket, prefix string, cfg UploadConfig) (*Target, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return NewTarget(s3.NewFromConfig(awsCfg), bucket, prefix, cfg), nil
}

// Key returns the object key of the backup named name.
func (t *Target) Key(name string) string {
	return path.Join(t.prefix, name)
}

// Put uploads the image. S3 makes an object visible only once the upload
// completes.
func (t *Target) Put(ctx context.Context, name string, r io.Reader) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.Key(name)),
		Body:   r,
	}
	if t.checksum {
		input.ChecksumAlgorithm = types.ChecksumAlgorithmCrc32c
	}
	if _, err := t.uploader.Upload(ctx, input); err != nil {
		return errors.Wrapf(err, "upload s3://%s/%s", t.bucket, t.Key(name))
	}
	return nil
}
