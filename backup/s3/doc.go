// Package s3 provides an Amazon S3 backup target.
//
// # Usage
//
//	target, err := s3.New(ctx, "my-bucket", "backups/", s3.DefaultUploadConfig())
//	n, err := backup.Run(ctx, store, target, "data.mv")
//
// Images are streamed with multipart uploads and CRC32C checksums.
package s3
