// Package backup streams consistent store images to backup targets.
//
// A Target receives a named image as a stream. Run takes the image of the
// last committed version of an open store, so writers keep running while
// the backup is uploaded.
//
// # Built-in Targets
//
//   - LocalTarget: a directory on a file system
//   - MemoryTarget: in memory, for tests
//   - s3.Target: Amazon S3 with multipart uploads
//   - minio.Target: MinIO and other S3-compatible storage
//
// # Usage
//
//	target := backup.NewLocalTarget("/var/backups", nil)
//	n, err := backup.Run(ctx, store, target, "data.mv")
package backup
