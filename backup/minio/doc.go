// Package minio provides a backup target for MinIO and other S3-compatible
// storage systems, using the MinIO client.
//
// # Basic Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	target := miniobackup.NewTarget(client, "my-bucket", "backups/")
//	n, err := backup.Run(ctx, store, target, "data.mv")
package minio
