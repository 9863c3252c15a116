package main

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/hupe1980/mvstore"
	"github.com/hupe1980/mvstore/backup"
	miniobackup "github.com/hupe1980/mvstore/backup/minio"
	s3backup "github.com/hupe1980/mvstore/backup/s3"
	"github.com/spf13/cobra"
)

func newBackupCmd(flags *rootFlags) *cobra.Command {
	var to, name string
	cmd := &cobra.Command{
		Use:   "backup FILE",
		Short: "Write an image of the last committed version to a directory or bucket",
		Long: `Write an image of the last committed version to a target:

  --to DIR                    a local directory
  --to s3://bucket/prefix     Amazon S3 (credentials from the environment)
  --to minio://bucket/prefix  MinIO, configured in the [minio] config section`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, c, err := flags.open(args[0], mvstore.ReadOnly())
			if err != nil {
				return err
			}
			defer st.Close()

			target, err := newTarget(cmd, c, to)
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(args[0])
			}
			n, err := backup.Run(cmd.Context(), st, target, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backed up version %d of %s to %s (%s)\n",
				st.Version(), args[0], to, humanize.IBytes(uint64(n)))
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target directory or s3:// or minio:// URL")
	cmd.Flags().StringVar(&name, "name", "", "name of the backup (default: base name of FILE)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newTarget(cmd *cobra.Command, c *config, to string) (backup.Target, error) {
	if !strings.Contains(to, "://") {
		return backup.NewLocalTarget(to, nil), nil
	}
	u, err := url.Parse(to)
	if err != nil {
		return nil, errors.Wrapf(err, "target %q", to)
	}
	bucket, prefix := u.Host, strings.TrimPrefix(u.Path, "/")

	switch u.Scheme {
	case "s3":
		partSize, err := parseSize("s3.part-size", c.S3.PartSize)
		if err != nil {
			return nil, err
		}
		t, err := s3backup.New(cmd.Context(), bucket, prefix, s3backup.UploadConfig{
			PartSize:       partSize,
			Concurrency:    c.S3.Concurrency,
			EnableChecksum: true,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	case "minio":
		if c.Minio.Endpoint == "" {
			return nil, errors.New("minio target needs minio.endpoint in the config file")
		}
		client, err := miniobackup.Dial(c.Minio.Endpoint, c.Minio.AccessKey, c.Minio.SecretKey, c.Minio.Secure)
		if err != nil {
			return nil, err
		}
		return miniobackup.NewTarget(client, bucket, prefix), nil
	default:
		return nil, errors.Newf("target %q: unsupported scheme %q", to, u.Scheme)
	}
}
