package main

import (
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/hupe1980/mvstore"
	"github.com/hupe1980/mvstore/internal/compress"
	"go.uber.org/zap/zapcore"
)

// config is the TOML configuration file of the command.
type config struct {
	CacheSize      string `toml:"cache-size"`
	PageSplitSize  int    `toml:"page-split-size"`
	MaxPageEntries int    `toml:"max-page-entries"`
	Compression    string `toml:"compression"`
	IOLimit        string `toml:"io-limit"`
	RetainVersions int64  `toml:"retain-versions"`
	LogLevel       string `toml:"log-level"`
	LogFormat      string `toml:"log-format"`

	S3    s3Config    `toml:"s3"`
	Minio minioConfig `toml:"minio"`
}

type s3Config struct {
	PartSize    string `toml:"part-size"`
	Concurrency int    `toml:"concurrency"`
}

type minioConfig struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access-key"`
	SecretKey string `toml:"secret-key"`
	Secure    bool   `toml:"secure"`
}

func defaultConfig() *config {
	return &config{
		LogLevel:  "warn",
		LogFormat: "text",
	}
}

// loadConfig reads path over the defaults. Unknown keys are an error.
func loadConfig(path string) (*config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %q", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.Newf("config %q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return c, nil
}

func parseSize(name, v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", name)
	}
	return int64(n), nil
}

// options maps the configuration onto store options.
func (c *config) options() ([]mvstore.Option, error) {
	var opts []mvstore.Option

	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log-level")
	}
	switch c.LogFormat {
	case "", "text":
		opts = append(opts, mvstore.WithLogger(mvstore.NewTextLogger(level)))
	case "json":
		opts = append(opts, mvstore.WithLogger(mvstore.NewJSONLogger(level)))
	default:
		return nil, errors.Newf("log-format %q: want text or json", c.LogFormat)
	}

	if c.CacheSize != "" {
		n, err := parseSize("cache-size", c.CacheSize)
		if err != nil {
			return nil, err
		}
		opts = append(opts, mvstore.WithCacheSize(n))
	}
	n, err := parseSize("io-limit", c.IOLimit)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		opts = append(opts, mvstore.WithIOLimit(n))
	}
	if c.PageSplitSize > 0 {
		opts = append(opts, mvstore.WithPageSplitSize(c.PageSplitSize))
	}
	if c.MaxPageEntries > 0 {
		opts = append(opts, mvstore.WithMaxPageEntries(c.MaxPageEntries))
	}
	if c.RetainVersions > 0 {
		opts = append(opts, mvstore.WithRetainVersions(c.RetainVersions))
	}
	if c.Compression != "" {
		t, err := compress.ParseType(c.Compression)
		if err != nil {
			return nil, errors.Wrap(err, "compression")
		}
		opts = append(opts, mvstore.WithCompression(t))
	}
	return opts, nil
}
