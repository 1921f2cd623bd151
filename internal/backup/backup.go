// Package backup uploads checkpointed database snapshots to S3-compatible
// object storage.
package backup

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

// Config carries the object storage connection settings. Endpoint may be
// a bare host:port (UseSSL decides the scheme) or a full http(s) URL.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Checkpointer flushes the write-ahead log into the main database file
// and knows where that file lives.
type Checkpointer interface {
	CheckpointNow(ctx context.Context) error
	Path() string
}

// Client handles snapshot uploads.
type Client struct {
	minioClient *minio.Client
	cfg         Config
	log         *logrus.Entry
}

// NewClient creates a new backup client.
func NewClient(cfg Config, log *logrus.Logger) (*Client, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	if cfg.AccessKey == "" {
		return nil, fmt.Errorf(
			"backup access key is required " +
				"(set backup.access_key or the MINIO_ACCESS_KEY environment variable)")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf(
			"backup secret key is required " +
				"(set backup.secret_key or the MINIO_SECRET_KEY environment variable)")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("backup bucket is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("backup endpoint is required (expected format: https://hostname:port)")
	}

	host := cfg.Endpoint
	secure := cfg.UseSSL
	if strings.Contains(cfg.Endpoint, "://") {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid backup endpoint '%s': %w (expected format: https://hostname:port)", cfg.Endpoint, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("invalid backup endpoint scheme '%s': must be http or https", u.Scheme)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("invalid backup endpoint '%s': missing hostname", cfg.Endpoint)
		}
		host = u.Host
		secure = u.Scheme == "https"
	}

	minioClient, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client for %s: %w", host, err)
	}

	return &Client{
		minioClient: minioClient,
		cfg:         cfg,
		log:         log.WithField("component", "backup"),
	}, nil
}

// EnsureBucket creates the target bucket when it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minioClient.BucketExists(ctx, c.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", c.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.minioClient.MakeBucket(ctx, c.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", c.cfg.Bucket, err)
	}
	c.log.WithField("bucket", c.cfg.Bucket).Info("Created backup bucket")
	return nil
}

// Snapshot checkpoints the database and uploads the main file. The file
// is read directly from disk, so run this while writers are quiescent.
// It returns the uploaded object name.
func (c *Client) Snapshot(ctx context.Context, db Checkpointer) (string, error) {
	if err := db.CheckpointNow(ctx); err != nil {
		return "", fmt.Errorf("checkpoint before snapshot failed: %w", err)
	}

	object := c.objectName(time.Now().UTC())
	info, err := c.minioClient.FPutObject(ctx, c.cfg.Bucket, object, db.Path(), minio.PutObjectOptions{
		ContentType: "application/vnd.sqlite3",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload snapshot: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"bucket": c.cfg.Bucket,
		"object": object,
		"bytes":  info.Size,
	}).Info("Snapshot uploaded")
	return object, nil
}

func (c *Client) objectName(now time.Time) string {
	name := fmt.Sprintf("contentstore-%s.db", now.Format("20060102-150405"))
	if c.cfg.Prefix != "" {
		return strings.TrimSuffix(c.cfg.Prefix, "/") + "/" + name
	}
	return name
}
