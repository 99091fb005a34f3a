package ledger

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archive is a write-only sink for snapshot documents. Snapshots land in
// the store regardless; the archive is an additional off-box copy.
type Archive interface {
	Put(ctx context.Context, name string, data []byte) error
}

// OpenArchive builds an archive from a URI: file:///var/lib/caracal,
// s3://bucket/prefix, or gs://bucket/prefix.
func OpenArchive(ctx context.Context, uri string) (Archive, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("archive uri %q: %w", uri, err)
	}
	switch u.Scheme {
	case "file", "":
		dir := u.Path
		if u.Scheme == "" {
			dir = uri
		}
		return &FileArchive{Dir: dir}, nil
	case "s3":
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return &S3Archive{
			Client: s3.NewFromConfig(cfg),
			Bucket: u.Host,
			Prefix: strings.TrimPrefix(u.Path, "/"),
		}, nil
	case "gs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return &GCSArchive{
			Client: client,
			Bucket: u.Host,
			Prefix: strings.TrimPrefix(u.Path, "/"),
		}, nil
	default:
		return nil, fmt.Errorf("archive uri %q: unsupported scheme %q", uri, u.Scheme)
	}
}

// FileArchive writes snapshots under a local directory.
type FileArchive struct {
	Dir string
}

func (a *FileArchive) Put(ctx context.Context, name string, data []byte) error {
	full := filepath.Join(a.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("archive mkdir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("archive write %s: %w", name, err)
	}
	return nil
}

// S3Archive writes snapshots to an S3 bucket.
type S3Archive struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

func (a *S3Archive) Put(ctx context.Context, name string, data []byte) error {
	key := path.Join(a.Prefix, name)
	_, err := a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive put s3://%s/%s: %w", a.Bucket, key, err)
	}
	return nil
}

// GCSArchive writes snapshots to a Cloud Storage bucket.
type GCSArchive struct {
	Client *storage.Client
	Bucket string
	Prefix string
}

func (a *GCSArchive) Put(ctx context.Context, name string, data []byte) error {
	key := path.Join(a.Prefix, name)
	w := a.Client.Bucket(a.Bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("archive put gs://%s/%s: %w", a.Bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive put gs://%s/%s: %w", a.Bucket, key, err)
	}
	return nil
}
