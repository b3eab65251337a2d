package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/apresai/dubber/internal/manifest"
)

// ObjectPutter is the subset of the S3 client used for uploads.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// LoadAWSConfig loads the default AWS config with OpenTelemetry instrumentation.
func LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)
	return cfg, nil
}

// Storage handles S3 uploads of finished runs.
type Storage struct {
	client  ObjectPutter
	bucket  string
	baseURL string // public URL prefix; empty means s3:// URLs
}

// NewStorage creates an S3 storage handler.
func NewStorage(client ObjectPutter, bucket, baseURL string) *Storage {
	return &Storage{client: client, bucket: bucket, baseURL: strings.TrimRight(baseURL, "/")}
}

// URL returns the address of key.
func (s *Storage) URL(key string) string {
	if s.baseURL != "" {
		return s.baseURL + "/" + key
	}
	return "s3://" + s.bucket + "/" + key
}

// Upload uploads a local file to key and returns its URL.
func (s *Storage) Upload(ctx context.Context, key, localPath, contentType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", localPath, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          f,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s to s3: %w", key, err)
	}
	return s.URL(key), nil
}

// Publication describes an uploaded run.
type Publication struct {
	ID          string
	Prefix      string
	ManifestURL string
	AudioURLs   []string
}

// PublishRun uploads every audio file named in the manifest and a copy of the
// manifest whose paths point at the uploaded objects. Objects are stored
// under <prefix>/<ulid>/.
func (s *Storage) PublishRun(ctx context.Context, manifestPath, prefix string) (*Publication, error) {
	entries, err := manifest.Read(manifestPath)
	if err != nil {
		return nil, err
	}

	id := ulid.Make().String()
	base := path.Join(strings.Trim(prefix, "/"), id)
	pub := &Publication{ID: id, Prefix: base}

	remote := make([]manifest.Entry, len(entries))
	for i, e := range entries {
		key := path.Join(base, filepath.Base(e.Path))
		url, err := s.Upload(ctx, key, e.Path, "audio/wav")
		if err != nil {
			return nil, err
		}
		pub.AudioURLs = append(pub.AudioURLs, url)
		remote[i] = e
		remote[i].Path = url
	}

	var buf bytes.Buffer
	if err := manifest.Format(&buf, remote); err != nil {
		return nil, fmt.Errorf("format manifest: %w", err)
	}
	key := path.Join(base, filepath.Base(manifestPath))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String("text/plain; charset=utf-8"),
		ContentLength: aws.Int64(int64(buf.Len())),
	})
	if err != nil {
		return nil, fmt.Errorf("upload manifest to s3: %w", err)
	}
	pub.ManifestURL = s.URL(key)
	return pub, nil
}
