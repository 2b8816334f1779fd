package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"imgbuild/internal/codec"
	"imgbuild/internal/models"
)

const s3Scheme = "s3://"

var ErrNoObjectStore = errors.New("object storage is not configured")

// Sink writes bytes verbatim to a location and returns where they ended up.
type Sink interface {
	Put(ctx context.Context, location string, data []byte) (string, error)
}

// IsObjectLocation reports whether loc names an S3 object or prefix.
func IsObjectLocation(loc string) bool {
	return strings.HasPrefix(loc, s3Scheme)
}

// JoinLocation appends name to a directory path or an s3:// prefix.
func JoinLocation(dir, name string) string {
	if IsObjectLocation(dir) {
		return strings.TrimSuffix(dir, "/") + "/" + name
	}
	return filepath.Join(dir, name)
}

type FSSink struct{}

func (FSSink) Put(_ context.Context, location string, data []byte) (string, error) {
	const op = "persist.FSSink.Put"

	if err := os.MkdirAll(filepath.Dir(location), 0o755); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := os.WriteFile(location, data, 0o644); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return location, nil
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Sink struct {
	client objectPutter
}

// NewS3Sink builds a client from the default AWS chain, overridden by static
// keys and a custom endpoint (MinIO and friends) when configured.
func NewS3Sink(ctx context.Context, cfg models.S3Config) (*S3Sink, error) {
	const op = "persist.NewS3Sink"

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Sink{client: client}, nil
}

func (s *S3Sink) Put(ctx context.Context, location string, data []byte) (string, error) {
	const op = "persist.S3Sink.Put"

	bucket, key, err := parseObjectLocation(location)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	contentType := "application/octet-stream"
	if f, ok := codec.FormatFromExt(path.Ext(key)); ok {
		contentType = f.MIME()
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return location, nil
}

func parseObjectLocation(loc string) (bucket, key string, err error) {
	u, err := url.Parse(loc)
	if err != nil {
		return "", "", err
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "s3" || u.Host == "" || key == "" {
		return "", "", fmt.Errorf("invalid object location %q", loc)
	}
	return u.Host, key, nil
}
