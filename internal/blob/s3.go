package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of *s3.Client used by S3.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 stores blobs as objects under Prefix in Bucket.
type S3 struct {
	Client S3API
	Bucket string
	Prefix string
}

// ParseS3URL splits "s3://bucket/some/prefix" (or "bucket/some/prefix")
// into bucket and key prefix.
func ParseS3URL(location string) (bucket, prefix string, err error) {
	loc := strings.TrimSpace(location)
	if strings.Contains(loc, "://") {
		u, perr := url.Parse(loc)
		if perr != nil {
			return "", "", fmt.Errorf("blob: parse %q: %w", location, perr)
		}
		if u.Scheme != "s3" {
			return "", "", fmt.Errorf("blob: unsupported scheme %q", u.Scheme)
		}
		bucket, prefix = u.Host, u.Path
	} else {
		bucket, prefix, _ = strings.Cut(loc, "/")
	}
	prefix = strings.Trim(prefix, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("blob: no bucket in %q", location)
	}
	return bucket, prefix, nil
}

// NewS3 loads AWS configuration (shared profile and region when given,
// the default chain otherwise) and returns a store at location.
func NewS3(ctx context.Context, location, profile, region string) (*S3, error) {
	bucket, prefix, err := ParseS3URL(location)
	if err != nil {
		return nil, err
	}
	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}
	return &S3{Client: s3.NewFromConfig(cfg), Bucket: bucket, Prefix: prefix}, nil
}

func (s *S3) key(p string) (string, error) {
	c, err := Clean(p)
	if err != nil {
		return "", err
	}
	if s.Prefix == "" {
		return c, nil
	}
	return path.Join(s.Prefix, c), nil
}

// Read implements Store.
func (s *S3) Read(ctx context.Context, p string) ([]byte, error) {
	key, err := s.key(p)
	if err != nil {
		return nil, err
	}
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.Bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: get s3://%s/%s: %w", s.Bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Write implements Store.
func (s *S3) Write(ctx context.Context, p string, data []byte) error {
	key, err := s.key(p)
	if err != nil {
		return err
	}
	ct := contentType(key)
	_, err = s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(ct),
	})
	if err != nil {
		return fmt.Errorf("blob: put s3://%s/%s: %w", s.Bucket, key, err)
	}
	return nil
}

func contentType(key string) string {
	ext := path.Ext(key)
	switch ext {
	case ".csv":
		return "text/csv"
	case ".log":
		return "text/plain"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
