package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store implements ObjectStore over an S3-compatible backend (AWS S3 or
// MinIO), for the "remote_storage" configuration document adapter named in
// spec.md 6.
type S3Store struct {
	client *s3.Client
	bucket string
}

// S3Config holds explicit construction parameters. Production configuration
// normally comes from OpenS3FromEnv.
type S3Config struct {
	Region          string
	Bucket          string
	Endpoint        string // optional; set for MinIO or other S3-compatible endpoints
	PathStyle       bool
}

// NewS3 constructs an S3-backed ObjectStore from an S3Config.
func NewS3(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// OpenS3FromEnv constructs an S3 store from process environment, mirroring
// the local blob store's environment-variable convention.
func OpenS3FromEnv(ctx context.Context) (*S3Store, error) {
	bucket := os.Getenv("FLANES_REMOTE_S3_BUCKET")
	if bucket == "" {
		return nil, errors.New("FLANES_REMOTE_S3_BUCKET required for s3 remote_storage driver")
	}
	cfg := S3Config{
		Bucket:    bucket,
		Region:    os.Getenv("FLANES_REMOTE_S3_REGION"),
		Endpoint:  os.Getenv("FLANES_REMOTE_S3_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("FLANES_REMOTE_S3_PATH_STYLE"), "true"),
	}
	return NewS3(ctx, cfg)
}

// Put uploads content under key, overwriting any existing object; unlike the
// local CAS's create-only Put, the remote object namespace treats the same
// content-addressed key as safe to overwrite (identical bytes hash the same).
func (s *S3Store) Put(ctx context.Context, key string, content []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(content),
	})
	return err
}

// Get fetches an object, reporting (nil, false, nil) if it doesn't exist.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer out.Body.Close()
	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}

// List returns every key under prefix, sorted.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.IsTruncated != nil && *out.IsTruncated && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	sort.Strings(keys)
	return keys, nil
}
