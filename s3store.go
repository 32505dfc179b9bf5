package scriptrt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures the S3-compatible object backend. Endpoint may
// point at R2, MinIO or SeaweedFS; path-style addressing is always
// used so bucket names with dots work.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3ObjectStore implements ObjectStore on any S3-compatible backend.
// Tenant buckets are created lazily on first upload.
type S3ObjectStore struct {
	client  *s3.Client
	presign *s3.PresignClient

	mu      sync.Mutex
	buckets map[string]bool
}

// NewS3ObjectStore builds the client and verifies nothing; the first
// call does.
func NewS3ObjectStore(ctx context.Context, cfg S3Config) (*S3ObjectStore, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading s3 config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})
	return &S3ObjectStore{
		client:  client,
		presign: s3.NewPresignClient(client),
		buckets: make(map[string]bool),
	}, nil
}

// ensureBucket creates the bucket once per process; already-owned
// errors are fine.
func (s *S3ObjectStore) ensureBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	known := s.buckets[bucket]
	s.mu.Unlock()
	if known {
		return nil
	}
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		var exists *s3types.BucketAlreadyExists
		if !errors.As(err, &owned) && !errors.As(err, &exists) {
			return fmt.Errorf("creating bucket %s: %w", bucket, err)
		}
	}
	s.mu.Lock()
	s.buckets[bucket] = true
	s.mu.Unlock()
	return nil
}

func (s *S3ObjectStore) List(ctx context.Context, bucket, prefix string) ([]ObjectMeta, error) {
	var out []ObjectMeta
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			if isNoSuchBucket(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("listing %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			m := ObjectMeta{Path: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				m.LastModified = *obj.LastModified
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *S3ObjectStore) Exists(ctx context.Context, bucket, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) || isNoSuchBucket(err) {
			return false, nil
		}
		return false, fmt.Errorf("heading %s/%s: %w", bucket, path, err)
	}
	return true, nil
}

func (s *S3ObjectStore) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	res, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) || isNoSuchBucket(err) {
			return nil, errNotFound("file " + path)
		}
		return nil, fmt.Errorf("getting %s/%s: %w", bucket, path, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", bucket, path, err)
	}
	return data, nil
}

func (s *S3ObjectStore) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error {
	if err := s.ensureBucket(ctx, bucket); err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(path),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("putting %s/%s: %w", bucket, path, err)
	}
	return nil
}

func (s *S3ObjectStore) Delete(ctx context.Context, bucket, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(path),
	})
	if err != nil && !isNoSuchBucket(err) {
		return fmt.Errorf("deleting %s/%s: %w", bucket, path, err)
	}
	return nil
}

func (s *S3ObjectStore) PresignGet(ctx context.Context, bucket, path string, expiry time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(path),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presigning %s/%s: %w", bucket, path, err)
	}
	return req.URL, nil
}

func isNoSuchBucket(err error) bool {
	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	// Some S3-compatible backends return the code without the typed
	// error shape.
	return strings.Contains(err.Error(), "NoSuchBucket")
}
