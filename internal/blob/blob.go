// Package blob implements the content-addressed archive store on S3.
// Blobs are keyed by the hash of their bytes, so writing a payload that
// already exists is a no-op and byte-identical archives are stored once.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/vscavator/vscavator/internal/config"
)

// PutResult reports what a PutIfAbsent call did.
type PutResult int

const (
	// Stored means the blob was written for the first time.
	Stored PutResult = iota
	// AlreadyExists means a blob with the same content address was
	// already present and no bytes were written.
	AlreadyExists
)

// Store is the content-addressed blob store boundary.
type Store interface {
	// PutIfAbsent writes the payload under its content address unless a
	// blob with that address already exists.
	PutIfAbsent(ctx context.Context, contentAddress string, body io.Reader, size int64) (PutResult, error)

	// Exists reports whether a blob with the given content address is
	// already stored.
	Exists(ctx context.Context, contentAddress string) (bool, error)

	// ListAddresses returns the content address of every blob under the
	// store's key prefix.
	ListAddresses(ctx context.Context) ([]string, error)

	// Key returns the object key a content address maps to.
	Key(contentAddress string) string
}

// s3API is the slice of the S3 client the store uses.
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type s3Store struct {
	client s3API
	bucket string
	prefix string
}

// New creates an S3-backed blob store from the given configuration.
func New(ctx context.Context, cfg *config.BlobConfig) (Store, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, fmt.Errorf("blob bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &s3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.GetKeyPrefix(),
	}, nil
}

// newWithClient is the test seam.
func newWithClient(client s3API, bucket, prefix string) *s3Store {
	return &s3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *s3Store) Key(contentAddress string) string {
	// Fan keys out by the first two hex digits to keep listings shallow.
	if len(contentAddress) < 2 {
		return fmt.Sprintf("%s/%s.vsix", s.prefix, contentAddress)
	}
	return fmt.Sprintf("%s/%s/%s.vsix", s.prefix, contentAddress[:2], contentAddress)
}

func (s *s3Store) Exists(ctx context.Context, contentAddress string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(contentAddress)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to probe blob %s: %w", contentAddress, err)
	}
	return true, nil
}

func (s *s3Store) PutIfAbsent(
	ctx context.Context, contentAddress string, body io.Reader, size int64,
) (PutResult, error) {
	exists, err := s.Exists(ctx, contentAddress)
	if err != nil {
		return 0, err
	}
	if exists {
		slog.Debug("Blob already stored, skipping upload", "content_address", contentAddress)
		return AlreadyExists, nil
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(contentAddress)),
		Body:        body,
		ContentType: aws.String("application/octet-stream"),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return 0, fmt.Errorf("failed to store blob %s: %w", contentAddress, err)
	}

	slog.Debug("Blob stored", "content_address", contentAddress, "size", size)
	return Stored, nil
}

func (s *s3Store) ListAddresses(ctx context.Context) ([]string, error) {
	var addresses []string
	var continuationToken *string

	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix + "/"),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs: %w", err)
		}

		for _, obj := range out.Contents {
			if addr, ok := addressFromKey(aws.ToString(obj.Key)); ok {
				addresses = append(addresses, addr)
			}
		}

		if !aws.ToBool(out.IsTruncated) {
			return addresses, nil
		}
		continuationToken = out.NextContinuationToken
	}
}

// addressFromKey recovers the content address from an object key, ignoring
// objects that do not follow the store's key layout.
func addressFromKey(key string) (string, bool) {
	name := path.Base(key)
	addr, ok := strings.CutSuffix(name, ".vsix")
	if !ok || addr == "" {
		return "", false
	}
	return addr, true
}

// isNotFound reports whether an S3 error means the object does not exist.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

// ContentAddress returns the hex-encoded SHA-256 of everything read from r.
func ContentAddress(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
