package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client used by the S3 backend.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config configures an S3 backend built from the default AWS credential
// chain.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the service endpoint, for S3 compatible stores.
	Endpoint string
	// PathStyle forces path style addressing.
	PathStyle bool
	// HTTPClient is used for all requests when set.
	HTTPClient *http.Client
}

// S3 implements Backend on an S3 bucket. PutObject is atomic so readers
// never observe a partial object.
type S3 struct {
	client S3API
	bucket string
	prefix string
	tmpDir string
}

// S3Option configures an S3 backend.
type S3Option func(*S3)

// WithKeyPrefix stores every key under prefix within the bucket.
func WithKeyPrefix(prefix string) S3Option {
	return func(b *S3) {
		b.prefix = strings.Trim(prefix, "/")
	}
}

// WithSpoolDir sets the directory used to stage streamed writes before upload.
func WithSpoolDir(dir string) S3Option {
	return func(b *S3) {
		b.tmpDir = dir
	}
}

// NewS3 wraps an existing client.
func NewS3(client S3API, bucket string, opts ...S3Option) *S3 {
	b := &S3{client: client, bucket: bucket}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewS3FromConfig loads the default AWS configuration and returns an S3
// backend for cfg.Bucket.
func NewS3FromConfig(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.HTTPClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	opts = append([]S3Option{WithKeyPrefix(cfg.Prefix)}, opts...)
	return NewS3(client, cfg.Bucket, opts...), nil
}

func (b *S3) Write(ctx context.Context, key string, r io.Reader) error {
	w, err := b.Writer(ctx, key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		return fmt.Errorf("writing data: %w", err)
	}
	return w.Close()
}

func (b *S3) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	objKey, err := b.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting object %s: %w", objKey, err)
	}
	return out.Body, nil
}

func (b *S3) Delete(ctx context.Context, key string) error {
	objKey, err := b.objectKey(key)
	if err != nil {
		return err
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("deleting object %s: %w", objKey, err)
	}
	return nil
}

func (b *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.Stat(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *S3) Stat(ctx context.Context, key string) (Info, error) {
	objKey, err := b.objectKey(key)
	if err != nil {
		return Info{}, err
	}
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("head object %s: %w", objKey, err)
	}
	return Info{
		Key:     b.stripPrefix(objKey),
		Size:    aws.ToInt64(out.ContentLength),
		ModTime: aws.ToTime(out.LastModified),
	}, nil
}

func (b *S3) List(ctx context.Context, prefix string) ([]string, error) {
	prefix, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	listPrefix := b.join(prefix)
	if listPrefix != "" {
		listPrefix += "/"
	}

	var (
		keys  []string
		token *string
	)
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(listPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing objects under %s: %w", listPrefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, b.stripPrefix(aws.ToString(obj.Key)))
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

// Writer spools to a local temp file and uploads it on Close. The object
// only exists in the bucket once the upload succeeds.
func (b *S3) Writer(ctx context.Context, key string) (PendingWriter, error) {
	objKey, err := b.objectKey(key)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(b.tmpDir, "s3-spool-*")
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	return &s3Writer{ctx: ctx, b: b, key: objKey, f: tmp}, nil
}

func (b *S3) objectKey(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, key)
	}
	return b.join(cleaned), nil
}

func (b *S3) join(key string) string {
	if b.prefix == "" {
		return key
	}
	if key == "" {
		return b.prefix
	}
	return path.Join(b.prefix, key)
}

func (b *S3) stripPrefix(objKey string) string {
	if b.prefix == "" {
		return objKey
	}
	return strings.TrimPrefix(objKey, b.prefix+"/")
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

type s3Writer struct {
	ctx  context.Context
	b    *S3
	key  string
	f    *os.File
	size int64
	done bool
}

func (w *s3Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *s3Writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.cleanup()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding spool file: %w", err)
	}
	start := time.Now()
	_, err := w.b.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(w.b.bucket),
		Key:           aws.String(w.key),
		Body:          w.f,
		ContentLength: aws.Int64(w.size),
		ContentType:   aws.String(contentTypeFor(w.key)),
	})
	if err != nil {
		return fmt.Errorf("putting object %s after %s: %w", w.key, time.Since(start), err)
	}
	return nil
}

func (w *s3Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.cleanup()
	return nil
}

func (w *s3Writer) cleanup() {
	_ = w.f.Close()
	_ = os.Remove(w.f.Name())
}

func contentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".jpeg", ".jpg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

var (
	_ WriterBackend = (*S3)(nil)
	_ StatBackend   = (*S3)(nil)
)
