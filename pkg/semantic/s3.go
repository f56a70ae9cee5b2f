package semantic

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
	"github.com/ha1tch/pgmeta/pkg/log"
)

// S3Config locates a schema document in S3 or an S3-compatible store.
type S3Config struct {
	URL       string // s3://bucket/key
	Region    string
	Endpoint  string // S3-compatible services; enables path-style addressing
	AccessKey string
	SecretKey string

	// TTL is how long a fetched document is served before it is fetched
	// again. Zero fetches on every call.
	TTL time.Duration
}

// S3Source serves a schema document stored as one S3 object.
type S3Source struct {
	client *s3.Client
	bucket string
	key    string
	ttl    time.Duration
	logger *log.Logger

	mu      sync.Mutex
	tables  []Table
	etag    string
	fetched time.Time
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(url string) (bucket, key string, err error) {
	if !strings.HasPrefix(url, "s3://") {
		return "", "", pmerrors.Newf(pmerrors.ErrCodeConfigInvalid, "not an s3:// URL: %s", url).
			WithOp("semantic.ParseS3URL").
			Err()
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(url, "s3://"), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", pmerrors.Newf(pmerrors.ErrCodeConfigInvalid, "invalid S3 URL: %s", url).
			WithOp("semantic.ParseS3URL").
			Err()
	}
	return bucket, key, nil
}

// NewS3Source creates a client for cfg. The object is not fetched until
// the first Tables call.
func NewS3Source(ctx context.Context, cfg S3Config, logger *log.Logger) (*S3Source, error) {
	bucket, key, err := ParseS3URL(cfg.URL)
	if err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		opts = append(opts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, pmerrors.Wrap(err, pmerrors.ErrCodeConfigInvalid, "loading AWS config").
			WithOp("semantic.NewS3Source").
			Err()
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	if logger == nil {
		logger = log.Default()
	}
	return &S3Source{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: bucket,
		key:    key,
		ttl:    cfg.TTL,
		logger: logger,
	}, nil
}

// Tables returns the schema, fetching the object when the cached copy has
// expired. A failed refetch returns the error; the cache is kept.
func (s *S3Source) Tables(ctx context.Context) ([]Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tables != nil && s.ttl > 0 && time.Since(s.fetched) < s.ttl {
		return clone(s.tables), nil
	}

	start := time.Now()
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, pmerrors.Wrap(err, pmerrors.ErrCodeSourceLoad, "fetching schema object").
			WithOp("S3Source.Tables").
			WithField("bucket", s.bucket).
			WithField("key", s.key).
			Err()
	}
	defer resp.Body.Close()

	tables, err := Decode(resp.Body)
	if err != nil {
		return nil, pmerrors.Wrap(err, pmerrors.GetCode(err), "reading schema object").
			WithOp("S3Source.Tables").
			WithField("bucket", s.bucket).
			WithField("key", s.key).
			Err()
	}

	etag := aws.ToString(resp.ETag)
	if etag != s.etag {
		s.logger.Catalog().Info("schema object loaded",
			"bucket", s.bucket,
			"key", s.key,
			"etag", etag,
			"tables", len(tables),
			"duration", time.Since(start),
		)
	}
	s.tables = tables
	s.etag = etag
	s.fetched = time.Now()
	return clone(tables), nil
}
