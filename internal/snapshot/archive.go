package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Archiver exports snapshots before the archive job deletes them.
type Archiver interface {
	Archive(ctx context.Context, snaps []*Snapshot) error
}

// S3Config configures the S3 archive sink.
type S3Config struct {
	Bucket      string // S3 bucket name
	Region      string // AWS region
	AccessKeyID string // optional, default credential chain when empty
	SecretKey   string // AWS secret key
	Endpoint    string // custom endpoint for MinIO and similar
	PathPrefix  string // key prefix, e.g. "sicc/snapshots"
	Compression bool   // gzip each object
}

// PutObjectAPI is the slice of the S3 client the archiver uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes each archived batch as one JSON-lines object.
type S3Archiver struct {
	cfg    S3Config
	client PutObjectAPI
	now    func() time.Time
}

// NewS3Archiver loads AWS configuration and builds the client.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 archive: bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 archive: load AWS config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return NewS3ArchiverWithClient(cfg, s3.NewFromConfig(awsCfg, s3Opts...)), nil
}

// NewS3ArchiverWithClient builds an archiver around an existing client.
func NewS3ArchiverWithClient(cfg S3Config, client PutObjectAPI) *S3Archiver {
	return &S3Archiver{cfg: cfg, client: client, now: time.Now}
}

func (a *S3Archiver) Archive(ctx context.Context, snaps []*Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, s := range snaps {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("encode snapshot %s: %w", s.ID, err)
		}
	}

	body := buf.Bytes()
	key := a.key(a.now().UTC())
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/x-ndjson"),
	}
	if a.cfg.Compression {
		var gz bytes.Buffer
		w := gzip.NewWriter(&gz)
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("compress archive: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("compress archive: %w", err)
		}
		body = gz.Bytes()
		input.ContentEncoding = aws.String("gzip")
	}
	input.Body = bytes.NewReader(body)

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload snapshot archive to s3://%s/%s: %w", a.cfg.Bucket, key, err)
	}
	return nil
}

func (a *S3Archiver) key(t time.Time) string {
	name := fmt.Sprintf("snapshots-%s-%s.jsonl", t.Format("20060102T150405Z"), uuid.NewString()[:8])
	if a.cfg.Compression {
		name += ".gz"
	}
	return path.Join(a.cfg.PathPrefix, t.Format("2006/01/02"), name)
}
