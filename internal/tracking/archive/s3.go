// Package archive keeps raw provider payloads in S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"
)

// Archiver stores a raw payload and returns its object key.
type Archiver interface {
	Put(ctx context.Context, kind, id string, body []byte) (string, error)
}

// S3Config describes the bucket the archive writes to.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string
}

// S3Archive writes payloads as JSON objects under
// {prefix}/{kind}/{yyyy}/{mm}/{dd}/{id}-{uuid}.json.
type S3Archive struct {
	api    s3iface.S3API
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Session builds an S3 client for cfg. Static credentials are used when
// both keys are set; otherwise the default AWS chain applies.
func NewS3Session(cfg S3Config) (s3iface.S3API, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("archive: s3 session: %w", err)
	}
	return s3.New(sess), nil
}

func NewS3Archive(api s3iface.S3API, bucket, prefix string) (*S3Archive, error) {
	if api == nil || strings.TrimSpace(bucket) == "" {
		return nil, errors.New("archive: s3 client and bucket are required")
	}
	return &S3Archive{
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
	}, nil
}

// WithClock overrides the time source used for key partitioning.
func (a *S3Archive) WithClock(now func() time.Time) *S3Archive {
	a.now = now
	return a
}

func (a *S3Archive) Put(ctx context.Context, kind, id string, body []byte) (string, error) {
	key := a.key(kind, id)
	_, err := a.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	return key, nil
}

func (a *S3Archive) key(kind, id string) string {
	id = sanitize(id)
	if id == "" {
		id = "unknown"
	}
	day := a.now().UTC().Format("2006/01/02")
	name := id + "-" + uuid.NewString() + ".json"
	return path.Join(a.prefix, sanitize(kind), day, name)
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}

// Nop discards payloads.
type Nop struct{}

func (Nop) Put(context.Context, string, string, []byte) (string, error) { return "", nil }
