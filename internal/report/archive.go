package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

// ArchiveConfig configures the S3-compatible report archive.
type ArchiveConfig struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// IsConfigured reports whether an archive bucket and credentials are set.
func (c ArchiveConfig) IsConfigured() bool {
	return util.IsConfigured(c.Bucket, c.AccessKeyID, c.SecretAccessKey)
}

// Archive stores every delivered payload as a JSON object.
type Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewArchive creates an archive client for cfg.
func NewArchive(cfg ArchiveConfig) (*Archive, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("report archive is not configured")
	}

	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKeyID,
		cfg.SecretAccessKey,
		"",
	)

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = "auto"
		},
	}

	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &Archive{
		client: s3.New(s3.Options{}, options...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// objectKey returns <prefix>/<yyyy>/<mm>/<dd>/<unix-nano>.json in UTC.
func objectKey(prefix string, at time.Time) string {
	at = at.UTC()
	return path.Join(prefix, at.Format("2006/01/02"), fmt.Sprintf("%d.json", at.UnixNano()))
}

// Store implements Archiver.
func (a *Archive) Store(ctx context.Context, p Payload, at time.Time) error {
	body, err := json.Marshal(struct {
		Payload
		Timestamp time.Time `json:"timestamp"`
	}{p, at.UTC()})
	if err != nil {
		return util.WrapError("marshal archive object", err)
	}

	key := objectKey(a.prefix, at)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
