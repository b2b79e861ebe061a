// Package s3 archives closed cases to object storage.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/domain"
)

// CaseArchive is the document written for a closed case
type CaseArchive struct {
	Case   *domain.Case    `json:"case"`
	Alerts []*domain.Alert `json:"alerts"`
}

// Archiver implements alerts.Archiver
type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewArchiver builds an S3 client. A custom endpoint switches to path-style
// addressing for MinIO and Localstack.
func NewArchiver(ctx context.Context, cfg config.StorageConfig) (*Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Archive uploads the case and its alerts as one JSON object
func (a *Archiver) Archive(ctx context.Context, c *domain.Case, alerts []*domain.Alert) error {
	data, err := json.Marshal(CaseArchive{Case: c, Alerts: alerts})
	if err != nil {
		return fmt.Errorf("failed to marshal case archive: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.key(c)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload case archive: %w", err)
	}
	return nil
}

// key is <prefix>/year/month/day/<case id>.json, dated by closure
func (a *Archiver) key(c *domain.Case) string {
	at := c.UpdatedAt
	if c.ClosedAt != nil {
		at = *c.ClosedAt
	}
	at = at.UTC()
	return path.Join(a.prefix, fmt.Sprintf("%d/%02d/%02d", at.Year(), at.Month(), at.Day()), c.ID+".json")
}
