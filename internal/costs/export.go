package costs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultExportRegion = "us-east-1"

type ExportConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

func (c ExportConfig) Normalized() ExportConfig {
	out := c
	out.Bucket = strings.TrimSpace(out.Bucket)
	out.Region = strings.TrimSpace(out.Region)
	out.Endpoint = strings.TrimRight(strings.TrimSpace(out.Endpoint), "/")
	out.Prefix = strings.Trim(strings.TrimSpace(out.Prefix), "/")
	out.AccessKeyID = strings.TrimSpace(out.AccessKeyID)
	out.SecretAccessKey = strings.TrimSpace(out.SecretAccessKey)
	out.SessionToken = strings.TrimSpace(out.SessionToken)
	if out.Region == "" {
		out.Region = defaultExportRegion
	}
	return out
}

func (c ExportConfig) Validate() error {
	c = c.Normalized()
	if c.Bucket == "" {
		return errors.New("export bucket is required")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return errors.New("export access key id and secret access key must be set together")
	}
	return nil
}

// ObjectPutter is the part of *s3.Client the exporter needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client for cfg. Static keys are used when set,
// otherwise the default AWS credential chain applies. A custom endpoint
// switches to path-style addressing for S3-compatible stores.
func NewS3Client(ctx context.Context, cfg ExportConfig) (*s3.Client, error) {
	cfg = cfg.Normalized()
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

type exportDocument struct {
	OrganizationID string     `json:"organizationId"`
	ExportedAt     time.Time  `json:"exportedAt"`
	Summary        Summary    `json:"summary"`
	ToolCosts      []ToolCost `json:"toolCosts"`
}

// Exporter uploads an organization's cost records as one JSON object.
type Exporter struct {
	client ObjectPutter
	bucket string
	prefix string
}

func NewExporter(client ObjectPutter, cfg ExportConfig) (*Exporter, error) {
	if client == nil {
		return nil, errors.New("export client is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Normalized()
	return &Exporter{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Export writes records under <prefix>/<org>/tool-costs-<timestamp>.json and
// returns the object key.
func (e *Exporter) Export(ctx context.Context, orgID string, records []ToolCost, now time.Time) (string, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return "", errors.New("organization id is required")
	}
	if records == nil {
		records = []ToolCost{}
	}
	now = now.UTC()
	body, err := json.Marshal(exportDocument{
		OrganizationID: orgID,
		ExportedAt:     now,
		Summary:        Summarize(records),
		ToolCosts:      records,
	})
	if err != nil {
		return "", fmt.Errorf("encode export: %w", err)
	}

	key := orgID + "/tool-costs-" + now.Format("20060102T150405Z") + ".json"
	if e.prefix != "" {
		key = e.prefix + "/" + key
	}
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("upload export s3://%s/%s: %w", e.bucket, key, err)
	}
	return key, nil
}
