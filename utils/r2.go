// utils/r2.go
package utils

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gosimple/slug"
)

// R2Client archives raw IPN payloads to Cloudflare R2 so the callback audit
// trail survives database restores.
type R2Client struct {
	client *s3.Client
	bucket string
}

// NewR2Client builds the R2-backed archive. Returns nil (archiving
// disabled) when the bucket is not configured.
func NewR2Client(cfg *Config) (*R2Client, error) {
	if cfg.R2Bucket == "" {
		return nil, nil
	}

	awsCfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.R2AccessKeyID, cfg.R2AccessKeySecret, "",
		)),
		config.WithEndpointResolver(aws.EndpointResolverFunc(
			func(service, region string) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.R2AccountID),
				}, nil
			}),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	return &R2Client{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.R2Bucket,
	}, nil
}

// ArchiveIPNPayload stores one raw callback body. The order id comes from an
// untrusted payload, so it is slugified before becoming part of the object
// key.
func (c *R2Client) ArchiveIPNPayload(ctx context.Context, orderID string, body []byte) error {
	key := fmt.Sprintf("ipn/%s/%d.json", slug.Make(orderID), time.Now().UTC().UnixNano())

	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload IPN payload to R2: %w", err)
	}
	return nil
}
