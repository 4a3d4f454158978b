// Package archive keeps point-in-time copies of manifest artifacts in S3
// compatible object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Archiver stores manifest snapshots.
type Archiver interface {
	Archive(ctx context.Context, customerID, revision string, manifest []byte) (string, error)
}

// Nop discards snapshots.
type Nop struct{}

func (Nop) Archive(context.Context, string, string, []byte) (string, error) { return "", nil }

// S3Archiver writes snapshots to manifests/<customer>/<timestamp>-<revision>.yaml.
type S3Archiver struct {
	client *s3.Client
	bucket string
	now    func() time.Time
	logger zerolog.Logger
}

// NewS3Archiver creates an archiver for a path-style S3 endpoint such as
// Ceph RGW or MinIO.
func NewS3Archiver(endpoint, accessKey, secretKey, bucket string, logger zerolog.Logger) *S3Archiver {
	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(endpoint),
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		UsePathStyle: true,
	})
	return &S3Archiver{
		client: client,
		bucket: bucket,
		now:    time.Now,
		logger: logger.With().Str("component", "manifest-archive").Logger(),
	}
}

// Key returns the object key of a snapshot.
func Key(customerID, revision string, at time.Time) string {
	return fmt.Sprintf("manifests/%s/%s-%s.yaml", customerID, at.UTC().Format("20060102T150405Z"), revision)
}

// Archive uploads one snapshot and returns its key.
func (a *S3Archiver) Archive(ctx context.Context, customerID, revision string, manifest []byte) (string, error) {
	key := Key(customerID, revision, a.now())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(manifest),
		ContentType: aws.String("application/yaml"),
		Metadata: map[string]string{
			"customer-id": customerID,
			"revision":    revision,
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive manifest for %s: %w", customerID, err)
	}
	a.logger.Debug().Str("customer", customerID).Str("key", key).Msg("manifest archived")
	return key, nil
}

// History lists the snapshot keys of a customer, oldest first.
func (a *S3Archiver) History(ctx context.Context, customerID string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String("manifests/" + customerID + "/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list manifest history for %s: %w", customerID, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}
