package report

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
)

// S3PutAPI is the part of the S3 client the archive uses.
type S3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive stores daily and list reports as JSON objects. Progress
// notifications are not archived.
type S3Archive struct {
	client S3PutAPI
	bucket string
	prefix string
}

// NewS3Archive writes under prefix (default "reports") in bucket.
func NewS3Archive(client S3PutAPI, bucket, prefix string) *S3Archive {
	if prefix == "" {
		prefix = "reports"
	}
	return &S3Archive{client: client, bucket: bucket, prefix: prefix}
}

// DailyReport implements disparo.Reporter.
func (a *S3Archive) DailyReport(ctx context.Context, s disparo.DailySummary) error {
	return a.put(ctx, a.Key(s.Tenant, KindDaily, s.Date), s)
}

// ListReport implements disparo.Reporter.
func (a *S3Archive) ListReport(ctx context.Context, s disparo.ListSummary) error {
	date := s.CompletedAt.Format("2006-01-02")
	return a.put(ctx, a.Key(s.Tenant, KindList, s.List+"/"+date), s)
}

// Progress implements disparo.Reporter.
func (a *S3Archive) Progress(context.Context, disparo.ProgressUpdate) error { return nil }

// Key returns <prefix>/<tenant>/<kind>/<name>.json.
func (a *S3Archive) Key(tenant, kind, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s.json", a.prefix, tenant, kind, name)
}

func (a *S3Archive) put(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{"archived-at": time.Now().UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return fmt.Errorf("putting %s to S3: %w", key, err)
	}
	return nil
}
