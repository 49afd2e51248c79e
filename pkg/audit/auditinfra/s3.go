package auditinfra

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/quantrail/identity/pkg/audit"
	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/logx"
)

// S3Exporter writes audit extracts to an object store, one JSON-lines object
// per export. Used for GDPR subject-access requests.
type S3Exporter struct {
	client *s3.Client
	bucket string
	log    *audit.Log
}

func NewS3Exporter(client *s3.Client, bucket string, log *audit.Log) *S3Exporter {
	return &S3Exporter{client: client, bucket: bucket, log: log}
}

// Export uploads every event matching the filter and returns the object key.
func (e *S3Exporter) Export(ctx context.Context, filter audit.Filter) (string, error) {
	var buf bytes.Buffer
	if err := e.log.ExportJSON(ctx, &buf, filter); err != nil {
		return "", err
	}

	key := fmt.Sprintf("audit-exports/%s/%d.jsonl", filter.Subject, time.Now().UTC().Unix())
	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", errx.Wrap(err, "uploading audit export", errx.TypeDependency).
			WithDetail("bucket", e.bucket).WithDetail("key", key)
	}
	logx.WithFields(logx.Fields{"key": key, "bytes": buf.Len()}).Info("audit export uploaded")
	return key, nil
}
