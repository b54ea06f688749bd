// Package drafts stores arrow draft content as opaque blobs in object
// storage. The engine never interprets a draft; it only moves it between
// the caller and the bucket.
package drafts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Service struct {
	client *minio.Client
	bucket string
}

// New connects to MinIO and ensures the draft bucket exists. Callers run
// without drafts when endpoint is unconfigured.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect minio: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check draft bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create draft bucket: %w", err)
		}
	}

	return &Service{client: client, bucket: bucket}, nil
}

func objectKey(arrowID string) string {
	return "drafts/" + arrowID
}

// Put stores the draft blob for an arrow, replacing any previous draft.
func (s *Service) Put(ctx context.Context, arrowID, draft string) error {
	if s == nil {
		return nil
	}
	reader := strings.NewReader(draft)
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(arrowID), reader, int64(reader.Len()), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put draft %s: %w", arrowID, err)
	}
	return nil
}

// Get returns the draft blob for an arrow, or empty when none is stored.
func (s *Service) Get(ctx context.Context, arrowID string) (string, error) {
	if s == nil {
		return "", nil
	}
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(arrowID), minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("get draft %s: %w", arrowID, err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, obj); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return "", nil
		}
		return "", fmt.Errorf("read draft %s: %w", arrowID, err)
	}
	return buf.String(), nil
}
