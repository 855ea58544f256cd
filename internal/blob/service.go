// Package blob stores document attachment files in object storage. Object
// keys encode the owning (project, document) pair, so copying a file to a
// promoted document always produces a new, independently deletable object.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Service struct {
	client *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Service{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the attachment bucket if it does not exist yet.
func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// ObjectPath is the canonical storage key for an attachment.
func ObjectPath(projectID, documentID, filename string) string {
	return fmt.Sprintf("projects/%s/documents/%s/%s", projectID, documentID, filename)
}

func (s *Service) Upload(ctx context.Context, projectID, documentID, filename, contentType string, size int64, reader io.Reader) (string, error) {
	path := ObjectPath(projectID, documentID, filename)
	_, err := s.client.PutObject(ctx, s.bucket, path, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	return path, nil
}

// Copy duplicates a stored file server-side from one (project, document)
// location to another and returns the new object path.
func (s *Service) Copy(ctx context.Context, srcProjectID, srcDocumentID, dstProjectID, dstDocumentID, filename string) (string, error) {
	srcPath := ObjectPath(srcProjectID, srcDocumentID, filename)
	dstPath := ObjectPath(dstProjectID, dstDocumentID, filename)

	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: dstPath},
		minio.CopySrcOptions{Bucket: s.bucket, Object: srcPath},
	)
	if err != nil {
		return "", fmt.Errorf("copy %s to %s: %w", srcPath, dstPath, err)
	}
	return dstPath, nil
}

func (s *Service) Delete(ctx context.Context, projectID, documentID, filename string) error {
	path := ObjectPath(projectID, documentID, filename)
	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// DeleteAll removes every object stored under a document. Used when a
// document is deleted outright and by the orphan sweeper.
func (s *Service) DeleteAll(ctx context.Context, projectID, documentID string) error {
	prefix := fmt.Sprintf("projects/%s/documents/%s/", projectID, documentID)
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for object := range objects {
		if object.Err != nil {
			return fmt.Errorf("list %s: %w", prefix, object.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("delete %s: %w", object.Key, err)
		}
	}
	return nil
}

// Get streams a stored object by its full path.
func (s *Service) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return object, nil
}

// PresignedGetURL returns a temporary download URL for an attachment.
func (s *Service) PresignedGetURL(ctx context.Context, path, filename string, ttl time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, path, ttl, params)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", path, err)
	}
	return presigned.String(), nil
}
