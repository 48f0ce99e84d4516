// Package storage backs the executor's file and artifact capabilities with an
// S3-compatible object store (MinIO in the reference deployment). Files are
// addressed by generated ids; the original filename travels as object
// metadata.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/execctx"
)

const metaFilename = "Filename"

type (
	// Options configure the object store client.
	Options struct {
		Endpoint  string
		AccessKey string
		SecretKey string
		Bucket    string
		UseSSL    bool
	}

	// Client implements the executor's storage capability.
	Client struct {
		mc     *minio.Client
		bucket string
	}

	// ArtifactStore implements the executor's artifact capability on the same
	// bucket under a separate prefix.
	ArtifactStore struct {
		c *Client
	}
)

// New builds the client and ensures the bucket exists.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, rferr.New(rferr.KindConfiguration, "object store endpoint is not set").
			WithField("configKey", "MINIO_ENDPOINT")
	}
	if opts.Bucket == "" {
		return nil, rferr.New(rferr.KindConfiguration, "object store bucket is not set").
			WithField("configKey", "MINIO_BUCKET")
	}
	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, rferr.Wrap(rferr.KindConfiguration, err, "configure object store client")
	}
	exists, err := mc.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, rferr.Wrap(rferr.KindDependency, err, "probe object store bucket")
	}
	if !exists {
		if err := mc.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, rferr.Wrap(rferr.KindDependency, err, "create object store bucket").
				WithField("bucket", opts.Bucket)
		}
	}
	return &Client{mc: mc, bucket: opts.Bucket}, nil
}

// Upload stores content under a fresh file id and returns it.
func (c *Client) Upload(ctx context.Context, name, mimeType string, content []byte) (string, error) {
	fileID := uuid.NewString()
	_, err := c.mc.PutObject(ctx, c.bucket, fileKey(fileID), bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{
			ContentType:  mimeType,
			UserMetadata: map[string]string{metaFilename: name},
		})
	if err != nil {
		return "", rferr.Wrap(rferr.KindDependency, err, "upload file").WithField("fileName", name)
	}
	return fileID, nil
}

// Download fetches a stored file by id.
func (c *Client) Download(ctx context.Context, fileID string) (string, []byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, fileKey(fileID), minio.GetObjectOptions{})
	if err != nil {
		return "", nil, rferr.Wrap(rferr.KindDependency, err, "open file").WithField("fileId", fileID)
	}
	defer obj.Close()
	stat, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", nil, rferr.Newf(rferr.KindNotFound, "file %q not found", fileID).
				WithField("fileId", fileID)
		}
		return "", nil, rferr.Wrap(rferr.KindDependency, err, "stat file").WithField("fileId", fileID)
	}
	content, err := io.ReadAll(obj)
	if err != nil {
		return "", nil, rferr.Wrap(rferr.KindDependency, err, "read file").WithField("fileId", fileID)
	}
	name := stat.UserMetadata[metaFilename]
	if name == "" {
		name = fileID
	}
	return name, content, nil
}

// Artifacts returns the artifact capability sharing this client.
func (c *Client) Artifacts() *ArtifactStore {
	return &ArtifactStore{c: c}
}

// Upload persists an artifact and returns its id.
func (a *ArtifactStore) Upload(ctx context.Context, art execctx.Artifact) (string, error) {
	id := uuid.NewString()
	meta := map[string]string{metaFilename: art.Name}
	for k, v := range art.Metadata {
		meta["X-Reconflow-"+k] = fmt.Sprint(v)
	}
	_, err := a.c.mc.PutObject(ctx, a.c.bucket, artifactKey(id), bytes.NewReader(art.Content), int64(len(art.Content)),
		minio.PutObjectOptions{
			ContentType:  art.MimeType,
			UserMetadata: meta,
		})
	if err != nil {
		return "", rferr.Wrap(rferr.KindDependency, err, "upload artifact").WithField("artifactName", art.Name)
	}
	return id, nil
}

func fileKey(fileID string) string { return "files/" + fileID }
func artifactKey(id string) string { return "artifacts/" + id }

var (
	_ execctx.Storage   = (*Client)(nil)
	_ execctx.Artifacts = (*ArtifactStore)(nil)
)
