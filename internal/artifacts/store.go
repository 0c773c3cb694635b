// Package artifacts archives execution logs and compiled contracts in
// S3-compatible storage. The store is optional: a nil *Store is a
// no-op, so pipelines call it unconditionally.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/chainproof/chainproof/internal/compiler"
)

// Blobs are small (logs, ABIs), so whole-buffer zstd is fine. The
// encoder and decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("artifacts: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("artifacts: zstd decoder initialization failed: " + err.Error())
	}
}

type Store struct {
	client *minio.Client
	bucket string
}

func NewStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	return &Store{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	if s == nil {
		return nil
	}

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}

	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
}

// PutExecutionLog archives an exploit-replay log and returns its key.
func (s *Store) PutExecutionLog(ctx context.Context, runID uuid.UUID, log string) (string, error) {
	if s == nil {
		return "", nil
	}

	key := executionLogKey(runID)
	if err := s.put(ctx, key, []byte(log)); err != nil {
		return "", err
	}

	return key, nil
}

// GetExecutionLog fetches and decompresses an archived replay log.
func (s *Store) GetExecutionLog(ctx context.Context, runID uuid.UUID) (string, error) {
	if s == nil {
		return "", nil
	}

	data, err := s.get(ctx, executionLogKey(runID))
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// PutContractArtifact archives a compiled contract and returns its key.
func (s *Store) PutContractArtifact(ctx context.Context, runID uuid.UUID, artifact compiler.Artifact) (string, error) {
	if s == nil {
		return "", nil
	}

	data, err := json.Marshal(artifact)
	if err != nil {
		return "", fmt.Errorf("failed to marshal artifact %s: %w", artifact.ContractName, err)
	}

	key := contractArtifactKey(runID, artifact.ContractName)
	if err := s.put(ctx, key, data); err != nil {
		return "", err
	}

	return key, nil
}

func (s *Store) put(ctx context.Context, key string, data []byte) error {
	compressed := zstdEncoder.EncodeAll(data, nil)

	_, err := s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(compressed), int64(len(compressed)),
		minio.PutObjectOptions{ContentType: "application/zstd"})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}

	return nil
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	defer obj.Close()

	compressed, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", key, err)
	}

	return data, nil
}

func executionLogKey(runID uuid.UUID) string {
	return path.Join("runs", runID.String(), "execution.log.zst")
}

func contractArtifactKey(runID uuid.UUID, contractName string) string {
	return path.Join("runs", runID.String(), "artifacts", contractName+".json.zst")
}
