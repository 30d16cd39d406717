package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/AnTengye/pagelens/backend/config"
	"github.com/AnTengye/pagelens/backend/model"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// LedgerBackend persists the full account set as one document
type LedgerBackend interface {
	Name() string
	ReadAll(ctx context.Context) (map[string]*model.Account, error)
	WriteAll(ctx context.Context, accounts map[string]*model.Account) error
}

// NewLedgerBackend selects the backend named in the ledger config
func NewLedgerBackend(cfg *config.Config) (LedgerBackend, error) {
	switch cfg.Ledger.Backend {
	case "", "file":
		return NewFileBackend(cfg.Ledger.Path), nil
	case "minio":
		return NewMinioBackend(&cfg.Minio, cfg.Ledger.ObjectName)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

func decodeAccounts(data []byte) (map[string]*model.Account, error) {
	accounts := make(map[string]*model.Account)
	if len(bytes.TrimSpace(data)) == 0 {
		return accounts, nil
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("failed to parse ledger: %w", err)
	}
	return accounts, nil
}

// FileBackend keeps the ledger in a local JSON file
type FileBackend struct {
	path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) Name() string { return "file" }

func (b *FileBackend) ReadAll(ctx context.Context) (map[string]*model.Account, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]*model.Account), nil
		}
		return nil, fmt.Errorf("failed to read ledger file: %w", err)
	}
	return decodeAccounts(data)
}

// WriteAll replaces the file atomically via a temp file and rename
func (b *FileBackend) WriteAll(ctx context.Context, accounts map[string]*model.Account) error {
	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp ledger file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write ledger file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync ledger file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close ledger file: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("failed to replace ledger file: %w", err)
	}
	return nil
}

// MinioBackend keeps the ledger as a single JSON object in a bucket
type MinioBackend struct {
	client     *minio.Client
	bucket     string
	objectName string
}

func NewMinioBackend(cfg *config.MinioConfig, objectName string) (*MinioBackend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioBackend{
		client:     client,
		bucket:     cfg.Bucket,
		objectName: objectName,
	}, nil
}

func (b *MinioBackend) Name() string { return "minio" }

// EnsureBucket creates the bucket if it doesn't exist
func (b *MinioBackend) EnsureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		err = b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (b *MinioBackend) ReadAll(ctx context.Context) (map[string]*model.Account, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return make(map[string]*model.Account), nil
		}
		return nil, fmt.Errorf("failed to read ledger object: %w", err)
	}
	return decodeAccounts(data)
}

func (b *MinioBackend) WriteAll(ctx context.Context, accounts map[string]*model.Account) error {
	data, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}
	_, err = b.client.PutObject(ctx, b.bucket, b.objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to upload ledger: %w", err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
