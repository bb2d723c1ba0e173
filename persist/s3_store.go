package persist

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"southwinds.dev/sealbox/internal/debug"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface using MinIO as the backend with multitenancy.
// Each entry is a separate object whose name is the base64url encoded item name,
// so arbitrary item names never clash with the S3 path separator.
//
// bucketName/
// ├── [keyPrefix/]tenant1/
// │   ├── store.meta          # Tenant descriptor
// │   └── items/
// │       ├── X19zZWFsYm94X3NhbHRfXw    # __sealbox_salt__
// │       └── X19lbmNfM2Y5YTEyYjBjZDQ1ZTY3OA  # __enc_3f9a12b0cd45e678
// └── [keyPrefix/]default/
//     └── ...
type S3Store struct {
	// client is the MinIO client used to interact with the MinIO server.
	client *minio.Client

	// bucketName is the name of the S3 bucket used to store tenant data.
	bucketName string

	// keyPrefix is an optional prefix for the keys in the bucket, allowing for namespace separation
	// if multiple applications use the same bucket.
	keyPrefix string

	// tenantID uniquely identifies the tenant whose data is being stored.
	tenantID string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint"`          // The endpoint for the S3 service.
	AccessKeyID     string `json:"access_key_id"`     // The Access Key ID for accessing the S3 service.
	SecretAccessKey string `json:"secret_access_key"` // The Secret Access Key for accessing the S3 service.
	Bucket          string `json:"bucket"`            // The S3 bucket to use.
	KeyPrefix       string `json:"key_prefix"`        // The prefix for keys stored in the S3 bucket.
	UseSSL          bool   `json:"use_ssl"`           // Whether to use SSL for the connection.
	Region          string `json:"region"`            // The region of the S3 bucket.
}

// NewS3Store initializes a new S3Store instance using the provided S3 configuration
// and tenant ID. It establishes a connection to a MinIO server and ensures that the
// specified bucket exists. If no tenant ID is provided, it defaults to "default".
//
// Parameters:
//   - config (S3Config): endpoint, credentials, bucket and optional key prefix.
//   - tenantID (string): A unique identifier for the tenant.
//
// Returns:
//   - (*S3Store, error): A pointer to an S3Store instance if successful, or an error in case of failure.
//
// Errors:
//   - Returns an error if the tenant ID is invalid, if the MinIO client fails to initialize,
//     or if the bucket cannot be created.
func NewS3Store(config S3Config, tenantID string) (*S3Store, error) {
	tenantID, err := normalizeTenantID(tenantID)
	if err != nil {
		return nil, err
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires a bucket name")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
		tenantID:   tenantID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}
	if err = store.initializeMeta(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store metadata: %w", err)
	}
	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store instance from the given StoreConfig.
func NewS3StoreFromConfig(config StoreConfig, tenantID string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}
	return NewS3Store(s3Config, tenantID)
}

func (s3s *S3Store) initializeMeta(ctx context.Context) error {
	objectName := s3s.buildTenantPath("store.meta")
	debug.Print("s3 store meta object: '%s'\n", objectName)

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if !s3s.isNotFoundError(err) {
		return fmt.Errorf("failed to check store metadata: %w", err)
	}

	now := time.Now().UTC()
	data, err := json.MarshalIndent(StoreMeta{
		TenantID:   s3s.tenantID,
		CreatedAt:  now,
		LastAccess: now,
		Structure:  "1",
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store metadata: %w", err)
	}
	_, err = s3s.client.PutObject(ctx, s3s.bucketName, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"data-type": "store-meta",
				"tenant-id": s3s.tenantID,
			},
		})
	if err != nil {
		return fmt.Errorf("failed to create store metadata: %w", err)
	}
	return nil
}

func (s3s *S3Store) GetItem(name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, s3s.itemObjectName(name), minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get item %s: %w", name, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read item %s: %w", name, err)
	}
	return data, nil
}

func (s3s *S3Store) SetItem(name string, value []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.PutObject(ctx, s3s.bucketName, s3s.itemObjectName(name),
		bytes.NewReader(value), int64(len(value)),
		minio.PutObjectOptions{
			ContentType: "application/octet-stream",
			UserMetadata: map[string]string{
				"data-type": "item",
				"tenant-id": s3s.tenantID,
			},
		})
	if err != nil {
		return fmt.Errorf("failed to put item %s: %w", name, err)
	}
	return nil
}

func (s3s *S3Store) RemoveItem(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	err := s3s.client.RemoveObject(ctx, s3s.bucketName, s3s.itemObjectName(name), minio.RemoveObjectOptions{})
	if err != nil && !s3s.isNotFoundError(err) {
		return fmt.Errorf("failed to remove item %s: %w", name, err)
	}
	return nil
}

func (s3s *S3Store) Length() (int, error) {
	names, err := s3s.Keys()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

func (s3s *S3Store) Key(index int) (string, bool, error) {
	names, err := s3s.Keys()
	if err != nil {
		return "", false, err
	}
	name, ok := keyAt(names, index)
	return name, ok, nil
}

func (s3s *S3Store) Keys() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s3s.buildTenantPath("items") + "/"
	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var names []string
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		encoded := strings.TrimPrefix(object.Key, prefix)
		name, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			debug.Print("skipping foreign object '%s'\n", object.Key)
			continue
		}
		names = append(names, string(name))
	}
	return sortedNames(names), nil
}

// ListTenants returns all tenant IDs that have a store in the bucket
func (s3s *S3Store) ListTenants() ([]string, error) {
	basePrefix := strings.Trim(s3s.keyPrefix, "/")
	if basePrefix != "" {
		basePrefix += "/"
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    basePrefix,
		Recursive: true,
	})

	var tenants []string
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		relative := strings.TrimPrefix(object.Key, basePrefix)
		parts := strings.Split(relative, "/")
		if len(parts) == 2 && parts[1] == "store.meta" {
			tenants = append(tenants, parts[0])
		}
	}
	return sortedNames(tenants), nil
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

// Close is a no-op, the MinIO client holds no long-lived connections
func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) itemObjectName(name string) string {
	return s3s.buildTenantPath("items", base64.RawURLEncoding.EncodeToString([]byte(name)))
}

func (s3s *S3Store) buildTenantPath(components ...string) string {
	var parts []string
	if cleanPrefix := strings.Trim(s3s.keyPrefix, "/"); cleanPrefix != "" {
		parts = append(parts, cleanPrefix)
	}
	parts = append(parts, s3s.tenantID)
	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}
	return strings.Join(parts, "/")
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}
