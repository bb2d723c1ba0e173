package persist

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
)

// TestS3Store runs against S3_MINIO_ENDPOINT when set, otherwise starts a
// MinIO container when SEALBOX_S3_TESTS is enabled.
func TestS3Store(t *testing.T) {
	endpoint := os.Getenv("S3_MINIO_ENDPOINT")
	if len(endpoint) == 0 {
		if !parseBool(os.Getenv("SEALBOX_S3_TESTS")) {
			t.Skip("set S3_MINIO_ENDPOINT or SEALBOX_S3_TESTS=true to run the S3 store tests")
		}
		ctx := context.Background()

		req := testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     testAccessKey,
				"MINIO_ROOT_PASSWORD": testSecretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		}

		minioContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			t.Fatalf("Failed to start MinIO container: %v", err)
		}
		defer func() {
			if err = minioContainer.Terminate(ctx); err != nil {
				t.Logf("Warning: Failed to terminate MinIO container: %v", err)
			}
		}()

		mappedPort, err := minioContainer.MappedPort(ctx, "9000")
		if err != nil {
			t.Fatalf("Failed to get mapped port: %v", err)
		}
		t.Setenv("S3_MINIO_ENDPOINT", fmt.Sprintf("http://localhost:%s", mappedPort.Port()))
	}

	t.Run("runS3StoreTest", func(t *testing.T) {
		runS3StoreTest(t)
	})
}

func runS3StoreTest(t *testing.T) {
	cfg := s3TestConfig(t)

	store, err := NewS3Store(cfg, testTenant)
	require.NoError(t, err, "Failed to create S3Store")

	defer func() {
		if err = cleanupS3Objects(cfg.Bucket, cfg.Endpoint, cfg.AccessKeyID, cfg.SecretAccessKey, cfg.UseSSL); err != nil {
			t.Logf("Warning: Failed to cleanup S3 objects: %v", err)
		}
	}()

	testStoreImplementation(t, store)

	t.Run("ListTenants", func(t *testing.T) {
		tenants, err := store.ListTenants()
		require.NoError(t, err)
		assert.Contains(t, tenants, testTenant)
	})

	t.Run("FromConfig", func(t *testing.T) {
		fromConfig, err := NewS3StoreFromConfig(StoreConfig{
			Type: StoreTypeS3,
			Config: map[string]interface{}{
				"endpoint":          cfg.Endpoint,
				"access_key_id":     cfg.AccessKeyID,
				"secret_access_key": cfg.SecretAccessKey,
				"bucket":            cfg.Bucket,
				"key_prefix":        cfg.KeyPrefix,
				"use_ssl":           cfg.UseSSL,
				"region":            cfg.Region,
			},
		}, "other-tenant")
		require.NoError(t, err)
		assert.NoError(t, fromConfig.Ping())

		keys, err := fromConfig.Keys()
		require.NoError(t, err)
		assert.Empty(t, keys, "tenants must not see each other's items")
	})
}

func s3TestConfig(t *testing.T) S3Config {
	bucketName := os.Getenv("S3_BUCKET")
	if bucketName == "" {
		bucketName = "test-sealbox-store"
	}
	accessKeyID := os.Getenv("S3_MINIO_ACCESS_KEY_ID")
	if accessKeyID == "" {
		accessKeyID = testAccessKey
	}
	secretAccessKey := os.Getenv("S3_MINIO_SECRET_ACCESS_KEY")
	if secretAccessKey == "" {
		secretAccessKey = testSecretKey
	}

	endpointURL := os.Getenv("S3_MINIO_ENDPOINT")
	if endpointURL == "" {
		t.Fatal("S3_MINIO_ENDPOINT not set")
	}
	endpoint, useSSL := parseEndpoint(endpointURL)
	if sslEnv := os.Getenv("S3_MINIO_USE_SSL"); sslEnv != "" {
		useSSL = parseBool(sslEnv)
	}

	region := os.Getenv("S3_REGION")
	if region == "" {
		region = "us-east-1"
	}
	keyPrefix := os.Getenv("S3_KEY_PREFIX")
	if keyPrefix == "" {
		keyPrefix = "test/"
	}

	t.Logf("Configuring S3Store with endpoint: %s, bucket: %s, useSSL: %v", endpoint, bucketName, useSSL)
	return S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		Bucket:          bucketName,
		KeyPrefix:       keyPrefix,
		UseSSL:          useSSL,
		Region:          region,
	}
}

// parseEndpoint extracts host:port from full URL and determines SSL usage
func parseEndpoint(endpointURL string) (string, bool) {
	endpoint := strings.TrimPrefix(endpointURL, "http://")
	useSSL := false

	if strings.HasPrefix(endpointURL, "https://") {
		endpoint = strings.TrimPrefix(endpointURL, "https://")
		useSSL = true
	}
	if idx := strings.Index(endpoint, "/"); idx != -1 {
		endpoint = endpoint[:idx]
	}
	return endpoint, useSSL
}

// cleanupS3Objects removes every object in the bucket
func cleanupS3Objects(bucketName, endpoint, accessKeyID, secretAccessKey string, useSSL bool) error {
	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create MinIO client: %v", err)
	}

	ctx := context.Background()
	objectCh := minioClient.ListObjects(ctx, bucketName, minio.ListObjectsOptions{Recursive: true})

	var deleteErrors []string
	for object := range objectCh {
		if object.Err != nil {
			deleteErrors = append(deleteErrors, fmt.Sprintf("error listing object: %v", object.Err))
			continue
		}
		if err = minioClient.RemoveObject(ctx, bucketName, object.Key, minio.RemoveObjectOptions{}); err != nil {
			deleteErrors = append(deleteErrors, fmt.Sprintf("failed to delete object %s: %v", object.Key, err))
		}
	}
	if len(deleteErrors) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(deleteErrors, "; "))
	}
	return nil
}

func parseBool(value string) bool {
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return parsed
}

func TestParseEndpoint(t *testing.T) {
	endpoint, ssl := parseEndpoint("https://minio.local:9000/path")
	assert.Equal(t, "minio.local:9000", endpoint)
	assert.True(t, ssl)

	endpoint, ssl = parseEndpoint("http://localhost:9000")
	assert.Equal(t, "localhost:9000", endpoint)
	assert.False(t, ssl)
}
