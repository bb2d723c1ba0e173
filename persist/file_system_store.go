package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"southwinds.dev/sealbox/internal/debug"
	"southwinds.dev/sealbox/internal/misc"
)

// FileSystemStore implements Store as a single JSON document per tenant.
// The document is held in memory and rewritten atomically on every
// mutation so a crash never leaves a partially written file behind.
type FileSystemStore struct {
	mu         sync.RWMutex
	basePath   string
	tenantID   string
	tenantPath string // basePath/tenantID/
	dataFile   string // basePath/tenantID/store.json
	metaFile   string // basePath/tenantID/store.meta
	items      map[string]string
	closed     bool
}

// StoreMeta describes the tenant directory
type StoreMeta struct {
	TenantID   string    `json:"tenant_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

// storeDocument is the on-disk layout of store.json
type storeDocument struct {
	Items map[string]string `json:"items"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string, tenantID string) (*FileSystemStore, error) {
	tenantID, err := normalizeTenantID(tenantID)
	if err != nil {
		return nil, err
	}

	tenantPath := filepath.Join(basePath, tenantID)
	fs := &FileSystemStore{
		basePath:   basePath,
		tenantID:   tenantID,
		tenantPath: tenantPath,
		dataFile:   filepath.Join(tenantPath, "store.json"),
		metaFile:   filepath.Join(tenantPath, "store.meta"),
		items:      make(map[string]string),
	}

	if err = os.MkdirAll(tenantPath, misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", tenantPath, err)
	}
	if err = fs.initializeMeta(); err != nil {
		return nil, fmt.Errorf("failed to initialize store metadata: %w", err)
	}
	if err = fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

// NewFileSystemStoreFromConfig creates a filesystem store from a StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig, tenantID string) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok || basePath == "" {
		return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
	}
	return NewFileSystemStore(basePath, tenantID)
}

func (fs *FileSystemStore) initializeMeta() error {
	exists, err := fileExists(fs.metaFile)
	if err != nil || exists {
		return err
	}
	now := time.Now().UTC()
	meta := StoreMeta{
		TenantID:   fs.tenantID,
		CreatedAt:  now,
		LastAccess: now,
		Structure:  "1",
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store metadata: %w", err)
	}
	return writeSecureFile(fs.metaFile, data, misc.FilePermissions)
}

func (fs *FileSystemStore) load() error {
	data, err := os.ReadFile(fs.dataFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read store file: %w", err)
	}
	var doc storeDocument
	if err = json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse store file %s: %w", fs.dataFile, err)
	}
	if doc.Items != nil {
		fs.items = doc.Items
	}
	debug.Print("loaded %d items for tenant %s\n", len(fs.items), fs.tenantID)
	return nil
}

// flush must be called with the write lock held
func (fs *FileSystemStore) flush() error {
	data, err := json.Marshal(storeDocument{Items: fs.items})
	if err != nil {
		return fmt.Errorf("failed to marshal store document: %w", err)
	}
	if err = writeSecureFile(fs.dataFile, data, misc.FilePermissions); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) GetItem(name string) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	value, ok := fs.items[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return []byte(value), nil
}

func (fs *FileSystemStore) SetItem(name string, value []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return fmt.Errorf("filesystem store is closed")
	}

	previous, existed := fs.items[name]
	fs.items[name] = string(value)
	if err := fs.flush(); err != nil {
		if existed {
			fs.items[name] = previous
		} else {
			delete(fs.items, name)
		}
		return err
	}
	return nil
}

func (fs *FileSystemStore) RemoveItem(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return fmt.Errorf("filesystem store is closed")
	}

	previous, existed := fs.items[name]
	if !existed {
		return nil
	}
	delete(fs.items, name)
	if err := fs.flush(); err != nil {
		fs.items[name] = previous
		return err
	}
	return nil
}

func (fs *FileSystemStore) Length() (int, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.items), nil
}

func (fs *FileSystemStore) Key(index int) (string, bool, error) {
	names, err := fs.Keys()
	if err != nil {
		return "", false, err
	}
	name, ok := keyAt(names, index)
	return name, ok, nil
}

func (fs *FileSystemStore) Keys() ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	names := make([]string, 0, len(fs.items))
	for name := range fs.items {
		names = append(names, name)
	}
	return sortedNames(names), nil
}

// ListTenants returns all tenant IDs that have a store under the base path
func (fs *FileSystemStore) ListTenants() ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	var tenants []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err = os.Stat(filepath.Join(fs.basePath, entry.Name(), "store.meta")); err == nil {
			tenants = append(tenants, entry.Name())
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

// DeleteTenant removes all data for another tenant
func (fs *FileSystemStore) DeleteTenant(tenantID string) error {
	if err := validateTenantID(tenantID); err != nil {
		return fmt.Errorf("invalid tenant ID: %w", err)
	}
	if tenantID == fs.tenantID {
		return fmt.Errorf("cannot delete current tenant")
	}

	tenantPath := filepath.Join(fs.basePath, tenantID)
	if _, err := os.Stat(tenantPath); os.IsNotExist(err) {
		return fmt.Errorf("tenant %s does not exist", tenantID)
	} else if err != nil {
		return fmt.Errorf("failed to check tenant directory: %w", err)
	}
	if err := os.RemoveAll(tenantPath); err != nil {
		return fmt.Errorf("failed to delete tenant data: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.tenantPath)
	return err
}

// Close records the last access time. The document is already on disk.
func (fs *FileSystemStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil
	}
	fs.closed = true

	data, err := os.ReadFile(fs.metaFile)
	if err != nil {
		return nil
	}
	var meta StoreMeta
	if err = json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	meta.LastAccess = time.Now().UTC()
	if updated, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = writeSecureFile(fs.metaFile, updated, misc.FilePermissions)
	}
	return nil
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
