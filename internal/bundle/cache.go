package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// CachedModule is one row of the module cache.
type CachedModule struct {
	Hash        string `gorm:"primaryKey;size:64"`
	ServicePath string `gorm:"index"`
	Entrypoint  string
	Code        string
	CreatedAt   time.Time
}

// Cache stores bundled code keyed by the content hash of its inputs.
type Cache struct {
	db  *gorm.DB
	log *zap.Logger
}

// OpenCache opens (creating if needed) the SQLite cache at path. Use
// ":memory:" for a private in-memory cache.
func OpenCache(path string, log *zap.Logger) (*Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating module cache directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("opening module cache: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One connection keeps a ":memory:" database shared.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&CachedModule{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrating module cache: %w", err)
	}
	return &Cache{db: db, log: log}, nil
}

// Get returns the cached module for hash.
func (c *Cache) Get(hash string) (*CachedModule, bool, error) {
	var m CachedModule
	err := c.db.Where("hash = ?", hash).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading module cache: %w", err)
	}
	return &m, true, nil
}

// Put stores m, replacing any row with the same hash.
func (c *Cache) Put(m *CachedModule) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := c.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(m).Error
	if err != nil {
		return fmt.Errorf("writing module cache: %w", err)
	}
	return nil
}

// Purge drops entries older than maxAge and returns how many were removed.
func (c *Cache) Purge(maxAge time.Duration) (int64, error) {
	res := c.db.Where("created_at < ?", time.Now().UTC().Add(-maxAge)).Delete(&CachedModule{})
	return res.RowsAffected, res.Error
}

func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// sourceExts are the files that feed the content hash.
var sourceExts = map[string]bool{
	".ts": true, ".tsx": true, ".mts": true, ".js": true, ".jsx": true,
	".mjs": true, ".json": true, ".jsonc": true,
}

// HashTree hashes every source file below root (or root itself when it is a
// file) together with the import map, in path order. Hidden directories and
// node_modules are skipped.
func HashTree(root string, importMap *ImportMap) (string, error) {
	h := sha256.New()
	info, err := os.Stat(root)
	if err != nil {
		return "", err
	}
	var files []string
	if info.IsDir() {
		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != root && (strings.HasPrefix(d.Name(), ".") || d.Name() == "node_modules") {
					return filepath.SkipDir
				}
				return nil
			}
			if sourceExts[strings.ToLower(filepath.Ext(p))] {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("hashing %s: %w", root, err)
		}
	} else {
		files = []string{root}
	}
	sort.Strings(files)
	for _, f := range files {
		rel, _ := filepath.Rel(root, f)
		fmt.Fprintf(h, "%s\x00", filepath.ToSlash(rel))
		fh, err := os.Open(f)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, fh)
		fh.Close()
		if err != nil {
			return "", err
		}
		h.Write([]byte{0})
	}
	if importMap != nil {
		keys := make([]string, 0, len(importMap.Imports))
		for k := range importMap.Imports {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "import\x00%s\x00%s\x00", k, importMap.Imports[k])
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
