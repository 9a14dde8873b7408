package filestore

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/pkg/errors"
)

// QueryCache stores query results as JSON files keyed by (object, 32-bit
// FNV-1a of the SOQL text). With CacheInMemory it only ever hits the map.
type QueryCache struct {
	mode models.CacheMode
	dir  string
	mem  map[string][]models.SObject
}

// NewQueryCache builds the cache under dir; CleanFileCache purges any
// previous content on startup.
func NewQueryCache(mode models.CacheMode, dir string) (*QueryCache, error) {
	c := &QueryCache{mode: mode, dir: dir, mem: map[string][]models.SObject{}}
	if mode == models.CacheCleanFile {
		if err := os.RemoveAll(dir); err != nil {
			return nil, errors.NewFilesystemError(dir, err)
		}
	}
	if mode != models.CacheInMemory {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.NewFilesystemError(dir, err)
		}
	}
	return c, nil
}

func cacheKey(object, soql string) string {
	h := fnv.New32a()
	h.Write([]byte(soql))
	return fmt.Sprintf("%s_%08x", object, h.Sum32())
}

// Get returns cached records for the query, consulting memory first and
// then the file layer.
func (c *QueryCache) Get(object, soql string) ([]models.SObject, bool) {
	key := cacheKey(object, soql)
	if recs, ok := c.mem[key]; ok {
		return recs, true
	}
	if c.mode == models.CacheInMemory {
		return nil, false
	}
	b, err := os.ReadFile(filepath.Join(c.dir, key+".json"))
	if err != nil {
		return nil, false
	}
	var recs []models.SObject
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, false
	}
	c.mem[key] = recs
	return recs, true
}

// Put stores the query result.
func (c *QueryCache) Put(object, soql string, recs []models.SObject) error {
	key := cacheKey(object, soql)
	c.mem[key] = recs
	if c.mode == models.CacheInMemory {
		return nil
	}
	b, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	path := filepath.Join(c.dir, key+".json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errors.NewFilesystemError(path, err)
	}
	return nil
}

// BlobPlaceholder is the record value standing in for binary content moved
// to the sidecar cache.
func BlobPlaceholder(id string) string {
	return "[blob[" + id + "]]"
}

// BinaryCache persists blob field contents to the sidecar directory.
type BinaryCache struct {
	mode models.CacheMode
	dir  string
}

// NewBinaryCache builds the blob cache under dir.
func NewBinaryCache(mode models.CacheMode, dir string) (*BinaryCache, error) {
	c := &BinaryCache{mode: mode, dir: dir}
	if mode == models.CacheCleanFile {
		if err := os.RemoveAll(dir); err != nil {
			return nil, errors.NewFilesystemError(dir, err)
		}
	}
	if mode != models.CacheInMemory {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.NewFilesystemError(dir, err)
		}
	}
	return c, nil
}

// Inline reports whether blob contents stay inside records as base64
// rather than moving to sidecar files.
func (c *BinaryCache) Inline() bool {
	return c.mode == models.CacheInMemory
}

// Put writes one blob and returns the placeholder value.
func (c *BinaryCache) Put(id string, content []byte) (string, error) {
	path := filepath.Join(c.dir, id+".bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", errors.NewFilesystemError(path, err)
	}
	return BlobPlaceholder(id), nil
}

// Get reads one blob back, used when records are materialized for writing.
func (c *BinaryCache) Get(id string) ([]byte, error) {
	path := filepath.Join(c.dir, id+".bin")
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewFilesystemError(path, err)
	}
	return b, nil
}
