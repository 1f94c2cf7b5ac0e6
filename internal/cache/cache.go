// Package cache keeps downloaded audio streams on disk so that they can be
// decoded and seeked like local files.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultExpiry is how long cached streams are valid (7 days).
	DefaultExpiry = 7 * 24 * time.Hour
	// DefaultMaxEntries bounds the number of cached streams.
	DefaultMaxEntries = 64
	// StreamSubdir is the subdirectory for cached streams.
	StreamSubdir = "streams"
	// AppName is used for the cache directory name.
	AppName = "cubeplay"
)

// Cache manages disk-based caching of remote audio streams. Entries are
// evicted least recently used first once MaxEntries is exceeded.
type Cache struct {
	baseDir string
	expiry  time.Duration
	entries *lru.Cache[string, string]
}

// NewCache creates a cache in the user cache directory.
func NewCache(expiry time.Duration, maxEntries int) (*Cache, error) {
	cacheDir, err := GetCacheDir()
	if err != nil {
		return nil, err
	}
	return New(cacheDir, expiry, maxEntries)
}

// New creates a cache rooted at dir and indexes any streams already there.
func New(dir string, expiry time.Duration, maxEntries int) (*Cache, error) {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	entries, err := lru.NewWithEvict(maxEntries, func(key, file string) {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			log.Debug().Err(err).Str("file", file).Msg("Failed to remove evicted cache file")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache index: %w", err)
	}

	c := &Cache{
		baseDir: dir,
		expiry:  expiry,
		entries: entries,
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return c, nil
}

// GetCacheDir returns the platform-specific cache directory for the application.
func GetCacheDir() (string, error) {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user cache directory: %w", err)
	}

	cacheDir := filepath.Join(userCacheDir, AppName)
	return cacheDir, nil
}

func (c *Cache) streamDir() string {
	return filepath.Join(c.baseDir, StreamSubdir)
}

func hashURL(url string) string {
	hash := md5.Sum([]byte(url))
	return hex.EncodeToString(hash[:])
}

// filename keeps the extension of the URL path so decoders can still be
// picked by file type.
func filename(rawURL string) string {
	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	return hashURL(rawURL) + ext
}

// index adds files already on disk, oldest first, so the most recently
// written ones survive eviction.
func (c *Cache) index() error {
	entries, err := os.ReadDir(c.streamDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	type found struct {
		key     string
		path    string
		modTime time.Time
	}
	var files []found
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		key := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		files = append(files, found{key: key, path: filepath.Join(c.streamDir(), entry.Name()), modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for _, f := range files {
		c.entries.Add(f.key, f.path)
	}
	return nil
}

// Path returns the cached file for url if present and not expired.
func (c *Cache) Path(url string) (string, bool) {
	key := hashURL(url)

	file, ok := c.entries.Get(key)
	if !ok {
		return "", false
	}

	info, err := os.Stat(file)
	if err != nil {
		c.entries.Remove(key)
		return "", false
	}

	if time.Since(info.ModTime()) > c.expiry {
		log.Debug().Str("url", url).Msg("Cached stream expired")
		c.entries.Remove(key)
		return "", false
	}

	return file, true
}

// Store writes r to the cache under url and returns the file path. The file
// only becomes visible once fully written.
func (c *Cache) Store(url string, r io.Reader) (string, error) {
	dir := c.streamDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create cache file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close cache file: %w", err)
	}

	file := filepath.Join(dir, filename(url))
	if err := os.Rename(tmpPath, file); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to move cache file: %w", err)
	}

	c.entries.Add(hashURL(url), file)
	log.Debug().Str("url", url).Str("file", file).Msg("Stream cached")
	return file, nil
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

// CleanExpired removes cache files older than the expiry duration.
func (c *Cache) CleanExpired() error {
	dir := c.streamDir()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	now := time.Now()
	var removed, failed int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.Debug().Err(err).Str("file", entry.Name()).Msg("Failed to get file info")
			continue
		}

		if now.Sub(info.ModTime()) > c.expiry {
			filePath := filepath.Join(dir, entry.Name())
			c.entries.Remove(strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())))
			if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
				log.Debug().Err(err).Str("file", filePath).Msg("Failed to remove expired cache file")
				failed++
			} else {
				removed++
			}
		}
	}

	if removed > 0 || failed > 0 {
		log.Debug().Int("removed", removed).Int("failed", failed).Msg("Cache cleanup completed")
	}

	return nil
}
