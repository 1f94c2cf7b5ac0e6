// Package playlist turns command line arguments into a queue of tracks:
// audio files, directories, m3u and pls playlists, local or remote.
package playlist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/glebovdev/cubeplay/internal/datastream"
	"github.com/glebovdev/cubeplay/internal/decoder"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// ErrUnsupported is returned for sources that are neither audio nor playlists.
var ErrUnsupported = errors.New("unsupported source")

// Track is a single entry in the play queue.
type Track struct {
	URL   string `yaml:"url"`
	Title string `yaml:"title,omitempty"`
}

// DisplayTitle returns the title, falling back to the file name.
func (t Track) DisplayTitle() string {
	if t.Title != "" {
		return t.Title
	}
	return titleFromURL(t.URL)
}

func titleFromURL(rawURL string) string {
	name := rawURL
	if datastream.IsRemote(rawURL) {
		if u, err := url.Parse(rawURL); err == nil {
			name = u.Path
		}
	}
	name = filepath.Base(filepath.FromSlash(name))
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// IsPlaylist reports whether source names an m3u or pls playlist.
func IsPlaylist(source string) bool {
	switch decoder.Extension(source) {
	case ".m3u", ".m3u8", ".pls":
		return true
	}
	return false
}

// Loader resolves sources into tracks. Remote playlists are fetched through
// the datastream opener.
type Loader struct {
	streams *datastream.Opener
}

func NewLoader(streams *datastream.Opener) *Loader {
	return &Loader{streams: streams}
}

// LoadAll loads every source, skipping the ones that fail. It only returns
// an error when nothing could be loaded.
func (l *Loader) LoadAll(ctx context.Context, sources []string) ([]Track, error) {
	var tracks []Track
	var errs []error
	for _, source := range sources {
		loaded, err := l.Load(ctx, source)
		if err != nil {
			log.Warn().Err(err).Str("source", source).Msg("Failed to load source")
			errs = append(errs, err)
			continue
		}
		tracks = append(tracks, loaded...)
	}

	if len(tracks) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return tracks, nil
}

// Load resolves a single source.
func (l *Loader) Load(ctx context.Context, source string) ([]Track, error) {
	if datastream.IsRemote(source) {
		if IsPlaylist(source) {
			return l.loadPlaylist(ctx, source)
		}
		return []Track{{URL: source}}, nil
	}

	path, err := datastream.LocalPath(source)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}

	switch {
	case info.IsDir():
		return ScanDir(path)
	case IsPlaylist(path):
		return l.loadPlaylist(ctx, path)
	case decoder.Supported(path):
		return []Track{{URL: path}}, nil
	default:
		return nil, fmt.Errorf("%s: %w", source, ErrUnsupported)
	}
}

func (l *Loader) loadPlaylist(ctx context.Context, source string) ([]Track, error) {
	f, err := l.streams.Open(ctx, source)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tracks []Track
	if decoder.Extension(source) == ".pls" {
		tracks, err = ParsePLS(f, source)
	} else {
		tracks, err = ParseM3U(f, source)
	}
	if err != nil {
		return nil, err
	}

	log.Debug().Str("playlist", source).Int("tracks", len(tracks)).Msg("Playlist loaded")
	return tracks, nil
}

// ScanDir returns every supported audio file below dir, sorted by path.
func ScanDir(dir string) ([]Track, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if decoder.Supported(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	sort.Strings(paths)
	return lo.Map(paths, func(path string, _ int) Track {
		return Track{URL: path}
	}), nil
}

// ParseM3U reads an m3u or m3u8 playlist. #EXTINF titles are kept.
func ParseM3U(r io.Reader, base string) ([]Track, error) {
	var tracks []Track
	title := ""

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXTINF:"):
			if _, t, ok := strings.Cut(line, ","); ok {
				title = strings.TrimSpace(t)
			}
		case strings.HasPrefix(line, "#"):
			continue
		default:
			tracks = append(tracks, Track{URL: resolve(base, line), Title: title})
			title = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading m3u playlist: %w", err)
	}

	if len(tracks) == 0 {
		return nil, fmt.Errorf("no entries found in m3u playlist")
	}
	return tracks, nil
}

// ParsePLS reads a pls playlist, pairing FileN and TitleN entries.
func ParsePLS(r io.Reader, base string) ([]Track, error) {
	files := make(map[int]string)
	titles := make(map[int]string)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch {
		case strings.HasPrefix(key, "File"):
			if n, err := strconv.Atoi(strings.TrimPrefix(key, "File")); err == nil && value != "" {
				files[n] = value
			}
		case strings.HasPrefix(key, "Title"):
			if n, err := strconv.Atoi(strings.TrimPrefix(key, "Title")); err == nil {
				titles[n] = value
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading PLS file: %w", err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no valid entries found in PLS file")
	}

	keys := lo.Keys(files)
	sort.Ints(keys)

	tracks := make([]Track, 0, len(keys))
	for _, n := range keys {
		tracks = append(tracks, Track{URL: resolve(base, files[n]), Title: titles[n]})
	}
	return tracks, nil
}

// resolve makes a playlist entry absolute relative to the playlist itself.
func resolve(base, entry string) string {
	if strings.Contains(entry, "://") {
		return entry
	}

	if datastream.IsRemote(base) {
		baseURL, err := url.Parse(base)
		if err != nil {
			return entry
		}
		ref, err := url.Parse(filepath.ToSlash(entry))
		if err != nil {
			return entry
		}
		return baseURL.ResolveReference(ref).String()
	}

	entry = filepath.FromSlash(entry)
	if filepath.IsAbs(entry) {
		return entry
	}
	if path, err := datastream.LocalPath(base); err == nil {
		base = path
	}
	return filepath.Join(filepath.Dir(base), entry)
}
