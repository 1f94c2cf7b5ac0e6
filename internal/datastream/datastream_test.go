package datastream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/glebovdev/cubeplay/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOpener(t *testing.T) *Opener {
	t.Helper()
	c, err := cache.New(t.TempDir(), cache.DefaultExpiry, 4)
	require.NoError(t, err)

	o := NewOpener(c)
	o.client.SetRetryCount(0)
	return o
}

func TestLocalPath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		wantErr  bool
	}{
		{"/music/a.mp3", "/music/a.mp3", false},
		{"relative/b.flac", "relative/b.flac", false},
		{"file:///music/c.ogg", filepath.FromSlash("/music/c.ogg"), false},
		{"ftp://host/d.mp3", "", true},
	}

	for _, tt := range tests {
		got, err := LocalPath(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("LocalPath(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			if !errors.Is(err, ErrUnsupportedScheme) {
				t.Errorf("LocalPath(%q) error = %v, want ErrUnsupportedScheme", tt.input, err)
			}
			continue
		}
		if got != tt.expected {
			t.Errorf("LocalPath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestIsRemote(t *testing.T) {
	assert.True(t, IsRemote("http://example.com/a.mp3"))
	assert.True(t, IsRemote("HTTPS://example.com/a.mp3"))
	assert.False(t, IsRemote("/music/a.mp3"))
	assert.False(t, IsRemote("file:///music/a.mp3"))
}

func TestOpenLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0644))

	f, err := newTestOpener(t).Open(context.Background(), path)
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data))
}

func TestOpenRemoteIsCached(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "remote audio")
	}))
	defer server.Close()

	o := newTestOpener(t)
	url := server.URL + "/song.mp3"

	for i := 0; i < 2; i++ {
		f, err := o.Open(context.Background(), url)
		require.NoError(t, err)
		data, err := io.ReadAll(f)
		f.Close()
		require.NoError(t, err)
		assert.Equal(t, "remote audio", string(data))
		assert.Equal(t, ".mp3", filepath.Ext(f.Name()))
	}

	assert.Equal(t, int32(1), hits.Load(), "second open is served from the cache")
}

func TestOpenRemoteStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	_, err := newTestOpener(t).Open(context.Background(), server.URL+"/missing.mp3")
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.True(t, IsNonRetryableError(err))
}

func TestOpenRemoteWithoutCache(t *testing.T) {
	_, err := NewOpener(nil).Open(context.Background(), "http://example.com/a.mp3")
	assert.Error(t, err)
}

func TestIsNonRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"401", &HTTPStatusError{StatusCode: 401}, true},
		{"403", &HTTPStatusError{StatusCode: 403}, true},
		{"404", &HTTPStatusError{StatusCode: 404}, true},
		{"410", &HTTPStatusError{StatusCode: 410}, true},
		{"500", &HTTPStatusError{StatusCode: 500}, false},
		{"wrapped 404", fmt.Errorf("open: %w", &HTTPStatusError{StatusCode: 404}), true},
		{"other", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNonRetryableError(tt.err); got != tt.expected {
				t.Errorf("IsNonRetryableError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}
