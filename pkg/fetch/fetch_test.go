package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Adorn/pkg/registry"
)

const testConnectionString = "DefaultEndpointsProtocol=https;AccountName=test;AccountKey=dGVzdA==;EndpointSuffix=core.windows.net"

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/widget.js":
			assert.Equal(t, "adorn/1.0", r.Header.Get("User-Agent"))
			w.Write([]byte("adorn.define(function(slot){})"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), zap.NewNop())

	body, err := f.Fetch(context.Background(), registry.Descriptor{Identity: srv.URL + "/widget.js"})
	require.NoError(t, err)
	assert.Equal(t, "adorn.define(function(slot){})", string(body))

	_, err = f.Fetch(context.Background(), registry.Descriptor{Identity: "w", Location: srv.URL + "/missing.js"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
}

func TestHTTPFetcherHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHTTPFetcher(nil, nil).Fetch(ctx, registry.Descriptor{Identity: srv.URL})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStaticFetcher(t *testing.T) {
	f := NewStaticFetcher(map[string]string{"mem://a": "A"})
	f.Put("mem://b", "B")

	body, err := f.Fetch(context.Background(), registry.Descriptor{Identity: "mem://a"})
	require.NoError(t, err)
	assert.Equal(t, "A", string(body))

	body[0] = 'Z'
	again, _ := f.Fetch(context.Background(), registry.Descriptor{Identity: "mem://a"})
	assert.Equal(t, "A", string(again))

	_, err = f.Fetch(context.Background(), registry.Descriptor{Identity: "mem://c"})
	assert.Error(t, err)
}

func TestRouterDispatchesOnScheme(t *testing.T) {
	mem := NewStaticFetcher(map[string]string{"mem://x": "from-mem"})
	fallback := NewStaticFetcher(map[string]string{"https://cdn/x.js": "from-fallback"})
	r := NewRouter(fallback).Handle("MEM", mem)

	body, err := r.Fetch(context.Background(), registry.Descriptor{Identity: "mem://x"})
	require.NoError(t, err)
	assert.Equal(t, "from-mem", string(body))

	body, err = r.Fetch(context.Background(), registry.Descriptor{Identity: "https://cdn/x.js"})
	require.NoError(t, err)
	assert.Equal(t, "from-fallback", string(body))

	_, err = NewRouter(nil).Fetch(context.Background(), registry.Descriptor{Identity: "ftp://x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"ftp"`)
}

func TestScheme(t *testing.T) {
	assert.Equal(t, "https", Scheme("HTTPS://example.com"))
	assert.Equal(t, "azblob", Scheme("azblob://c/p.js"))
	assert.Equal(t, "", Scheme("relative/path.js"))
	assert.Equal(t, "", Scheme("://nothing"))
}

func TestNewBlobFetcher(t *testing.T) {
	tests := []struct {
		name             string
		connectionString string
		container        string
		logger           *zap.Logger
		errContains      string
	}{
		{name: "nil logger", connectionString: testConnectionString, container: "widgets", errContains: "logger is required"},
		{name: "empty connection string", container: "widgets", logger: zap.NewNop(), errContains: "connection string is required"},
		{name: "empty container", connectionString: testConnectionString, logger: zap.NewNop(), errContains: "container name is required"},
		{name: "missing key", connectionString: "AccountName=test", container: "widgets", logger: zap.NewNop(), errContains: "account name and key"},
		{name: "valid", connectionString: testConnectionString, container: "widgets", logger: zap.NewNop()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewBlobFetcher(tt.connectionString, tt.container, tt.logger)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Nil(t, f)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "https://test.blob.core.windows.net", f.serviceURL)
		})
	}
}

func TestBlobFetcherResolve(t *testing.T) {
	f, err := NewBlobFetcher(testConnectionString, "widgets", zap.NewNop())
	require.NoError(t, err)

	tests := []struct {
		location  string
		container string
		path      string
		wantErr   bool
	}{
		{location: "azblob://bundles/dmm/widget.js", container: "bundles", path: "dmm/widget.js"},
		{location: "https://test.blob.core.windows.net/widgets/a%20b.js?sv=1", container: "widgets", path: "a b.js"},
		{location: "/widgets/x.js", container: "widgets", path: "x.js"},
		{location: "azblob://only-container", wantErr: true},
		{location: "  ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.location), func(t *testing.T) {
			container, path, err := f.resolve(tt.location)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.container, container)
			assert.Equal(t, tt.path, path)
		})
	}
}

func TestBlobLocation(t *testing.T) {
	assert.Equal(t, "azblob://widgets/dmm/w.js", BlobLocation("widgets", "/dmm/w.js"))
}
