package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 5, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "manifests/acme/20260301T113005Z-0a1b2c3d4e5f.yaml", Key("acme", "0a1b2c3d4e5f", at))
}

func TestS3Archiver_Archive(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(data)
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewS3Archiver(srv.URL, "key", "secret", "orchestrator", zerolog.Nop())
	a.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	key, err := a.Archive(context.Background(), "acme", "0a1b2c3d4e5f", []byte("services: {}\n"))
	require.NoError(t, err)
	assert.Equal(t, "manifests/acme/20260301T120000Z-0a1b2c3d4e5f.yaml", key)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/orchestrator/"+key, path)
	assert.Contains(t, body, "services: {}")
}

func TestS3Archiver_ArchiveError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
	}))
	defer srv.Close()

	a := NewS3Archiver(srv.URL, "key", "secret", "orchestrator", zerolog.Nop())
	_, err := a.Archive(context.Background(), "acme", "rev", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive manifest for acme")
	assert.Contains(t, err.Error(), "AccessDenied")
}

func TestS3Archiver_History(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "manifests/acme/", r.URL.Query().Get("prefix"))
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, strings.Join([]string{
			`<?xml version="1.0" encoding="UTF-8"?>`,
			`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`,
			`<Name>orchestrator</Name><Prefix>manifests/acme/</Prefix><KeyCount>2</KeyCount><IsTruncated>false</IsTruncated>`,
			`<Contents><Key>manifests/acme/20260302T000000Z-bbb.yaml</Key><Size>10</Size></Contents>`,
			`<Contents><Key>manifests/acme/20260301T000000Z-aaa.yaml</Key><Size>10</Size></Contents>`,
			`</ListBucketResult>`,
		}, ""))
	}))
	defer srv.Close()

	a := NewS3Archiver(srv.URL, "key", "secret", "orchestrator", zerolog.Nop())
	keys, err := a.History(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"manifests/acme/20260301T000000Z-aaa.yaml",
		"manifests/acme/20260302T000000Z-bbb.yaml",
	}, keys)
}

func TestNop(t *testing.T) {
	key, err := Nop{}.Archive(context.Background(), "acme", "rev", nil)
	assert.NoError(t, err)
	assert.Empty(t, key)
}
