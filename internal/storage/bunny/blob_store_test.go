package bunny

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tonefield/mediad/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

func newTestStore(t *testing.T, handler http.HandlerFunc) *BlobStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, err := New(Config{
		Endpoint:    srv.URL,
		Zone:        "tonefield-assets",
		AccessKey:   "zone-password",
		PullZoneURL: "https://cdn.tonefield.example/",
	})
	require.NoError(t, err)
	return store
}

func TestPutObjectSendsAccessKeyAndReturnsPullZoneURL(t *testing.T) {
	t.Parallel()

	var gotPath, gotKey, gotCT, gotChecksum string
	var gotBody []byte
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("AccessKey")
		gotCT = r.Header.Get("Content-Type")
		gotChecksum = r.Header.Get("Checksum")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	})

	url, err := store.PutObject(context.Background(), "media/abc/w320.webp", "image/webp", []byte("webp-bytes"))
	require.NoError(t, err)
	require.Equal(t, "https://cdn.tonefield.example/media/abc/w320.webp", url)
	require.Equal(t, "/tonefield-assets/media/abc/w320.webp", gotPath)
	require.Equal(t, "zone-password", gotKey)
	require.Equal(t, "image/webp", gotCT)
	require.Equal(t, []byte("webp-bytes"), gotBody)

	sum := sha256.Sum256([]byte("webp-bytes"))
	require.Equal(t, strings.ToUpper(hex.EncodeToString(sum[:])), gotChecksum)
}

func TestPutObjectRejectsBadStatus(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := store.PutObject(context.Background(), "media/x", "image/webp", []byte("x"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected status 401")
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	_, err := store.PutObject(context.Background(), "/", "image/webp", []byte("x"))
	require.Error(t, err)
}

func TestGetObjectRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "zone-password", r.Header.Get("AccessKey"))
		_, _ = w.Write([]byte("original-bytes"))
	})

	data, err := store.GetObject(context.Background(), "media/abc/original.png")
	require.NoError(t, err)
	require.Equal(t, []byte("original-bytes"), data)
}

func TestGetObjectMissing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := store.GetObject(context.Background(), "media/missing.png")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected status 404")
}

func TestDeleteObjectTreats404AsSuccess(t *testing.T) {
	t.Parallel()

	var gotMethod string
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusNotFound)
	})

	err := store.DeleteObject(context.Background(), "media/gone.webp")
	require.NoError(t, err)
	require.Equal(t, http.MethodDelete, gotMethod)
}

func TestDeleteObjectSurfacesServerError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := store.DeleteObject(context.Background(), "media/x")
	require.Error(t, err)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{AccessKey: "k"})
	require.Error(t, err)
	_, err = New(Config{Zone: "z"})
	require.Error(t, err)
}
