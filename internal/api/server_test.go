package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tonefield/mediad/internal/config"
	"github.com/tonefield/mediad/internal/dispatcher"
	"github.com/tonefield/mediad/internal/media"
	"github.com/tonefield/mediad/internal/metrics"
	queueMemory "github.com/tonefield/mediad/internal/queue/memory"
	storageMemory "github.com/tonefield/mediad/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakeIDGen struct {
	next int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

type fakeHasher struct{}

func (fakeHasher) Hash([]byte) (string, error) { return "checksum", nil }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type testEnv struct {
	server    *Server
	store     *storageMemory.MediaStore
	blobStore *storageMemory.BlobStore
	queue     *queueMemory.Queue
}

func newTestEnv() *testEnv {
	store := storageMemory.NewMediaStore()
	blobStore := storageMemory.NewBlobStore()
	q := queueMemory.NewQueue(10)
	cfg := config.Config{
		Server:   config.ServerConfig{Port: 8080},
		Pipeline: config.PipelineConfig{Concurrency: 1, MaxUploadBytes: 1 << 20},
		Storage:  config.StorageConfig{Provider: "memory", Prefix: "media"},
	}
	server := NewServer(
		store, store, blobStore, dispatcher.New(q, nil),
		fakeHasher{}, &fakeIDGen{}, &fakeClock{now: time.Unix(100, 0)},
		cfg, zap.NewNop(),
	)
	return &testEnv{server: server, store: store, blobStore: blobStore, queue: q}
}

func pngUpload(t *testing.T, filename string) (*bytes.Buffer, string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, img))
	return multipartUpload(t, filename, pngBuf.Bytes())
}

func multipartUpload(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func TestServer_UploadMedia_AcceptsImage(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	body, contentType := pngUpload(t, "cover.png")

	req := httptest.NewRequest(http.MethodPost, "/v1/media", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var got media.Media
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, media.KindImage, got.Kind)
	require.Equal(t, media.StatusPending, got.Status)
	require.Equal(t, "image/png", got.ContentType)
	require.Equal(t, "media/id-1/original.png", got.StoragePath)

	// The original landed in blob storage and the item was queued.
	_, err := env.blobStore.GetObject(context.Background(), got.StoragePath)
	require.NoError(t, err)
	item, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, got.ID, item.MediaID)
}

func TestServer_UploadMedia_RejectsUnsupportedType(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	body, contentType := multipartUpload(t, "notes.txt", []byte("plain text, not media"))

	req := httptest.NewRequest(http.MethodPost, "/v1/media", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestServer_UploadMedia_MissingFileField(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	req := httptest.NewRequest(http.MethodPost, "/v1/media", bytes.NewBufferString("not multipart"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetMedia_NotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	req := httptest.NewRequest(http.MethodGet, "/v1/media/missing", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListMedia_FiltersByKind(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	require.NoError(t, env.store.CreateMedia(ctx, media.Media{ID: "m1", Kind: media.KindImage}))
	require.NoError(t, env.store.CreateMedia(ctx, media.Media{ID: "m2", Kind: media.KindAudio}))

	req := httptest.NewRequest(http.MethodGet, "/v1/media?kind=audio", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "m2")
	require.NotContains(t, rec.Body.String(), "m1")
}

func TestServer_ListMedia_DeletedParamIncludesSoftDeleted(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	require.NoError(t, env.store.CreateMedia(ctx, media.Media{ID: "m1", Kind: media.KindImage}))
	require.NoError(t, env.store.CreateMedia(ctx, media.Media{ID: "m2", Kind: media.KindImage}))
	require.NoError(t, env.store.SoftDelete(ctx, "m2"))

	req := httptest.NewRequest(http.MethodGet, "/v1/media", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "m2")

	req = httptest.NewRequest(http.MethodGet, "/v1/media?deleted=true", nil)
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "m1")
	require.Contains(t, rec.Body.String(), "m2")
}

func TestServer_DeleteMedia_ConflictWhenReferenced(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	require.NoError(t, env.store.CreateMedia(ctx, media.Media{ID: "m1", Kind: media.KindImage}))
	require.NoError(t, env.store.CreateWork(ctx, media.Work{ID: "w1", Title: "T", Kind: media.WorkDigital}))
	require.NoError(t, env.store.AttachMedia(ctx, "w1", "m1"))

	req := httptest.NewRequest(http.MethodDelete, "/v1/media/m1", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_DeleteMedia_SoftDeletesUnreferenced(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	require.NoError(t, env.store.CreateMedia(ctx, media.Media{ID: "m1", Kind: media.KindImage}))

	req := httptest.NewRequest(http.MethodDelete, "/v1/media/m1", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	got, err := env.store.GetMedia(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got.DeletedAt)
}

func TestServer_CreateWork_GeneratesSlug(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	reqBody := []byte(`{"title":"Night Tape, Vol. 2","kind":"audio"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/works", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var got media.Work
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "night-tape-vol-2", got.Slug)
	require.Equal(t, media.WorkAudio, got.Kind)
}

func TestServer_CreateWork_RejectsUnknownKind(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	req := httptest.NewRequest(http.MethodPost, "/v1/works", bytes.NewBufferString(`{"title":"T","kind":"sculpture"}`))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_AttachDetachLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	require.NoError(t, env.store.CreateMedia(ctx, media.Media{ID: "m1", Kind: media.KindImage}))
	require.NoError(t, env.store.CreateWork(ctx, media.Work{ID: "w1", Title: "T", Kind: media.WorkDigital}))

	attach := httptest.NewRequest(http.MethodPut, "/v1/works/w1/media/m1", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, attach)
	require.Equal(t, http.StatusOK, rec.Code)

	// A second attach of the same pair conflicts.
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/works/w1/media/m1", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	m, err := env.store.GetMedia(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 1, m.RefCount)

	detach := httptest.NewRequest(http.MethodDelete, "/v1/works/w1/media/m1", nil)
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, detach)
	require.Equal(t, http.StatusOK, rec.Code)

	// Detaching the last reference soft-deletes the media row.
	m, err = env.store.GetMedia(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 0, m.RefCount)
	require.NotNil(t, m.DeletedAt)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	store := storageMemory.NewMediaStore()
	q := queueMemory.NewQueue(1)
	cfg := config.Config{
		Auth:     config.AuthConfig{Enabled: true, APIKey: "secret"},
		Pipeline: config.PipelineConfig{MaxUploadBytes: 1 << 20},
		Storage:  config.StorageConfig{Prefix: "media"},
	}
	server := NewServer(
		store, store, storageMemory.NewBlobStore(), dispatcher.New(q, nil),
		fakeHasher{}, &fakeIDGen{}, &fakeClock{now: time.Unix(100, 0)},
		cfg, zap.NewNop(),
	)

	req := httptest.NewRequest(http.MethodGet, "/v1/media", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/media", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Keys travel in the header only; query strings end up in access logs.
	req = httptest.NewRequest(http.MethodGet, "/v1/media?api_key=secret", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Health endpoints stay open.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_UploadMedia_TooLarge(t *testing.T) {
	t.Parallel()

	store := storageMemory.NewMediaStore()
	q := queueMemory.NewQueue(1)
	cfg := config.Config{
		Pipeline: config.PipelineConfig{MaxUploadBytes: 64},
		Storage:  config.StorageConfig{Prefix: "media"},
	}
	server := NewServer(
		store, store, storageMemory.NewBlobStore(), dispatcher.New(q, nil),
		fakeHasher{}, &fakeIDGen{}, &fakeClock{now: time.Unix(100, 0)},
		cfg, zap.NewNop(),
	)

	body, contentType := pngUpload(t, "big.png")
	req := httptest.NewRequest(http.MethodPost, "/v1/media", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
