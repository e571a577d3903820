package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/rewrite-core/internal/cache"
)

const bucket = "test-bucket"

// fakeGCS serves just enough of the JSON and XML APIs for one object.
type fakeGCS struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	switch {
	case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/upload/storage/v1/b/"+bucket+"/o"):
		name := r.URL.Query().Get("name")
		media, err := lastPart(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.objects[name] = media
		fmt.Fprintf(w, `{"name": %q, "bucket": %q}`, name, bucket)
	case r.Method == http.MethodDelete:
		name := r.URL.Path[strings.LastIndex(r.URL.Path, "/o/")+3:]
		if _, ok := f.objects[name]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.objects, name)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet:
		name := r.URL.Path
		if i := strings.LastIndex(name, "/o/"); i >= 0 {
			name = name[i+3:]
		} else {
			name = strings.TrimPrefix(name, "/"+bucket+"/")
		}
		data, ok := f.objects[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (f *fakeGCS) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[name]
	return ok
}

// lastPart returns the media part of a multipart upload.
func lastPart(r *http.Request) ([]byte, error) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	var media []byte
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return media, nil
		}
		if err != nil {
			return nil, err
		}
		media, err = io.ReadAll(part)
		if err != nil {
			return nil, err
		}
	}
}

func newTestStore(t *testing.T, fake *fakeGCS) *Store {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
		storage.WithJSONReads(),
	)
	require.NoError(t, err)
	s, err := New(client, Config{Bucket: bucket, Prefix: "rc-"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: bucket}, nil)
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{}, nil)
	require.Error(t, err)
}

func TestStoreSaveAndLoad(t *testing.T) {
	t.Parallel()

	fake := &fakeGCS{objects: map[string][]byte{}}
	s := newTestStore(t, fake)
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	require.ErrorIs(t, err, cache.ErrNotFound)

	require.NoError(t, s.Save(ctx, "key1", []byte("payload")))
	assert.True(t, fake.has("rc-key1"))

	got, err := s.Load(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	require.NoError(t, s.Remove(ctx, "key1"))
	require.NoError(t, s.Remove(ctx, "key1"))
	assert.False(t, fake.has("rc-key1"))
}

func TestStoreSaveError(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, &fakeGCS{objects: map[string][]byte{}, fail: true})
	require.Error(t, s.Save(context.Background(), "key1", []byte("payload")))
	require.Error(t, s.Save(context.Background(), " ", []byte("payload")))
}
