package faceclient_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/faceclient"
)

func TestExtractPostsBase64Image(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"embedding":[0.5,0.25],"score":0.9,"faces_detected":1}`))
	}))
	defer srv.Close()

	c := faceclient.New(srv.URL, false)
	res, err := c.Extract(context.Background(), []byte("jpeg-bytes"))
	require.NoError(t, err)

	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")), got["image"])
	assert.Equal(t, []float32{0.5, 0.25}, res.Embedding)
	assert.Equal(t, 1, res.FacesDetected)
}

func TestExtractNoFaceIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embedding":[],"faces_detected":0}`))
	}))
	defer srv.Close()

	res, err := faceclient.New(srv.URL, false).Extract(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Empty(t, res.Embedding)
	assert.Zero(t, res.FacesDetected)
}

func TestExtractServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := faceclient.New(srv.URL, false).Extract(context.Background(), []byte("img"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestExtractHonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := faceclient.New(srv.URL, false).Extract(ctx, []byte("img"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExtractRequiresImage(t *testing.T) {
	_, err := faceclient.New("http://unused", true).Extract(context.Background(), nil)
	assert.Error(t, err)
}

func TestSkipModeIsDeterministic(t *testing.T) {
	c := faceclient.New("", true)
	ctx := context.Background()

	a, err := c.Extract(ctx, []byte("face-one"))
	require.NoError(t, err)
	b, err := c.Extract(ctx, []byte("face-one"))
	require.NoError(t, err)
	other, err := c.Extract(ctx, []byte("face-two"))
	require.NoError(t, err)

	assert.Equal(t, a.Embedding, b.Embedding)
	assert.NotEqual(t, a.Embedding, other.Embedding)
	assert.Len(t, a.Embedding, 32)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	require.NoError(t, faceclient.New(srv.URL, false).Health(context.Background()))
	require.NoError(t, faceclient.New("", true).Health(context.Background()))

	srv.Close()
	assert.Error(t, faceclient.New(srv.URL, false).Health(context.Background()))
}
