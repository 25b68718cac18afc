package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/faceclient"
)

func TestFaceExtractorFirstCallOnlyEmbeds(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding":      []float32{0.6, 0.8},
			"faces_detected": 1,
		})
	}))
	defer srv.Close()

	ext := faceExtractor(faceclient.New(srv.URL, false))
	res, err := ext.Extract(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.FacesDetected)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/embed"}, paths)
}
