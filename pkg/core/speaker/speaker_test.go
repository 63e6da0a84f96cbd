package speaker

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClient_Identify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/identify", r.URL.Path)
		_, _ = w.Write([]byte(`{"speaker":"Pablo","similarity":0.83,"known":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), slog.Default())
	id, err := c.Identify(context.Background(), []byte("wav"))
	require.NoError(t, err)
	require.Equal(t, "Pablo", id.Speaker)
	require.True(t, id.Known)
}

func TestClient_IdentifyQuietSwallowsErrors(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", &http.Client{}, slog.Default())
	id := c.IdentifyQuiet(context.Background(), []byte("wav"))
	require.Empty(t, id.Speaker)

	// Second call must also be non-fatal.
	id = c.IdentifyQuiet(context.Background(), []byte("wav"))
	require.Empty(t, id.Speaker)
}

func TestClient_EnrollRequiresName(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", &http.Client{}, nil)
	require.Error(t, c.Enroll(context.Background(), "  ", []byte("wav")))
}

func TestClient_Profiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/profiles", r.URL.Path)
		_, _ = w.Write([]byte(`{"profiles":["Pablo","Speaker_1"],"count":2}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), nil)
	names, err := c.Profiles(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"Pablo", "Speaker_1"}, names)
}

func TestProfileCache(t *testing.T) {
	cache := NewProfileCache()
	cache.Put("Pablo")
	require.True(t, cache.Known("Pablo"))
	require.False(t, cache.Known("Maria"))

	cache.Replace([]string{"Maria", " ", "Luis"})
	require.False(t, cache.Known("Pablo"))
	require.True(t, cache.Known("Maria"))
	require.Len(t, cache.Names(), 2)
}
