package offlinecache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bau-structura/offline-cache/cache"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrationUsesNetworkUntilActive(t *testing.T) {
	s := newTestController(t, appServer(nil))
	network := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "network")
	})
	reg := NewRegistration(network, zerolog.Nop())

	assert.Equal(t, "network", readBody(t, do(reg, "GET", "/")))

	require.NoError(t, reg.Update(context.Background(), s.ctrl))
	assert.Same(t, s.ctrl, reg.Active())
	res := do(reg, "GET", "/")
	assert.Equal(t, "<html>Bau-Structura</html>", readBody(t, res))
	assert.Equal(t, "Bau-Structura; hit", res.Header.Get("Cache-Status"))
}

func TestFailedUpdateKeepsPreviousGeneration(t *testing.T) {
	s := newTestController(t, appServer(nil))
	reg := NewRegistration(http.NotFoundHandler(), zerolog.Nop())
	require.NoError(t, reg.Update(context.Background(), s.ctrl))

	config := s.config
	config.StaticCache = "bau-structura-static-v2"
	config.DynamicCache = "bau-structura-dynamic-v2"
	config.Precache = []string{"/", "/gone.png"}
	next, err := New(config)
	require.NoError(t, err)

	assert.ErrorIs(t, reg.Update(context.Background(), next), ErrInstallFailed)
	assert.Same(t, s.ctrl, reg.Active())
	assert.True(t, s.ctrl.Active())
	names, err := s.cache.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{StaticCacheName}, names)
}

func TestUpdateRetiresPreviousGeneration(t *testing.T) {
	s := newTestController(t, appServer(nil))
	reg := NewRegistration(http.NotFoundHandler(), zerolog.Nop())
	require.NoError(t, reg.Update(context.Background(), s.ctrl))

	config := s.config
	config.StaticCache = "bau-structura-static-v2"
	config.DynamicCache = "bau-structura-dynamic-v2"
	next, err := New(config)
	require.NoError(t, err)

	require.NoError(t, reg.Update(context.Background(), next))
	assert.Same(t, next, reg.Active())
	assert.False(t, s.ctrl.Active())
	assert.ErrorIs(t, s.ctrl.Install(context.Background()), ErrRedundant)

	names, err := s.cache.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"bau-structura-static-v2"}, names)
}

func TestRetiredGenerationDoesNotRecreatePartitions(t *testing.T) {
	var blocking atomic.Bool
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	s := newTestController(t, appServer(func(w http.ResponseWriter, r *http.Request) {
		if blocking.Load() {
			started <- struct{}{}
			<-release
		}
		io.WriteString(w, `{"projects":[]}`)
	}))
	reg := NewRegistration(http.NotFoundHandler(), zerolog.Nop())
	require.NoError(t, reg.Update(context.Background(), s.ctrl))
	require.Equal(t, http.StatusOK, do(reg, "GET", "/api/projects").StatusCode)

	// the revalidation of this hit is held on the network across the update
	blocking.Store(true)
	assert.Equal(t, "Bau-Structura; hit", do(reg, "GET", "/api/projects").Header.Get("Cache-Status"))
	<-started

	config := s.config
	config.StaticCache = "bau-structura-static-v2"
	config.DynamicCache = "bau-structura-dynamic-v2"
	next, err := New(config)
	require.NoError(t, err)
	updateCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, reg.Update(updateCtx, next))

	close(release)
	require.NoError(t, s.ctrl.Close(context.Background()))

	names, err := s.cache.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"bau-structura-static-v2"}, names)
	deleted, err := next.Activate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestEventRouter(t *testing.T) {
	s := newTestController(t, appServer(nil))
	reg := NewRegistration(http.NotFoundHandler(), zerolog.Nop())
	events := reg.EventRouter()

	res := do(events, "POST", "/sync/"+SyncTag)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	require.NoError(t, reg.Update(context.Background(), s.ctrl))

	res = do(events, "POST", "/sync/"+SyncTag)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	rr := httptest.NewRecorder()
	events.ServeHTTP(rr, httptest.NewRequest("POST", "/push", strings.NewReader("Bautagebuch aktualisiert")))
	require.Equal(t, http.StatusCreated, rr.Code)
	var shown struct {
		ID   string `json:"id"`
		Body string `json:"body"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&shown))
	assert.Equal(t, "Bautagebuch aktualisiert", shown.Body)

	res = do(events, "POST", "/notifications/"+shown.ID+"/click?action=open")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res = do(events, "POST", "/notifications/"+shown.ID+"/click?action=close")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res = do(events, "POST", "/activate")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var activated map[string][]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&activated))
	assert.Empty(t, activated["deleted"])

	res = do(events, "GET", "/partitions")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var partitions []partitionInfo
	require.NoError(t, json.NewDecoder(res.Body).Decode(&partitions))
	require.Len(t, partitions, 1)
	assert.Equal(t, partitionInfo{Name: StaticCacheName, Entries: len(DefaultPrecache), Current: true}, partitions[0])
}

func TestSQLiteBackedController(t *testing.T) {
	sqlite, err := cache.NewSQLiteCache(t.TempDir() + "/cache.db")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	s := newTestController(t, appServer(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"projects":[]}`)
	}), func(c *Config) { c.Cache = sqlite })
	activate(t, s.ctrl)

	require.Equal(t, `{"projects":[]}`, readBody(t, do(s.ctrl, "GET", "/api/projects")))
	s.net.offline.Store(true)
	assert.Equal(t, `{"projects":[]}`, readBody(t, do(s.ctrl, "GET", "/api/projects")))
	assert.Equal(t, "<html>Bau-Structura</html>", readBody(t, do(s.ctrl, "GET", "/")))
}

// brokenWriter is a client connection that went away.
type brokenWriter struct {
	*httptest.ResponseRecorder
}

func (brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("client gone")
}

func TestWriteErrorsAreLogged(t *testing.T) {
	var logs bytes.Buffer
	logger := zerolog.New(&logs)
	reg := NewRegistration(http.NotFoundHandler(), logger)
	reg.writeJSON(brokenWriter{httptest.NewRecorder()}, http.StatusOK, map[string]string{"id": "1"})
	assert.Contains(t, logs.String(), "client gone")

	logs.Reset()
	s := newTestController(t, appServer(nil), func(c *Config) { c.Logger = &logger })
	activate(t, s.ctrl)
	s.net.offline.Store(true)
	s.ctrl.ServeHTTP(brokenWriter{httptest.NewRecorder()}, httptest.NewRequest("GET", "/assets/missing.js", nil))
	assert.Contains(t, logs.String(), "Could not write offline response")
}
