package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/auth"
	"github.com/MarcoPoloResearchLab/forumsync/internal/cache"
	"github.com/MarcoPoloResearchLab/forumsync/internal/database"
	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
	"github.com/MarcoPoloResearchLab/forumsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/forumsync/internal/remote"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type relayFixture struct {
	server *httptest.Server
	store  *cache.Store
}

func newRelay(t *testing.T, tokens TokenValidator) relayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "relay.db"), zap.NewNop())
	require.NoError(t, err)
	store, err := cache.NewStore(context.Background(), cache.StoreConfig{Database: db})
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	handler, err := NewHTTPHandler(Dependencies{
		Store:    store,
		Tokens:   tokens,
		Metrics:  metrics.New(registry),
		Gatherer: registry,
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return relayFixture{server: server, store: store}
}

func (f relayFixture) do(t *testing.T, method, path, body, token string) *http.Response {
	t.Helper()
	request, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func TestNewHTTPHandlerRequiresStore(t *testing.T) {
	_, err := NewHTTPHandler(Dependencies{})
	require.ErrorIs(t, err, errMissingStore)
}

func TestRelayHealthAndMetrics(t *testing.T) {
	relay := newRelay(t, nil)

	response := relay.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, response.StatusCode)

	relay.do(t, http.MethodGet, "/collections/posts", "", "")
	metricsResponse := relay.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, metricsResponse.StatusCode)
	var body strings.Builder
	_, err := body.ReadFrom(metricsResponse.Body)
	require.NoError(t, err)
	require.Contains(t, body.String(), "forumsync_relay_requests_total")
}

func TestRelayEntityRoundTrip(t *testing.T) {
	relay := newRelay(t, nil)

	response := relay.do(t, http.MethodPut, "/collections/posts/p1", `{"title":"hello","upvotes":3}`, "")
	require.Equal(t, http.StatusNoContent, response.StatusCode)

	response = relay.do(t, http.MethodGet, "/collections/posts", "", "")
	require.Equal(t, http.StatusOK, response.StatusCode)
	var payload collectionPayload
	require.NoError(t, json.NewDecoder(response.Body).Decode(&payload))
	require.Equal(t, "posts", payload.Collection)
	require.Len(t, payload.Documents, 1)
	require.Equal(t, "p1", payload.Documents[0].ID())
	require.Equal(t, int64(3), payload.Documents[0].Int("upvotes"))

	response = relay.do(t, http.MethodPut, "/collections/posts/p1", `{"id":"other"}`, "")
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
	response = relay.do(t, http.MethodPut, "/collections/themes/t1", `{}`, "")
	require.Equal(t, http.StatusNotFound, response.StatusCode)

	response = relay.do(t, http.MethodDelete, "/collections/posts/p1", "", "")
	require.Equal(t, http.StatusNoContent, response.StatusCode)
	require.Zero(t, relay.store.Read(forum.CollectionPosts).Len())
}

func TestRelayBlobOverwritesOnlyPresentCollections(t *testing.T) {
	relay := newRelay(t, nil)

	response := relay.do(t, http.MethodGet, "/blob", "", "")
	require.Equal(t, http.StatusNotFound, response.StatusCode)

	require.NoError(t, relay.store.Write(context.Background(), forum.CollectionWiki, "rules", forum.Document{"id": "rules", "title": "Rules"}))
	response = relay.do(t, http.MethodPut, "/blob", `{"posts":[{"id":"p1"},{"title":"no id"}],"users":[],"themes":[1],"last_updated":5}`, "")
	require.Equal(t, http.StatusNoContent, response.StatusCode)

	require.Equal(t, []string{"p1"}, relay.store.Read(forum.CollectionPosts).IDs())
	require.True(t, relay.store.Populated(forum.CollectionUsers))
	_, ok := relay.store.Get(forum.CollectionWiki, "rules")
	require.True(t, ok, "absent collections must survive a blob write")

	response = relay.do(t, http.MethodGet, "/blob", "", "")
	require.Equal(t, http.StatusOK, response.StatusCode)
	var fields map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(response.Body).Decode(&fields))
	require.JSONEq(t, `[]`, string(fields["users"]))
	require.Contains(t, fields, "wiki")
	require.NotContains(t, fields, "chat")
	require.Contains(t, fields, "last_updated")

	response = relay.do(t, http.MethodPut, "/blob", `[1,2]`, "")
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestRelayRequiresTokenWhenConfigured(t *testing.T) {
	secret := []byte("relay-secret")
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: secret, Issuer: "forumsync-relay"})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: secret, Issuer: "forumsync-relay"})
	require.NoError(t, err)
	token, _, err := issuer.Issue("user-1", "alice")
	require.NoError(t, err)

	relay := newRelay(t, validator)
	require.Equal(t, http.StatusUnauthorized, relay.do(t, http.MethodGet, "/collections/users", "", "").StatusCode)
	require.Equal(t, http.StatusOK, relay.do(t, http.MethodGet, "/collections/users", "", token).StatusCode)
	require.Equal(t, http.StatusOK, relay.do(t, http.MethodGet, "/healthz", "", "").StatusCode)
}

func TestRelayServesPollingAdapter(t *testing.T) {
	relay := newRelay(t, nil)
	blob, err := remote.NewHTTPBlobStore(remote.HTTPBlobStoreConfig{URL: relay.server.URL + "/blob"})
	require.NoError(t, err)
	adapter, err := remote.NewPollingAdapter(remote.PollingConfig{Store: blob, ReuseWindow: time.Nanosecond})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = adapter.Pull(ctx, forum.CollectionUsers)
	require.ErrorIs(t, err, remote.ErrBlobNotFound)
	require.NoError(t, adapter.Seed(ctx, []forum.Snapshot{{Collection: forum.CollectionUsers}}))

	require.NoError(t, adapter.Push(ctx, forum.Change{
		Mutation: forum.NewCreate(forum.CollectionUsers, forum.Document{"id": "u1"}),
		Entity:   forum.Document{"id": "u1", "points": int64(10)},
	}))
	snapshot, err := adapter.Pull(ctx, forum.CollectionUsers)
	require.NoError(t, err)
	require.True(t, snapshot.Confirmed)
	require.Equal(t, []string{"u1"}, snapshot.IDs())
}

func TestRelayLiveFeedDrivesLiveAdapter(t *testing.T) {
	relay := newRelay(t, nil)
	adapter, err := remote.NewLiveAdapter(remote.LiveConfig{BaseURL: relay.server.URL, MinBackoff: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snapshots := make(chan forum.Snapshot, 8)
	done := make(chan error, 1)
	go func() {
		done <- adapter.Watch(ctx, []forum.CollectionName{forum.CollectionChat}, func(snapshot forum.Snapshot) {
			snapshots <- snapshot
		})
	}()

	first := <-snapshots
	require.True(t, first.Confirmed)
	require.Zero(t, first.Len())

	require.NoError(t, adapter.Push(ctx, forum.Change{
		Mutation: forum.NewCreate(forum.CollectionChat, forum.Document{"id": "m1"}),
		Entity:   forum.Document{"id": "m1", "text": "hi"},
	}))
	require.Eventually(t, func() bool {
		select {
		case snapshot := <-snapshots:
			return snapshot.Len() == 1 && snapshot.Documents[0].String("text") == "hi"
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
