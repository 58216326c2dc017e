package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/duplicate"
	"github.com/printvault/printvault/internal/health"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/settings"
	"github.com/printvault/printvault/internal/storage"
	"github.com/printvault/printvault/internal/telegram"
)

type fixture struct {
	server *Server
	router chi.Router
	store  *catalog.Store
	queue  *jobs.Queue
	client *telegram.FakeClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	store, err := catalog.Open(filepath.Join(root, "app.db"))
	require.NoError(t, err)
	queue := jobs.New(store, nil)
	client := telegram.NewFakeClient()
	paths := storage.Paths{DataDir: root, LibraryDir: filepath.Join(root, "library")}
	srv := NewServer(
		store, queue,
		telegram.NewAuth(client), client,
		health.NewChecker(store, queue, nil, nil, paths),
		settings.NewService(store, nil),
		duplicate.NewEngine(store, paths),
	)
	return &fixture{server: srv, router: srv.Routes(), store: store, queue: queue, client: client}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSettingsEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/settings/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decodeBody[[]settingView](t, rec)
	byKey := map[string]settingView{}
	for _, v := range views {
		byKey[v.Key] = v
	}
	require.Equal(t, "1", byKey[settings.KeyMaxConcurrentDownloads].Value)
	require.Equal(t, "int", byKey[settings.KeyMaxConcurrentDownloads].Kind)

	rec = f.do(t, http.MethodPut, "/settings/"+settings.KeyMaxConcurrentDownloads, settingUpdate{Value: "4"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "4", decodeBody[map[string]string](t, rec)["value"])

	// Out-of-range values are rejected, unknown keys are a 404.
	rec = f.do(t, http.MethodPut, "/settings/"+settings.KeyMaxConcurrentDownloads, settingUpdate{Value: "99"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPut, "/settings/no_such_key", settingUpdate{Value: "1"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSourceLifecycle(t *testing.T) {
	f := newFixture(t)

	// A bulk source without its folder path fails validation.
	rec := f.do(t, http.MethodPost, "/import-sources/", sourceRequest{Name: "bulk", Type: "bulk_folder"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/import-sources/", sourceRequest{
		Name: "bulk", Type: "bulk_folder", FolderPath: "/mnt/designs",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	src := decodeBody[catalog.ImportSource](t, rec)
	require.NotZero(t, src.ID)
	require.Equal(t, catalog.SourceActive, src.Status)

	base := fmt.Sprintf("/import-sources/%d", src.ID)
	rec = f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The source type is fixed at creation.
	rec = f.do(t, http.MethodPut, base, sourceRequest{
		Name: "bulk", Type: "phpbb", ForumBaseURL: "https://forum.test", ForumID: 3,
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPut, base, sourceRequest{
		Name: "renamed", Type: "bulk_folder", FolderPath: "/mnt/designs",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "renamed", decodeBody[catalog.ImportSource](t, rec).Name)

	// The first sync queues a job, a second is refused while it is pending.
	rec = f.do(t, http.MethodPost, base+"/sync", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = f.do(t, http.MethodPost, base+"/sync", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, base+"/records", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decodeBody[[]catalog.ImportRecord](t, rec))

	rec = f.do(t, http.MethodDelete, base, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, catalog.JobGenerateRender, jobs.EnqueueOptions{})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/queue/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[jobPage](t, rec)
	require.Len(t, page.Items, 1)

	rec = f.do(t, http.MethodPatch, fmt.Sprintf("/queue/%d/priority", job.ID), priorityRequest{Priority: -5})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, -5, decodeBody[catalog.Job](t, rec).Priority)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/queue/%d/cancel", job.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, catalog.JobCanceled, decodeBody[catalog.Job](t, rec).Status)

	// Terminal jobs cannot be canceled again or reprioritised.
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/queue/%d/cancel", job.ID), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPatch, fmt.Sprintf("/queue/%d/priority", job.ID), priorityRequest{Priority: 0})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/queue/999/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestDuplicateEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := &catalog.Design{Title: "Dragon", Designer: "Ada", Status: catalog.DesignOrganized}
	b := &catalog.Design{Title: "Dragon", Designer: "Ada", Status: catalog.DesignOrganized}
	require.NoError(t, f.store.CreateDesign(ctx, a))
	require.NoError(t, f.store.CreateDesign(ctx, b))
	cand := &catalog.DuplicateCandidate{
		DesignAID: a.ID, DesignBID: b.ID,
		MatchType: "title_fuzzy", Confidence: 0.7, Status: catalog.DuplicatePending,
	}
	require.NoError(t, f.store.CreateDuplicateCandidate(ctx, cand))

	rec := f.do(t, http.MethodGet, "/duplicates/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[[]catalog.DuplicateCandidate](t, rec), 1)

	// The winner must be one of the pair.
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/duplicates/%d/merge", cand.ID), mergeRequest{WinnerID: 999})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/duplicates/%d/merge", cand.ID), mergeRequest{WinnerID: a.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := f.store.GetDesign(ctx, b.ID)
	require.ErrorIs(t, err, catalog.ErrNotFound)

	// A reviewed candidate cannot be merged twice.
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/duplicates/%d/merge", cand.ID), mergeRequest{WinnerID: a.ID})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/duplicates/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decodeBody[[]catalog.DuplicateCandidate](t, rec))
}

func TestDuplicateReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := &catalog.Design{Title: "Hero", Status: catalog.DesignOrganized}
	b := &catalog.Design{Title: "Hero Bust", Status: catalog.DesignOrganized}
	require.NoError(t, f.store.CreateDesign(ctx, a))
	require.NoError(t, f.store.CreateDesign(ctx, b))
	cand := &catalog.DuplicateCandidate{
		DesignAID: a.ID, DesignBID: b.ID,
		MatchType: "title_fuzzy", Confidence: 0.7, Status: catalog.DuplicatePending,
	}
	require.NoError(t, f.store.CreateDuplicateCandidate(ctx, cand))

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/duplicates/%d/reject", cand.ID), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Both designs survive and the review queue is empty.
	_, err := f.store.GetDesign(ctx, b.ID)
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/duplicates/", nil)
	require.Empty(t, decodeBody[[]catalog.DuplicateCandidate](t, rec))
}

func TestAuthEndpoints(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.Connect(context.Background()))

	rec := f.do(t, http.MethodPost, "/telegram/auth/start", authStartRequest{Phone: "15550001111"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/telegram/auth/start", authStartRequest{Phone: "+15550001111"})
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[telegram.AuthStatus](t, rec)
	require.Equal(t, telegram.AuthAwaitingCode, st.State)

	rec = f.do(t, http.MethodPost, "/telegram/auth/verify", authVerifyRequest{Code: "99999"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/telegram/auth/verify", authVerifyRequest{Code: "00000"})
	require.Equal(t, http.StatusOK, rec.Code)
	st = decodeBody[telegram.AuthStatus](t, rec)
	require.Equal(t, telegram.AuthAuthenticated, st.State)

	rec = f.do(t, http.MethodPost, "/telegram/auth/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st = decodeBody[telegram.AuthStatus](t, rec)
	require.Equal(t, telegram.AuthLoggedOut, st.State)
}

func TestDiscoveredEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.client.Connect(ctx))
	f.client.AddPeer(telegram.Peer{ID: "200", Username: "niceminis", Title: "Nice Minis"})

	dc, err := f.store.UpsertDiscoveredChannel(ctx, catalog.DiscoveredRef{
		Username: "niceminis", SourceType: catalog.DiscoveryMention,
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/discovered-channels/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[discoveredPage](t, rec)
	require.Equal(t, int64(1), page.Total)

	// Promotion resolves the peer, creates the channel and clears the entry.
	rec = f.do(t, http.MethodPost, "/discovered-channels/", addChannelRequest{DiscoveredID: dc.ID, Enabled: true})
	require.Equal(t, http.StatusCreated, rec.Code)
	ch := decodeBody[catalog.Channel](t, rec)
	require.Equal(t, "200", ch.PeerID)
	require.True(t, ch.Enabled)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/discovered-channels/%d", dc.ID), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Promoting an already-monitored ref reports the existing channel.
	rec = f.do(t, http.MethodPost, "/discovered-channels/", addChannelRequest{Ref: "@niceminis"})
	require.Equal(t, http.StatusConflict, rec.Code)

	// Unresolvable references are rejected, not stored.
	rec = f.do(t, http.MethodPost, "/discovered-channels/", addChannelRequest{Ref: "@nobody"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHealthEndpointReportsUnavailable(t *testing.T) {
	// No worker manager is wired, so the fleet probe fails the service.
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodGet, "/health/detailed", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rep := decodeBody[health.Report](t, rec)
	require.Equal(t, health.StatusUnhealthy, rep.Subsystems["workers"].Status)
}

func TestNotFoundAndBadIDs(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/import-sources/42", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/discovered-channels/abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPatch, "/queue/0/priority", priorityRequest{Priority: 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
