package selfauditsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsAuthAndPaths(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"changed":true,"run_id":"r1","status":"in-progress","progress":{"subject_id":"venue 1","module_id":"physical-access","runs":[]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "venue 1")
	c.APIKey = "sa_test"
	res, err := c.Answer(context.Background(), "physical-access", "pa-evacuation-plan", "yes", "checked")
	require.NoError(t, err)

	assert.Equal(t, "/v0/subjects/venue 1/modules/physical-access/responses/pa-evacuation-plan", gotPath)
	assert.Equal(t, "sa_test", gotKey)
	assert.Equal(t, map[string]any{"value": "yes"}, gotBody["payload"])
	assert.Equal(t, "checked", gotBody["notes"])
	assert.True(t, res.Changed)
	assert.Equal(t, "r1", res.RunID)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"run x: not found"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "venue-1")
	c.BearerToken = "token"
	_, err := c.Compare(context.Background(), "physical-access", "x", "current")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "run x: not found")
}

func TestEventsPageQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"items":[{"id":3,"type":"response.saved"}],"next_cursor":"3"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL, "venue-1").EventsPage(context.Background(), 1, "9")
	require.NoError(t, err)
	assert.Equal(t, "cursor=9&limit=1&subject_id=venue-1", gotQuery)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "3", page.NextCursor)
}
