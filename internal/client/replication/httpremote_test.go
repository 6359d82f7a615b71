package replication

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quackmore/mycoRegister/internal/client/models"
	"github.com/quackmore/mycoRegister/internal/common"
)

func TestHTTPRemote_Push(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody struct {
		Docs []map[string]any `json:"docs"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, "userdb-alice", func() string { return "tok" })
	err := remote.Push(context.Background(), []models.Record{
		{ID: "r1", Payload: []byte(`{"species":"x"}`), UpdatedAt: time.Now().UTC()},
		{ID: "r2", Payload: []byte(`{}`), Deleted: true, UpdatedAt: time.Now().UTC()},
	})
	require.NoError(t, err)

	assert.Equal(t, "/db/userdb-alice/_bulk_docs", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	require.Len(t, gotBody.Docs, 2)
	assert.Equal(t, "r1", gotBody.Docs[0]["_id"])
	assert.Equal(t, true, gotBody.Docs[1]["_deleted"])
}

func TestHTTPRemote_Pull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/db/userdb-alice/_changes", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("include_docs"))
		assert.Equal(t, "7", r.URL.Query().Get("since"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))

		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"_id": "r1", "payload": map[string]string{"species": "x"}, "updatedAt": time.Now().UTC()},
				{"_id": "r2", "payload": map[string]string{}, "_deleted": true, "updatedAt": time.Now().UTC()},
			},
			"last_seq": 9,
		})
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, "userdb-alice", func() string { return "tok" })
	docs, seq, err := remote.Pull(context.Background(), 7, 50)
	require.NoError(t, err)

	assert.EqualValues(t, 9, seq)
	require.Len(t, docs, 2)
	assert.Equal(t, "r1", docs[0].ID)
	assert.True(t, docs[1].Deleted)
}

func TestHTTPRemote_EmptyPullKeepsCheckpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, "userdb-alice", func() string { return "tok" })
	docs, seq, err := remote.Pull(context.Background(), 7, 50)
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.EqualValues(t, 7, seq, "a feed with no last_seq must not rewind the checkpoint")
}

func TestHTTPRemote_PermissionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, "userdb-alice", func() string { return "stale" })

	err := remote.Push(context.Background(), []models.Record{{ID: "r1", Payload: []byte(`{}`)}})
	require.ErrorIs(t, err, common.ErrorUnauthorized)

	_, _, err = remote.Pull(context.Background(), 0, 10)
	require.ErrorIs(t, err, common.ErrorUnauthorized)
}
