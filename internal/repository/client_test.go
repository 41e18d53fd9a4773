package repository

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanzrukiav/SearchServices/internal/models"
)

func newTestServer(t *testing.T, mux *http.ServeMux) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL+"/", "secret", 5*time.Second)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestHTTPClient_GetTransactions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "10", r.URL.Query().Get("fromId"))
		assert.Equal(t, "2", r.URL.Query().Get("maxResults"))
		writeJSON(w, http.StatusOK, TransactionsResponse{Transactions: []models.Transaction{
			{ID: 11, NodeCount: 1},
			{ID: 12, NodeCount: 3},
		}})
	})
	c := newTestServer(t, mux)

	txns, err := c.GetTransactions(context.Background(), 10, 2)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, int64(11), txns[0].ID)
	assert.Equal(t, 3, txns[1].NodeCount)
}

func TestHTTPClient_GetNodeMetadata_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/nodes/{id}/metadata", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "node " + r.PathValue("id")})
	})
	c := newTestServer(t, mux)

	_, err := c.GetNodeMetadata(context.Background(), 42)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsTransient(err))
}

func TestHTTPClient_GetNodeMetadata_Gzip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/nodes/{id}/metadata", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		json.NewEncoder(gz).Encode(models.NodeMetadata{
			Node:  models.Node{DbID: 7, NodeRef: "workspace://SpacesStore/abc"},
			AclID: 3,
			Paths: []models.PathEntry{{Path: "/app:company_home/cm:docs"}},
		})
		gz.Close()
	})
	c := newTestServer(t, mux)

	md, err := c.GetNodeMetadata(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), md.Node.DbID)
	assert.Equal(t, int64(3), md.AclID)
	assert.Equal(t, "/app:company_home/cm:docs", md.Paths[0].Path)
}

func TestHTTPClient_GetNodePaths(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/nodes/paths", func(w http.ResponseWriter, r *http.Request) {
		var req NodePathsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []int64{99, 101}, req.DbIDs)
		writeJSON(w, http.StatusOK, NodePathsResponse{Paths: []models.NodePaths{
			{DbID: 99, Paths: []models.PathEntry{{Path: "/a/b"}}},
			{DbID: 101, Paths: []models.PathEntry{{Path: "/a/c"}}},
		}})
	})
	c := newTestServer(t, mux)

	paths, err := c.GetNodePaths(context.Background(), []int64{99, 101})
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "/a/c", paths[1].DisplayPath())
}

func TestHTTPClient_ServerError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/aclchangesets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "unavailable", Message: "restarting"})
	})
	c := newTestServer(t, mux)

	_, err := c.GetAclChangeSets(context.Background(), 0, 10)
	require.Error(t, err)

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusServiceUnavailable, re.Status)
	assert.Equal(t, "unavailable", re.Code)
	assert.True(t, IsTransient(err))
}

func TestHTTPClient_UndecodableError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/models/{name}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	})
	c := newTestServer(t, mux)

	_, err := c.GetModel(context.Background(), "cm:content")
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "unknown", re.Code)
	assert.False(t, IsTransient(err))
}

func TestHTTPClient_GetModelsDiff(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/models/diff", func(w http.ResponseWriter, r *http.Request) {
		var req ModelsDiffRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Models, 1)
		writeJSON(w, http.StatusOK, ModelsDiffResponse{Diffs: []models.ModelDiff{
			{Name: req.Models[0].Name, Kind: models.ModelChanged, Checksum: "new"},
		}})
	})
	c := newTestServer(t, mux)

	diffs, err := c.GetModelsDiff(context.Background(), []models.ModelChecksum{{Name: "cm", Checksum: "old"}})
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, models.ModelChanged, diffs[0].Kind)
}
