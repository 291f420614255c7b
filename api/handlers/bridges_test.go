package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentease/cdp-relay/internal/db"
	"github.com/agentease/cdp-relay/internal/model"
	"github.com/agentease/cdp-relay/internal/repository"
)

func setupBridgeRouter(t *testing.T) (*gin.Engine, *repository.BridgeRepository) {
	t.Helper()

	database, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	repo := repository.NewBridgeRepository(database)
	r := gin.New()
	NewBridgeHandler(repo).RegisterRoutes(r.Group("/api"))
	return r, repo
}

func TestBridgeHandler_ListAndGet(t *testing.T) {
	r, repo := setupBridgeRouter(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{"b-1", "b-2"} {
		require.NoError(t, repo.Create(ctx, &model.BridgeRecord{
			ID:         id,
			RemoteAddr: "127.0.0.1:1",
			State:      model.BridgeStateBridging,
			CreatedAt:  now,
			UpdatedAt:  now,
		}))
		now = now.Add(time.Second)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/bridges?limit=1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var list struct {
		Bridges []BridgeResponse `json:"bridges"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Bridges, 1)
	assert.Equal(t, "b-2", list.Bridges[0].ID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/bridges/b-1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var one BridgeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.Equal(t, "b-1", one.ID)
	assert.Equal(t, model.BridgeStateBridging, one.State)
}

func TestBridgeHandler_Errors(t *testing.T) {
	r, _ := setupBridgeRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/bridges/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "BRIDGE_NOT_FOUND", resp.Error.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/bridges?limit=-3", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
