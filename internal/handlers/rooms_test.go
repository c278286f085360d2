package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/wavechat/wavechat/internal/cache"
	"github.com/wavechat/wavechat/internal/database/testutil"
	"github.com/wavechat/wavechat/internal/models"
	"github.com/wavechat/wavechat/internal/services"
)

type listResponse struct {
	Success bool             `json:"success"`
	Data    roomsListPayload `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newRoomsRouter(t *testing.T) (*gin.Engine, *gorm.DB, *services.CacheService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	cacheSvc := services.NewCacheService(cache.NewDatabaseStore(db), db)

	router := gin.New()
	router.GET("/api/rooms", NewRoomsHandler(db, cacheSvc).List)
	return router, db, cacheSvc
}

func seedListingRooms(t *testing.T, db *gorm.DB, count int) {
	t.Helper()

	creator := models.User{BaseModel: models.BaseModel{ID: "creator"}, Name: "Creator", Email: "creator@example.com"}
	require.NoError(t, db.Create(&creator).Error)

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < count; i++ {
		room := models.Room{
			BaseModel: models.BaseModel{ID: fmt.Sprintf("r%02d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)},
			Name:      fmt.Sprintf("room-%02d", i),
			CreatorID: creator.ID,
		}
		require.NoError(t, db.Create(&room).Error)
	}
}

func listRooms(t *testing.T, router *gin.Engine, query string) (int, listResponse) {
	t.Helper()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/rooms"+query, nil)
	router.ServeHTTP(rec, req)

	var body listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestListDefaultsToNewestFirst(t *testing.T) {
	router, db, _ := newRoomsRouter(t)
	seedListingRooms(t, db, 12)

	status, body := listRooms(t, router, "")
	require.Equal(t, http.StatusOK, status)
	require.True(t, body.Success)

	require.Equal(t, int64(12), body.Data.Total)
	require.Equal(t, 0, body.Data.Page)
	require.Equal(t, 10, body.Data.PageSize)
	require.Equal(t, 2, body.Data.TotalPages)
	require.Len(t, body.Data.Rooms, 10)
	require.Equal(t, "room-11", body.Data.Rooms[0].Name)
	require.NotNil(t, body.Data.Rooms[0].Creator)
	require.Equal(t, "Creator", body.Data.Rooms[0].Creator.Name)
}

func TestListPagination(t *testing.T) {
	router, db, _ := newRoomsRouter(t)
	seedListingRooms(t, db, 5)

	status, body := listRooms(t, router, "?page=1&pageSize=2&sortField=name&sortOrder=asc")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, int64(5), body.Data.Total)
	require.Equal(t, 3, body.Data.TotalPages)
	require.Len(t, body.Data.Rooms, 2)
	require.Equal(t, "room-02", body.Data.Rooms[0].Name)
	require.Equal(t, "room-03", body.Data.Rooms[1].Name)
}

func TestListCapsPageSize(t *testing.T) {
	router, db, _ := newRoomsRouter(t)
	seedListingRooms(t, db, 1)

	_, body := listRooms(t, router, "?pageSize=500")
	require.Equal(t, 50, body.Data.PageSize)

	// Garbage and negative values fall back to the default.
	_, body = listRooms(t, router, "?pageSize=abc&page=-3")
	require.Equal(t, 10, body.Data.PageSize)
	require.Equal(t, 0, body.Data.Page)
}

func TestListRejectsUnknownSort(t *testing.T) {
	router, _, _ := newRoomsRouter(t)

	status, body := listRooms(t, router, "?sortField=password")
	require.Equal(t, http.StatusBadRequest, status)
	require.False(t, body.Success)
	require.NotNil(t, body.Error)
	require.Equal(t, "BAD_REQUEST", body.Error.Code)

	status, body = listRooms(t, router, "?sortOrder=sideways")
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "BAD_REQUEST", body.Error.Code)
}

func TestListSearchFilters(t *testing.T) {
	router, db, _ := newRoomsRouter(t)
	seedListingRooms(t, db, 3)

	extra := models.Room{BaseModel: models.BaseModel{ID: "standup"}, Name: "daily standup", CreatorID: "creator"}
	require.NoError(t, db.Create(&extra).Error)

	_, body := listRooms(t, router, "?search=standup")
	require.Equal(t, int64(1), body.Data.Total)
	require.Len(t, body.Data.Rooms, 1)
	require.Equal(t, "daily standup", body.Data.Rooms[0].Name)
}

func TestListServesCachedPage(t *testing.T) {
	router, db, cacheSvc := newRoomsRouter(t)
	seedListingRooms(t, db, 2)

	status, first := listRooms(t, router, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, int64(2), first.Data.Total)

	// A room created after the page was cached is invisible until invalidation.
	late := models.Room{BaseModel: models.BaseModel{ID: "late"}, Name: "late", CreatorID: "creator"}
	require.NoError(t, db.Create(&late).Error)

	_, second := listRooms(t, router, "")
	require.Equal(t, int64(2), second.Data.Total)

	cacheSvc.InvalidateRoomsList(context.Background())

	_, third := listRooms(t, router, "")
	require.Equal(t, int64(3), third.Data.Total)
}
