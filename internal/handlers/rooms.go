package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wavechat/wavechat/internal/models"
	"github.com/wavechat/wavechat/internal/services"
	"github.com/wavechat/wavechat/pkg/errors"
	"github.com/wavechat/wavechat/pkg/logger"
	"github.com/wavechat/wavechat/pkg/response"
)

const (
	defaultPageSize = 10
	maxPageSize     = 50
)

var listSortColumns = map[string]string{
	"createdAt":         "created_at",
	"name":              "name",
	"participantsCount": "(SELECT COUNT(*) FROM room_participants WHERE room_participants.room_id = rooms.id)",
}

// roomsListPayload is the cached and returned listing page.
type roomsListPayload struct {
	Rooms      []models.RoomSummary `json:"rooms"`
	Total      int64                `json:"total"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"pageSize"`
	TotalPages int                  `json:"totalPages"`
}

// RoomsHandler serves the paginated room listing, cache-aside through the
// parameterized listing keyspace.
type RoomsHandler struct {
	db    *gorm.DB
	cache *services.CacheService
	log   *zap.Logger
}

// NewRoomsHandler wires the listing endpoint.
func NewRoomsHandler(db *gorm.DB, cache *services.CacheService) *RoomsHandler {
	return &RoomsHandler{
		db:    db,
		cache: cache,
		log:   logger.WithModule("rooms-api"),
	}
}

// List handles GET /api/rooms.
func (h *RoomsHandler) List(c *gin.Context) {
	page := parseIntParam(c, "page", 0)
	if page < 0 {
		page = 0
	}
	pageSize := parseIntParam(c, "pageSize", defaultPageSize)
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	sortField := c.DefaultQuery("sortField", "createdAt")
	sortColumn, ok := listSortColumns[sortField]
	if !ok {
		response.Error(c, errors.NewBadRequest("unsupported sort field"))
		return
	}
	sortOrder := c.DefaultQuery("sortOrder", "desc")
	if sortOrder != "asc" && sortOrder != "desc" {
		response.Error(c, errors.NewBadRequest("unsupported sort order"))
		return
	}
	search := c.Query("search")

	ctx := c.Request.Context()
	if cached, hit := h.cache.GetRoomsList(ctx, page, sortField, sortOrder, search); hit {
		response.Success(c, http.StatusOK, json.RawMessage(cached))
		return
	}

	query := h.db.WithContext(ctx).Model(&models.Room{})
	if search != "" {
		query = query.Where("name LIKE ?", "%"+search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		response.Error(c, errors.Wrap(err, "count rooms"))
		return
	}

	var rooms []models.Room
	err := query.
		Preload("Creator").
		Preload("Participants").
		Order(sortColumn + " " + sortOrder).
		Offset(page * pageSize).
		Limit(pageSize).
		Find(&rooms).Error
	if err != nil {
		response.Error(c, errors.Wrap(err, "list rooms"))
		return
	}

	summaries := make([]models.RoomSummary, 0, len(rooms))
	for i := range rooms {
		summaries = append(summaries, services.RoomSummaryOf(&rooms[i]))
	}

	totalPages := int(total) / pageSize
	if int(total)%pageSize != 0 {
		totalPages++
	}

	payload := roomsListPayload{
		Rooms:      summaries,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}

	if encoded, err := json.Marshal(payload); err == nil {
		h.cache.SetRoomsList(ctx, page, sortField, sortOrder, search, encoded)
	} else {
		h.log.Warn("listing encode failed", zap.Error(err))
	}

	response.Success(c, http.StatusOK, payload)
}

func parseIntParam(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
