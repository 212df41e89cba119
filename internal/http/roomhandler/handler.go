package roomhandler

import (
	"net/http"
	"slices"
	"strconv"

	"drawboard/internal/rooms"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Handler struct {
	registry *rooms.Registry
}

func New(registry *rooms.Registry) *Handler { return &Handler{registry: registry} }

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/api/rooms", h.list)
	r.POST("/api/rooms", h.create)
	r.GET("/api/rooms/:id", h.info)
	r.GET("/api/rooms/:id/snapshot.png", h.snapshot)
}

// @Summary		Create a room
// @Description	Mints a fresh room id and creates its blank canvas.
// @Tags			Rooms
// @Success		201	{object}	CreateRoomResponse
// @Router			/api/rooms [post]
func (h *Handler) create(c *gin.Context) {
	room := h.registry.Create(c.Request.Context())
	c.JSON(http.StatusCreated, CreateRoomResponse{
		RoomID: room.ID.String(),
		WsPath: "/ws/" + room.ID.String(),
	})
}

// @Summary		List rooms
// @Description	Rooms held by this instance, oldest first.
// @Tags			Rooms
// @Param			limit	query		int	false	"Max results (0‑500)"	minimum(0)	maximum(500)	default(50)
// @Param			offset	query		int	false	"Offset for pagination"	minimum(0)	default(0)
// @Success		200		{array}		RoomDTO
// @Failure		400		{object}	ErrorResponse
// @Router			/api/rooms [get]
func (h *Handler) list(c *gin.Context) {
	var q ListRoomsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	var all []*rooms.Room
	h.registry.Range(func(r *rooms.Room) bool {
		all = append(all, r)
		return true
	})
	slices.SortFunc(all, func(a, b *rooms.Room) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	out := make([]RoomDTO, 0, q.Limit)
	for i := q.Offset; i < len(all) && len(out) < q.Limit; i++ {
		out = append(out, toDTO(all[i]))
	}
	c.JSON(http.StatusOK, out)
}

// @Summary		Get room details
// @Description	Inspects one room. Never creates it.
// @Tags			Rooms
// @Param			id	path		string	true	"Room ID"
// @Success		200	{object}	RoomDTO
// @Failure		400	{object}	ErrorResponse
// @Failure		404	{object}	ErrorResponse
// @Router			/api/rooms/{id} [get]
func (h *Handler) info(c *gin.Context) {
	room, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toDTO(room))
}

// @Summary		Export the canvas
// @Description	Current tile as PNG. The tile version is returned in X-Tile-Version.
// @Tags			Rooms
// @Produce		png
// @Param			id	path	string	true	"Room ID"
// @Success		200
// @Failure		400	{object}	ErrorResponse
// @Failure		404	{object}	ErrorResponse
// @Failure		500	{object}	ErrorResponse
// @Router			/api/rooms/{id}/snapshot.png [get]
func (h *Handler) snapshot(c *gin.Context) {
	room, ok := h.lookup(c)
	if !ok {
		return
	}
	snap, err := room.Tile.Snapshot()
	if err != nil {
		zap.L().Error("rooms.export", zap.Stringer("room_id", room.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.Header("X-Tile-Version", strconv.FormatUint(snap.Version, 10))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", snap.PNG)
}

func (h *Handler) lookup(c *gin.Context) (*rooms.Room, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "id must be a uuid"})
		return nil, false
	}
	room, ok := h.registry.Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "room not found"})
		return nil, false
	}
	return room, true
}

func toDTO(r *rooms.Room) RoomDTO {
	b := r.Tile.Bounds()
	return RoomDTO{
		RoomID:      r.ID.String(),
		Version:     r.Tile.Version(),
		Subscribers: r.Hub.Subscribers(),
		Width:       b.Dx(),
		Height:      b.Dy(),
		CreatedAt:   r.CreatedAt,
	}
}
