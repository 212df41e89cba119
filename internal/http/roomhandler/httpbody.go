package roomhandler

import "time"

type RoomDTO struct {
	RoomID      string    `json:"room_id"     example:"6f1c1a5e-7d1b-4a55-9d5e-0c3b2f0f8f11"`
	Version     uint64    `json:"version"     example:"42"`
	Subscribers int       `json:"subscribers" example:"3"`
	Width       int       `json:"width"       example:"1024"`
	Height      int       `json:"height"      example:"1024"`
	CreatedAt   time.Time `json:"created_at"  example:"2025-07-27T16:05:05Z"`
} // @name Room

type CreateRoomResponse struct {
	RoomID string `json:"room_id" example:"6f1c1a5e-7d1b-4a55-9d5e-0c3b2f0f8f11"`
	WsPath string `json:"ws_path" example:"/ws/6f1c1a5e-7d1b-4a55-9d5e-0c3b2f0f8f11"`
} // @name CreateRoomResponse

type ErrorResponse struct {
	Error string `json:"error"`
} // @name ErrorResponse

type ListRoomsQuery struct {
	Limit  int `form:"limit,default=50" binding:"gte=0,lte=500"`
	Offset int `form:"offset,default=0" binding:"gte=0"`
} // @name ListRoomsQuery
