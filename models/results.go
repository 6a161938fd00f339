// models/results.go
package models

import (
	"github.com/wfunc/tycoon/room"
)

// CreateRoomResult 创建房间的返回
type CreateRoomResult struct {
	RoomID  string `json:"room_id"`
	Message string `json:"message"`
}

// JoinRoomResult 加入房间的返回
type JoinRoomResult struct {
	RoomID  string `json:"room_id"`
	Message string `json:"message"`
}

// MessageResult is the acknowledgement returned by actions that carry no
// other payload.
type MessageResult struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// DrawResult 从牌堆抽牌的返回
type DrawResult struct {
	Drawn     CardID `json:"drawn"`
	MoneyLeft int    `json:"money_left"`
}

// TakeResult 从市场拿牌的返回
type TakeResult struct {
	Taken       CompanyID `json:"taken"`
	CoinsGained int       `json:"coins_gained"`
}

// RoomSummary is one row of the lobby listing.
type RoomSummary struct {
	RoomID     string      `json:"room_id"`
	Host       string      `json:"host"`
	Players    []string    `json:"players"`
	MaxPlayers int         `json:"max_players"`
	Status     room.Status `json:"status"`
}

// RoomDetail is the full room record, including the game if one is running.
type RoomDetail struct {
	RoomID     string      `json:"room_id"`
	Host       string      `json:"host_player_id"`
	MaxPlayers int         `json:"max_players"`
	Players    []string    `json:"players"`
	Status     room.Status `json:"status"`
	Game       *GameState  `json:"game_state,omitempty"`
}
