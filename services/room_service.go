// services/room_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wfunc/tycoon/models"
	"github.com/wfunc/tycoon/monitor"
	"github.com/wfunc/tycoon/rpc"
)

// PlayIntent says what to do with a played card.
type PlayIntent string

const (
	Invest   PlayIntent = "invest"
	ToMarket PlayIntent = "to_market"
)

func (p PlayIntent) Valid() bool {
	return p == Invest || p == ToMarket
}

// ParsePlayIntent accepts the wire names plus "market" as a short form.
func ParsePlayIntent(s string) (PlayIntent, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(Invest):
		return Invest, nil
	case string(ToMarket), "market":
		return ToMarket, nil
	}
	return "", fmt.Errorf("unknown play intent %q", s)
}

// Caller performs one control-plane request.
type Caller interface {
	Call(ctx context.Context, op, method, path string, params url.Values, out any) error
}

// RequestObserver is told how each request went.
type RequestObserver interface {
	RequestDone(operation, outcome string, d time.Duration)
}

var ErrInvalidArgument = errors.New("invalid argument")

// RoomService turns player intents into control-plane requests. Each method
// issues exactly one request. A nil error only means the server accepted
// the intent; resulting state changes arrive as pushed events.
type RoomService struct {
	caller   Caller
	observer RequestObserver
}

func NewRoomService(caller Caller, observer RequestObserver) *RoomService {
	return &RoomService{caller: caller, observer: observer}
}

func (s *RoomService) CreateRoom(ctx context.Context, hostName string, maxPlayers int) (models.CreateRoomResult, error) {
	var out models.CreateRoomResult
	if err := required("host name", hostName); err != nil {
		return out, err
	}
	params := url.Values{"host_player_name": {hostName}}
	if maxPlayers > 0 {
		params.Set("max_players", strconv.Itoa(maxPlayers))
	}
	err := s.call(ctx, "create_room", http.MethodPost, "/room/create", params, &out)
	return out, err
}

func (s *RoomService) ListRooms(ctx context.Context) ([]models.RoomSummary, error) {
	var out []models.RoomSummary
	err := s.call(ctx, "list_rooms", http.MethodGet, "/room/list", nil, &out)
	return out, err
}

func (s *RoomService) JoinRoom(ctx context.Context, roomID, playerName string) (models.JoinRoomResult, error) {
	var out models.JoinRoomResult
	if err := required("room id", roomID, "player name", playerName); err != nil {
		return out, err
	}
	params := url.Values{"room_id": {roomID}, "player_name": {playerName}}
	err := s.call(ctx, "join_room", http.MethodPost, "/room/join", params, &out)
	return out, err
}

func (s *RoomService) LeaveRoom(ctx context.Context, roomID, playerName string) (models.MessageResult, error) {
	var out models.MessageResult
	if err := required("room id", roomID, "player name", playerName); err != nil {
		return out, err
	}
	params := url.Values{"room_id": {roomID}, "player_name": {playerName}}
	err := s.call(ctx, "leave_room", http.MethodPost, "/room/leave", params, &out)
	return out, err
}

func (s *RoomService) StartGame(ctx context.Context, roomID, hostName string) (models.MessageResult, error) {
	var out models.MessageResult
	if err := required("room id", roomID, "host name", hostName); err != nil {
		return out, err
	}
	params := url.Values{"room_id": {roomID}, "host_player_name": {hostName}}
	err := s.call(ctx, "start_game", http.MethodPost, "/room/start", params, &out)
	return out, err
}

func (s *RoomService) DeleteRoom(ctx context.Context, roomID, requesterID string) (models.MessageResult, error) {
	var out models.MessageResult
	if err := required("room id", roomID, "requester id", requesterID); err != nil {
		return out, err
	}
	params := url.Values{"room_id": {roomID}, "requester_id": {requesterID}}
	err := s.call(ctx, "delete_room", http.MethodDelete, "/room/delete", params, &out)
	return out, err
}

func (s *RoomService) GetRoom(ctx context.Context, roomID string) (models.RoomDetail, error) {
	var out models.RoomDetail
	if err := required("room id", roomID); err != nil {
		return out, err
	}
	err := s.call(ctx, "get_room", http.MethodGet, "/room/"+url.PathEscape(roomID), nil, &out)
	return out, err
}

func (s *RoomService) DrawFromDeck(ctx context.Context, roomID, playerID string) (models.DrawResult, error) {
	var out models.DrawResult
	if err := required("room id", roomID, "player id", playerID); err != nil {
		return out, err
	}
	params := url.Values{"room_id": {roomID}, "player_id": {playerID}}
	err := s.call(ctx, "draw", http.MethodPost, "/room/action/draw", params, &out)
	return out, err
}

func (s *RoomService) TakeFromMarket(ctx context.Context, roomID, playerID string, cardIndex int) (models.TakeResult, error) {
	var out models.TakeResult
	if err := required("room id", roomID, "player id", playerID); err != nil {
		return out, err
	}
	if cardIndex < 0 {
		return out, fmt.Errorf("%w: card index %d", ErrInvalidArgument, cardIndex)
	}
	params := url.Values{
		"room_id":    {roomID},
		"player_id":  {playerID},
		"card_index": {strconv.Itoa(cardIndex)},
	}
	err := s.call(ctx, "take", http.MethodPost, "/room/action/take", params, &out)
	return out, err
}

func (s *RoomService) PlayCard(ctx context.Context, roomID, playerID string, company models.CompanyID, intent PlayIntent) (models.MessageResult, error) {
	var out models.MessageResult
	if err := required("room id", roomID, "player id", playerID, "company", string(company)); err != nil {
		return out, err
	}
	if !intent.Valid() {
		return out, fmt.Errorf("%w: play intent %q", ErrInvalidArgument, intent)
	}
	params := url.Values{
		"room_id":      {roomID},
		"player_id":    {playerID},
		"card_company": {string(company)},
		"action":       {string(intent)},
	}
	err := s.call(ctx, "play", http.MethodPost, "/room/action/play", params, &out)
	return out, err
}

func (s *RoomService) call(ctx context.Context, op, method, path string, params url.Values, out any) error {
	start := time.Now()
	err := s.caller.Call(ctx, op, method, path, params, out)
	if s.observer != nil {
		s.observer.RequestDone(op, outcome(err), time.Since(start))
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return monitor.OutcomeOK
	case rpc.IsRejected(err):
		return monitor.OutcomeRejected
	default:
		return monitor.OutcomeFailed
	}
}

// required takes name/value pairs and rejects blank values.
func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidArgument, pairs[i])
		}
	}
	return nil
}
