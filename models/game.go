// models/game.go
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// CompanyID names one of the startups cards and investments belong to.
type CompanyID string

// CardID identifies a card in a hand. Every card belongs to exactly one company
// and carries no other identity, so the ID is the company name.
type CardID string

// Company returns the company the card belongs to.
func (c CardID) Company() CompanyID {
	return CompanyID(c)
}

// GameStatus 表示一局游戏的阶段
type GameStatus int

const (
	StatusWaiting GameStatus = iota
	StatusActive
	StatusEnded
)

func (s GameStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusActive:
		return "active"
	case StatusEnded:
		return "ended"
	default:
		return fmt.Sprintf("GameStatus(%d)", int(s))
	}
}

func (s GameStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts both the canonical names and the server's
// round-level phases: round_end is still an active game, game_over ends it.
func (s *GameStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "waiting":
		*s = StatusWaiting
	case "active", "round_end":
		*s = StatusActive
	case "ended", "game_over", "finished":
		*s = StatusEnded
	default:
		return fmt.Errorf("unknown game status %q", string(text))
	}
	return nil
}

// CompanySet is an unordered set of companies. It is encoded as a sorted
// JSON array.
type CompanySet map[CompanyID]struct{}

func NewCompanySet(ids ...CompanyID) CompanySet {
	set := make(CompanySet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s CompanySet) Has(id CompanyID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s CompanySet) Sorted() []CompanyID {
	out := make([]CompanyID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s CompanySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON accepts either an array of companies or a company -> bool
// object, in which only true entries are members.
func (s *CompanySet) UnmarshalJSON(data []byte) error {
	var list []CompanyID
	if err := json.Unmarshal(data, &list); err == nil {
		*s = NewCompanySet(list...)
		return nil
	}
	var flags map[CompanyID]bool
	if err := json.Unmarshal(data, &flags); err != nil {
		return fmt.Errorf("company set: %w", err)
	}
	set := make(CompanySet, len(flags))
	for id, held := range flags {
		if held {
			set[id] = struct{}{}
		}
	}
	*s = set
	return nil
}

func (s CompanySet) clone() CompanySet {
	if s == nil {
		return nil
	}
	out := make(CompanySet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// MarketCard is a face-up card in the market with the coins piled on it.
type MarketCard struct {
	CompanyID  CompanyID `json:"company_id"`
	BonusCoins int       `json:"bonus_coins"`
}

func (c *MarketCard) UnmarshalJSON(data []byte) error {
	var wire struct {
		CompanyID  CompanyID `json:"company_id"`
		Company    CompanyID `json:"company"`
		BonusCoins *int      `json:"bonus_coins"`
		CoinsOnTop *int      `json:"coins_on_top"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	c.CompanyID = wire.CompanyID
	if c.CompanyID == "" {
		c.CompanyID = wire.Company
	}
	if c.CompanyID == "" {
		return errors.New("market card without company")
	}
	c.BonusCoins = 0
	switch {
	case wire.BonusCoins != nil:
		c.BonusCoins = *wire.BonusCoins
	case wire.CoinsOnTop != nil:
		c.BonusCoins = *wire.CoinsOnTop
	}
	if c.BonusCoins < 0 {
		return fmt.Errorf("market card %s has negative bonus coins %d", c.CompanyID, c.BonusCoins)
	}
	return nil
}

// PlayerState is one participant's holdings as reported by the server.
type PlayerState struct {
	Hand            []CardID          `json:"hand"`
	Investments     map[CompanyID]int `json:"investments"`
	Money           int               `json:"money"`
	AntitrustTokens CompanySet        `json:"antitrust_tokens"`
}

func (p *PlayerState) UnmarshalJSON(data []byte) error {
	var wire struct {
		Hand            []CardID          `json:"hand"`
		Investments     map[CompanyID]int `json:"investments"`
		Money           int               `json:"money"`
		AntitrustTokens *CompanySet       `json:"antitrust_tokens"`
		HasAntimonopoly *CompanySet       `json:"has_antimonopoly"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	for company, count := range wire.Investments {
		if count < 0 {
			return fmt.Errorf("negative investment %d in %s", count, company)
		}
	}
	p.Hand = wire.Hand
	p.Investments = wire.Investments
	p.Money = wire.Money
	p.AntitrustTokens = nil
	switch {
	case wire.AntitrustTokens != nil:
		p.AntitrustTokens = *wire.AntitrustTokens
	case wire.HasAntimonopoly != nil:
		p.AntitrustTokens = *wire.HasAntimonopoly
	}
	return nil
}

// Clone returns a deep copy.
func (p PlayerState) Clone() PlayerState {
	out := p
	if p.Hand != nil {
		out.Hand = append([]CardID(nil), p.Hand...)
	}
	if p.Investments != nil {
		out.Investments = make(map[CompanyID]int, len(p.Investments))
		for k, v := range p.Investments {
			out.Investments[k] = v
		}
	}
	out.AntitrustTokens = p.AntitrustTokens.clone()
	return out
}

// GameState is a complete server snapshot. A new snapshot always replaces
// the previous one; nothing is merged.
type GameState struct {
	Players         map[string]PlayerState `json:"players"`
	Market          []MarketCard           `json:"market"`
	DeckCount       int                    `json:"deck_count"`
	CurrentPlayerID string                 `json:"current_player_id"`
	RoundNumber     int                    `json:"round_number"`
	Status          GameStatus             `json:"status"`
}

// ErrIncompleteSnapshot is returned when a payload lacks the fields every
// snapshot must carry.
var ErrIncompleteSnapshot = errors.New("incomplete game state snapshot")

func (g *GameState) UnmarshalJSON(data []byte) error {
	var wire struct {
		Players         map[string]PlayerState `json:"players"`
		Market          *[]MarketCard          `json:"market"`
		MarketDisplay   *[]MarketCard          `json:"market_display"`
		DeckCount       *int                   `json:"deck_count"`
		MarketDeck      []json.RawMessage      `json:"market_deck"`
		CurrentPlayerID string                 `json:"current_player_id"`
		RoundNumber     int                    `json:"round_number"`
		Status          *GameStatus            `json:"status"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Status == nil {
		return fmt.Errorf("%w: missing status", ErrIncompleteSnapshot)
	}
	if wire.RoundNumber < 0 {
		return fmt.Errorf("negative round number %d", wire.RoundNumber)
	}

	state := GameState{
		Players:         wire.Players,
		CurrentPlayerID: wire.CurrentPlayerID,
		RoundNumber:     wire.RoundNumber,
		Status:          *wire.Status,
	}
	switch {
	case wire.Market != nil:
		state.Market = *wire.Market
	case wire.MarketDisplay != nil:
		state.Market = *wire.MarketDisplay
	}
	switch {
	case wire.DeckCount != nil:
		state.DeckCount = *wire.DeckCount
	default:
		state.DeckCount = len(wire.MarketDeck)
	}
	if state.DeckCount < 0 {
		return fmt.Errorf("negative deck count %d", state.DeckCount)
	}
	if state.Players == nil {
		state.Players = map[string]PlayerState{}
	}
	if state.Market == nil {
		state.Market = []MarketCard{}
	}

	*g = state
	return nil
}

// Clone returns a deep copy; nil stays nil.
func (g *GameState) Clone() *GameState {
	if g == nil {
		return nil
	}
	out := *g
	if g.Players != nil {
		out.Players = make(map[string]PlayerState, len(g.Players))
		for id, p := range g.Players {
			out.Players[id] = p.Clone()
		}
	}
	if g.Market != nil {
		out.Market = append([]MarketCard(nil), g.Market...)
	}
	return &out
}

// Player returns the state of one participant.
func (g *GameState) Player(id string) (PlayerState, bool) {
	if g == nil {
		return PlayerState{}, false
	}
	p, ok := g.Players[id]
	return p, ok
}

// IsTurn reports whether it is id's turn in an active game.
func (g *GameState) IsTurn(id string) bool {
	return g != nil && g.Status == StatusActive && g.CurrentPlayerID == id
}
