package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/wfunc/tycoon/client"
	"github.com/wfunc/tycoon/models"
	"github.com/wfunc/tycoon/network"
	"github.com/wfunc/tycoon/persistence"
	"github.com/wfunc/tycoon/rpc"
	"github.com/wfunc/tycoon/services"
	"github.com/wfunc/tycoon/state"
)

const playHelp = `commands:
  draw               draw a card from the deck
  take <index>       take a market card
  invest <company>   play a card as an investment
  market <company>   play a card to the market
  start              start the game (host only)
  state              print the current state
  away               drop the connection; the next command reconnects
  leave              give up your seat and quit
  delete             delete the room and quit (host only)
  quit               disconnect and quit`

// console serializes writes from the routing goroutine and the prompt.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func (c *console) render(s state.Snapshot, self string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	renderSnapshot(c.w, s, self)
}

func play(ctx context.Context, a *app, roomID string) error {
	out := &console{w: os.Stdout}
	c := a.client
	self := c.Name()

	unsubState := c.Subscribe(func(s state.Snapshot) { out.render(s, self) })
	defer unsubState()
	unsubConn := c.OnConnectionState(func(h *network.Handle, s network.State) {
		switch {
		case s.Phase == network.Open:
			out.printf("* connected to %s\n", h.Target())
		case s.Abnormal():
			out.printf("* connection lost (%d %s); type any command to reconnect\n", s.Code, s.Reason)
		}
	})
	defer unsubConn()

	if err := c.Enter(ctx, roomID); err != nil {
		return err
	}
	out.printf("%s\n", playHelp)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := runMove(ctx, c, line, out)
			if err != nil {
				out.printf("! %s\n", describe(err))
			}
			if done {
				return nil
			}
		}
	}
}

// runMove executes one typed command and reports whether to stop.
func runMove(ctx context.Context, c *client.Client, line string, out *console) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	verb := strings.ToLower(fields[0])
	if needsConnection(verb) {
		if cur := c.Manager().Current(); cur == nil || !cur.State().Live() {
			if roomID := c.RoomID(); roomID != "" {
				if err := c.Enter(ctx, roomID); err != nil {
					return false, err
				}
			}
		}
	}

	switch verb {
	case "draw":
		res, err := c.Draw(ctx)
		if err != nil {
			return false, err
		}
		out.printf("drew %s, %d money left\n", res.Drawn, res.MoneyLeft)
	case "take":
		if len(fields) < 2 {
			return false, errors.New("usage: take <index>")
		}
		i, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, fmt.Errorf("bad index %q", fields[1])
		}
		res, err := c.Take(ctx, i)
		if err != nil {
			return false, err
		}
		out.printf("took %s, gained %d coins\n", res.Taken, res.CoinsGained)
	case "invest", "market", "to_market":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: %s <company>", fields[0])
		}
		intent, err := services.ParsePlayIntent(fields[0])
		if err != nil {
			return false, err
		}
		return false, c.Play(ctx, models.CompanyID(fields[1]), intent)
	case "start":
		return false, c.Start(ctx)
	case "state":
		out.render(c.State(), c.Name())
	case "away":
		c.Detach()
		out.printf("* disconnected from %s\n", c.RoomID())
	case "leave":
		return true, c.Leave(ctx)
	case "delete":
		return true, c.Delete(ctx)
	case "quit", "exit":
		c.Detach()
		return true, nil
	case "help", "?":
		out.printf("%s\n", playHelp)
	default:
		return false, fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	return false, nil
}

// needsConnection reports whether verb should first reconnect a connection
// that died since the last command.
func needsConnection(verb string) bool {
	switch verb {
	case "away", "quit", "exit", "help", "?":
		return false
	}
	return true
}

func describe(err error) string {
	var re *rpc.RequestError
	if errors.As(err, &re) && re.Message != "" {
		return re.Message
	}
	if errors.Is(err, client.ErrNoRoom) {
		return "not in a room"
	}
	return err.Error()
}

func renderRoom(w io.Writer, detail models.RoomDetail, self string) {
	fmt.Fprintf(w, "room %s  host %s  %d/%d seats  %s\n",
		detail.RoomID, detail.Host, len(detail.Players), detail.MaxPlayers, detail.Status)
	for i, p := range detail.Players {
		marker := " "
		if p == self {
			marker = "*"
		}
		fmt.Fprintf(w, " %s %d. %s\n", marker, i+1, p)
	}
	if detail.Game != nil {
		renderGame(w, detail.Game, self)
	}
}

func renderSnapshot(w io.Writer, s state.Snapshot, self string) {
	m := s.Membership
	seat := "not seated"
	if i, ok := m.Self(); ok {
		seat = fmt.Sprintf("seat %d", i+1)
	}
	fmt.Fprintf(w, "room %s  host %s  players %s  (%s)\n",
		m.RoomID, m.HostName, strings.Join(m.Players, ", "), seat)
	if s.Game != nil {
		renderGame(w, s.Game, self)
	}
}

func renderGame(w io.Writer, g *models.GameState, self string) {
	turn := g.CurrentPlayerID
	if g.IsTurn(self) {
		turn = "you"
	}
	fmt.Fprintf(w, "round %d  %s  deck %d  turn: %s\n", g.RoundNumber, g.Status, g.DeckCount, turn)

	market := make([]string, len(g.Market))
	for i, card := range g.Market {
		market[i] = fmt.Sprintf("[%d] %s+%d", i, card.CompanyID, card.BonusCoins)
	}
	fmt.Fprintf(w, "market: %s\n", strings.Join(market, "  "))

	ids := make([]string, 0, len(g.Players))
	for id := range g.Players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := g.Players[id]
		companies := make([]string, 0, len(p.Investments))
		for c := range p.Investments {
			companies = append(companies, string(c))
		}
		sort.Strings(companies)
		holdings := make([]string, len(companies))
		for i, c := range companies {
			holdings[i] = fmt.Sprintf("%s:%d", c, p.Investments[models.CompanyID(c)])
		}
		line := fmt.Sprintf("  %-12s money %3d  invested %s", id, p.Money, strings.Join(holdings, " "))
		if tokens := p.AntitrustTokens.Sorted(); len(tokens) > 0 {
			names := make([]string, len(tokens))
			for i, t := range tokens {
				names[i] = string(t)
			}
			line += "  antitrust " + strings.Join(names, ",")
		}
		if id == self {
			hand := make([]string, len(p.Hand))
			for i, card := range p.Hand {
				hand[i] = string(card)
			}
			line += "  hand " + strings.Join(hand, " ")
		}
		fmt.Fprintln(w, line)
	}
}

func renderHistory(w io.Writer, records []persistence.SnapshotRecord) {
	for _, r := range records {
		phase := "waiting"
		round := 0
		if r.Game != nil {
			phase = r.Game.Status.String()
			round = r.Game.RoundNumber
		}
		fmt.Fprintf(w, "%s  %-8s  round %d  as %s  players %s\n",
			r.ReceivedAt.Local().Format("2006-01-02 15:04:05"), phase, round, r.PlayerName,
			strings.Join(r.Membership.Players, ", "))
	}
}
