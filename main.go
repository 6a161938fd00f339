// Command tycoon is a terminal client for Startup Tycoon rooms.
//
// One-shot commands talk to the control plane only. "play" enters a room,
// keeps a live connection and reads moves from stdin.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"github.com/wfunc/tycoon/client"
	"github.com/wfunc/tycoon/config"
	"github.com/wfunc/tycoon/logger"
	"github.com/wfunc/tycoon/monitor"
	"github.com/wfunc/tycoon/persistence"
)

const Version = "0.1.0"

// app holds everything a command needs, built from flags and config.
type app struct {
	cfg      *config.Config
	identity persistence.Identity
	client   *client.Client
	monitor  *monitor.Monitor

	idStore *persistence.IdentityStore
	archive persistence.Archive
	metrics *http.Server
}

func setup(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := config.LoadConfig(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if cmd.Bool("debug") {
		cfg.Debug = true
	}
	logger.Init(cfg.Debug)

	idStore, err := persistence.OpenIdentityStore(cfg.Player.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	name := cmd.String("name")
	if name == "" {
		name = cfg.Player.Name
	}
	identity, err := idStore.LoadOrCreate(ctx, name)
	if err != nil {
		idStore.Close()
		return nil, err
	}

	a := &app{cfg: cfg, identity: identity, idStore: idStore}
	a.monitor = monitor.NewMonitor(cfg.Monitor.Namespace)
	if cfg.Monitor.Address != "" {
		a.metrics = a.monitor.StartServer(cfg.Monitor.Address)
	}

	archive, err := openArchive(cfg.Database)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("connect to archive database: %w", err)
	}
	if archive != nil {
		logger.Log.Infof("Archive database (%s) connection successful.", cfg.Database.Driver)
		a.archive = archive
	}

	a.client, err = client.New(client.Options{
		Config:     cfg,
		PlayerName: identity.Name,
		Monitor:    a.monitor,
		Archive:    archive,
	})
	if err != nil {
		if archive != nil {
			archive.Close()
		}
		a.close()
		return nil, err
	}
	logger.Log.Debugf("Playing as %s (%s)", identity.Name, identity.ID)
	return a, nil
}

// openArchive returns nil when archiving is disabled.
func openArchive(cfg config.DatabaseConfig) (persistence.Archive, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Driver == "sqlite" {
		return persistence.NewGormSQLite(cfg.SQLitePath)
	}
	pg := cfg.Postgres
	return persistence.NewGormPostgreSQL(pg.Host, pg.Port, pg.User, pg.Password, pg.DBName)
}

func (a *app) close() {
	if a.client != nil {
		a.client.Close()
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		a.metrics.Shutdown(ctx)
		cancel()
	}
	a.idStore.Close()
	logger.Sync()
}

// withApp wraps a command action with setup and teardown.
func withApp(fn func(ctx context.Context, cmd *cli.Command, a *app) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := setup(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(ctx, cmd, a)
	}
}

func roomArg(cmd *cli.Command) (string, error) {
	roomID := strings.TrimSpace(cmd.Args().First())
	if roomID == "" {
		return "", errors.New("a room id is required")
	}
	return roomID, nil
}

func listRooms(ctx context.Context, cmd *cli.Command, a *app) error {
	rooms, err := a.client.Rooms().ListRooms(ctx)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		fmt.Println("No open rooms.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROOM\tHOST\tPLAYERS\tSTATUS")
	for _, r := range rooms {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n", r.RoomID, r.Host, len(r.Players), r.MaxPlayers, r.Status)
	}
	return w.Flush()
}

func createRoom(ctx context.Context, cmd *cli.Command, a *app) error {
	maxPlayers := int(cmd.Int("max-players"))
	if cmd.Bool("play") {
		roomID, err := a.client.Create(ctx, maxPlayers)
		if err != nil {
			return err
		}
		fmt.Printf("Created room %s (host %s)\n", roomID, a.identity.Name)
		return play(ctx, a, roomID)
	}
	res, err := a.client.Rooms().CreateRoom(ctx, a.identity.Name, maxPlayers)
	if err != nil {
		return err
	}
	fmt.Printf("Created room %s (host %s)\n", res.RoomID, a.identity.Name)
	return nil
}

func joinRoom(ctx context.Context, cmd *cli.Command, a *app) error {
	roomID, err := roomArg(cmd)
	if err != nil {
		return err
	}
	if cmd.Bool("play") {
		if err := a.client.Join(ctx, roomID); err != nil {
			return err
		}
		fmt.Printf("%s joined room %s\n", a.identity.Name, roomID)
		return play(ctx, a, roomID)
	}
	if _, err := a.client.Rooms().JoinRoom(ctx, roomID, a.identity.Name); err != nil {
		return err
	}
	fmt.Printf("%s joined room %s\n", a.identity.Name, roomID)
	return nil
}

func leaveRoom(ctx context.Context, cmd *cli.Command, a *app) error {
	roomID, err := roomArg(cmd)
	if err != nil {
		return err
	}
	res, err := a.client.Rooms().LeaveRoom(ctx, roomID, a.identity.Name)
	if err != nil {
		return err
	}
	fmt.Println(orDefault(res.Message, "Left room "+roomID))
	return nil
}

func startGame(ctx context.Context, cmd *cli.Command, a *app) error {
	roomID, err := roomArg(cmd)
	if err != nil {
		return err
	}
	res, err := a.client.Rooms().StartGame(ctx, roomID, a.identity.Name)
	if err != nil {
		return err
	}
	fmt.Println(orDefault(res.Message, "Game started"))
	return nil
}

func deleteRoom(ctx context.Context, cmd *cli.Command, a *app) error {
	roomID, err := roomArg(cmd)
	if err != nil {
		return err
	}
	res, err := a.client.Rooms().DeleteRoom(ctx, roomID, a.identity.Name)
	if err != nil {
		return err
	}
	fmt.Println(orDefault(res.Message, "Room deleted"))
	return nil
}

func showRoom(ctx context.Context, cmd *cli.Command, a *app) error {
	roomID, err := roomArg(cmd)
	if err != nil {
		return err
	}
	detail, err := a.client.Rooms().GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	renderRoom(os.Stdout, detail, a.identity.Name)
	return nil
}

func showHistory(ctx context.Context, cmd *cli.Command, a *app) error {
	roomID, err := roomArg(cmd)
	if err != nil {
		return err
	}
	if a.archive == nil {
		return errors.New("history needs the archive: set database.enabled")
	}
	records, err := a.archive.History(ctx, roomID, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("Nothing archived for room %s.\n", roomID)
		return nil
	}
	renderHistory(os.Stdout, records)
	return nil
}

func playRoom(ctx context.Context, cmd *cli.Command, a *app) error {
	roomID, err := roomArg(cmd)
	if err != nil {
		return err
	}
	return play(ctx, a, roomID)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func main() {
	// Load .env file if it exists (ignore error if not found)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	playFlag := func() cli.Flag {
		return &cli.BoolFlag{Name: "play", Usage: "enter the room after the request succeeds"}
	}
	cmd := &cli.Command{
		Name:    "tycoon",
		Usage:   "play Startup Tycoon from the terminal",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: ".", Usage: "directory containing config.yaml"},
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "player name (saved for next time)"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Commands: []*cli.Command{
			{Name: "rooms", Usage: "list open rooms", Action: withApp(listRooms)},
			{
				Name:   "create",
				Usage:  "create a room hosted by you",
				Flags:  []cli.Flag{&cli.IntFlag{Name: "max-players", Usage: "seats in the room (server default when 0)"}, playFlag()},
				Action: withApp(createRoom),
			},
			{Name: "join", Usage: "take a seat in a room", ArgsUsage: "ROOM", Flags: []cli.Flag{playFlag()}, Action: withApp(joinRoom)},
			{Name: "leave", Usage: "give up your seat", ArgsUsage: "ROOM", Action: withApp(leaveRoom)},
			{Name: "start", Usage: "start the game in a room you host", ArgsUsage: "ROOM", Action: withApp(startGame)},
			{Name: "delete", Usage: "delete a room", ArgsUsage: "ROOM", Action: withApp(deleteRoom)},
			{Name: "show", Usage: "show a room and its game", ArgsUsage: "ROOM", Action: withApp(showRoom)},
			{Name: "play", Usage: "enter a room and play interactively", ArgsUsage: "ROOM", Action: withApp(playRoom)},
			{
				Name:      "history",
				Usage:     "list archived snapshots of a room, newest first",
				ArgsUsage: "ROOM",
				Flags:     []cli.Flag{&cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum snapshots to list"}},
				Action:    withApp(showHistory),
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
