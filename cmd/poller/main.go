// Command poller watches one room from the command line the way the browser
// client does in the background: it keeps an offline copy of the room list
// and prints a notification for every message someone else posts.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/roomchat/internal/offline"
	storesqlite "github.com/Tyrowin/roomchat/internal/store/sqlite"
)

const cacheVersion = "roomchat-v1"

// logNotifier prints notifications to the log.
type logNotifier struct{}

func (logNotifier) Notify(_ context.Context, n offline.Notification) error {
	event := log.Info()
	if n.Alarm {
		event = log.Warn()
	}
	event.Str("tag", n.Tag).Str("body", n.Body).Msg(n.Title)
	return nil
}

func main() {
	serverURL := flag.String("server", "http://localhost:3000", "chat server base URL")
	roomName := flag.String("room", "", "room to watch")
	user := flag.String("user", "", "your display name; your own messages are not announced")
	interval := flag.Duration("interval", offline.DefaultPollInterval, "poll interval")
	cacheDB := flag.String("cache-db", "offline-cache.db", "SQLite file for the offline cache")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if *roomName == "" || *user == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: 10 * time.Second}

	db, err := storesqlite.Open(*cacheDB)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open offline cache")
	}
	cache, err := offline.NewAssetCache(db, cacheVersion, *serverURL, client)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid server URL")
	}
	if err := cache.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare offline cache")
	}
	cache.Install(ctx, []string{"/", "/rooms", "/version"})
	if _, err := cache.Activate(ctx); err != nil {
		log.Warn().Err(err).Msg("Old cache versions not removed")
	}
	checkRoom(ctx, cache, *serverURL, *roomName)

	poller, err := offline.NewPoller(*serverURL, client, logNotifier{}, *interval)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create poller")
	}
	poller.SetVisible(false)
	poller.UpdateRoom(*roomName, *user)
	log.Info().Str("room", *roomName).Str("user", *user).Dur("interval", *interval).Msg("Watching room")

	<-ctx.Done()
	poller.Stop()
	log.Info().Msg("Poller stopped")
}

// checkRoom warns when the room is not in the server's list. The list comes
// from the offline cache, so this works while the server is down.
func checkRoom(ctx context.Context, cache *offline.AssetCache, serverURL, roomName string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(serverURL, "/")+"/rooms", http.NoBody)
	if err != nil {
		return
	}
	resp, err := cache.Fetch(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("Room list unavailable")
		return
	}
	defer resp.Body.Close()

	var body struct {
		Rooms []string `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Warn().Err(err).Msg("Room list unreadable")
		return
	}
	if !slices.Contains(body.Rooms, roomName) {
		log.Warn().Str("room", roomName).Strs("rooms", body.Rooms).Msg("Room not found on server")
	}
}
