// Package socketio provides the Socket.IO surface the presentation layer
// talks to: it pushes coordinator state snapshots and forwards user intents.
package socketio

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zishang520/socket.io/servers/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/evhall/nocturne-audio-backend/internal/domain/player"
	"github.com/evhall/nocturne-audio-backend/internal/infra/bili"
)

const broadcastDebounceWindow = 150 * time.Millisecond

// Server handles Socket.IO connections and events.
type Server struct {
	io          *socket.Server
	coordinator *player.Coordinator
	catalog     *bili.Client
	ctx         context.Context
	debouncer   *BroadcastDebouncer
	mu          sync.RWMutex
	clients     map[string]*socket.Socket
}

// NewServer creates a Socket.IO server bound to the coordinator. ctx bounds
// the catalog calls made on behalf of clients.
func NewServer(ctx context.Context, coordinator *player.Coordinator, catalog *bili.Client) (*Server, error) {
	opts := socket.DefaultServerOptions()
	opts.SetPingTimeout(20 * time.Second)
	opts.SetPingInterval(25 * time.Second)
	opts.SetCors(&types.Cors{
		Origin:      "*",
		Credentials: true,
	})

	server := socket.NewServer(nil, opts)

	s := &Server{
		io:          server,
		coordinator: coordinator,
		catalog:     catalog,
		ctx:         ctx,
		clients:     make(map[string]*socket.Socket),
	}
	s.debouncer = NewBroadcastDebouncer(broadcastDebounceWindow, s.BroadcastState)

	// Coordinator snapshots arrive on every mutation; debounce before
	// fanning out to clients.
	coordinator.OnChange(func(player.Snapshot) {
		s.debouncer.Trigger()
	})

	s.setupHandlers()

	return s, nil
}

// setupHandlers registers all Socket.IO event handlers.
func (s *Server) setupHandlers() {
	s.io.On("connection", func(clients ...any) {
		client := clients[0].(*socket.Socket)
		clientID := string(client.Id())

		log.Info().Str("id", clientID).Msg("Client connected")

		s.mu.Lock()
		s.clients[clientID] = client
		s.mu.Unlock()

		// Send initial state after small delay
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.pushState(client)
		}()

		client.On("disconnect", func(args ...any) {
			reason := ""
			if len(args) > 0 {
				if r, ok := args[0].(string); ok {
					reason = r
				}
			}
			log.Info().Str("id", clientID).Str("reason", reason).Msg("Client disconnected")

			s.mu.Lock()
			delete(s.clients, clientID)
			s.mu.Unlock()
		})

		client.On("getState", func(args ...any) {
			log.Debug().Str("id", clientID).Msg("getState")
			s.pushState(client)
		})

		client.On("search", func(args ...any) {
			m := argMap(args)
			keyword, _ := m["keyword"].(string)
			page := argInt(m, "page", 1)
			if keyword == "" {
				return
			}
			log.Debug().Str("id", clientID).Str("keyword", keyword).Int("page", page).Msg("search")

			go func() {
				results, err := s.catalog.Search(s.ctx, keyword, page)
				if err != nil {
					log.Error().Err(err).Str("keyword", keyword).Msg("Search failed")
					client.Emit("pushSearchResults", map[string]any{
						"keyword": keyword,
						"page":    page,
						"error":   err.Error(),
					})
					return
				}
				client.Emit("pushSearchResults", map[string]any{
					"keyword": keyword,
					"page":    page,
					"results": results,
				})
			}()
		})

		client.On("playItem", func(args ...any) {
			item, ok := argItem(args)
			if !ok {
				return
			}
			log.Debug().Str("id", clientID).Str("sourceId", item.SourceID).Msg("playItem")
			go func() {
				if err := s.coordinator.PlayItem(s.ctx, item); err != nil {
					log.Error().Err(err).Msg("PlayItem failed")
				}
			}()
		})

		client.On("playItemAllParts", func(args ...any) {
			item, ok := argItem(args)
			if !ok {
				return
			}
			log.Debug().Str("id", clientID).Str("sourceId", item.SourceID).Msg("playItemAllParts")
			go func() {
				if err := s.coordinator.PlayItemAllParts(s.ctx, item); err != nil {
					log.Error().Err(err).Msg("PlayItemAllParts failed")
				}
			}()
		})

		client.On("playAll", func(args ...any) {
			m := argMap(args)
			rawItems, _ := m["items"].([]any)
			index := argInt(m, "index", 0)
			items := make([]player.Item, 0, len(rawItems))
			for _, raw := range rawItems {
				if im, ok := raw.(map[string]any); ok {
					items = append(items, itemFromMap(im))
				}
			}
			if len(items) == 0 {
				return
			}
			log.Debug().Str("id", clientID).Int("items", len(items)).Int("index", index).Msg("playAll")
			go func() {
				if err := s.coordinator.PlayAll(s.ctx, items, index); err != nil {
					log.Error().Err(err).Msg("PlayAll failed")
				}
			}()
		})

		client.On("play", func(args ...any) {
			log.Debug().Str("id", clientID).Msg("play")
			if err := s.coordinator.Play(s.ctx); err != nil {
				log.Error().Err(err).Msg("Play failed")
			}
		})

		client.On("pause", func(args ...any) {
			log.Debug().Str("id", clientID).Msg("pause")
			if err := s.coordinator.Pause(s.ctx); err != nil {
				log.Error().Err(err).Msg("Pause failed")
			}
		})

		client.On("toggle", func(args ...any) {
			log.Debug().Str("id", clientID).Msg("toggle")
			if err := s.coordinator.Toggle(s.ctx); err != nil {
				log.Error().Err(err).Msg("Toggle failed")
			}
		})

		client.On("next", func(args ...any) {
			log.Debug().Str("id", clientID).Msg("next")
			if err := s.coordinator.Next(s.ctx); err != nil {
				log.Error().Err(err).Msg("Next failed")
			}
		})

		client.On("prev", func(args ...any) {
			log.Debug().Str("id", clientID).Msg("prev")
			if err := s.coordinator.Previous(s.ctx); err != nil {
				log.Error().Err(err).Msg("Previous failed")
			}
		})

		client.On("seek", func(args ...any) {
			if len(args) > 0 {
				if pos, ok := args[0].(float64); ok {
					log.Debug().Str("id", clientID).Float64("posMs", pos).Msg("seek")
					if err := s.coordinator.SeekTo(s.ctx, int64(pos)); err != nil {
						log.Error().Err(err).Msg("Seek failed")
					}
				}
			}
		})

		client.On("seekPercent", func(args ...any) {
			if len(args) > 0 {
				if frac, ok := args[0].(float64); ok {
					log.Debug().Str("id", clientID).Float64("fraction", frac).Msg("seekPercent")
					if err := s.coordinator.SeekFraction(s.ctx, frac); err != nil {
						log.Error().Err(err).Msg("SeekFraction failed")
					}
				}
			}
		})

		client.On("jumpTo", func(args ...any) {
			m := argMap(args)
			index := argInt(m, "index", -1)
			log.Debug().Str("id", clientID).Int("index", index).Msg("jumpTo")
			if err := s.coordinator.JumpTo(s.ctx, index); err != nil {
				log.Error().Err(err).Msg("JumpTo failed")
			}
		})

		client.On("sleepTimerStart", func(args ...any) {
			m := argMap(args)
			minutes := argInt(m, "minutes", 0)
			log.Debug().Str("id", clientID).Int("minutes", minutes).Msg("sleepTimerStart")
			s.coordinator.StartSleepTimer(minutes)
		})

		client.On("sleepTimerCancel", func(args ...any) {
			log.Debug().Str("id", clientID).Msg("sleepTimerCancel")
			s.coordinator.CancelSleepTimer(s.ctx)
		})

		client.On("sleepTimerAdd", func(args ...any) {
			m := argMap(args)
			minutes := argInt(m, "minutes", 0)
			log.Debug().Str("id", clientID).Int("minutes", minutes).Msg("sleepTimerAdd")
			s.coordinator.ExtendSleepTimer(minutes)
		})

		client.On("sleepTimerSettings", func(args ...any) {
			m := argMap(args)
			minutes := argInt(m, "minutes", 0)
			fadeOut, _ := m["fadeOut"].(bool)
			fadeOutSeconds := argInt(m, "fadeOutSeconds", 0)
			log.Debug().
				Str("id", clientID).
				Int("minutes", minutes).
				Bool("fadeOut", fadeOut).
				Int("fadeOutSeconds", fadeOutSeconds).
				Msg("sleepTimerSettings")
			go func() {
				if err := s.coordinator.UpdateSleepTimerSettings(s.ctx, minutes, fadeOut, fadeOutSeconds); err != nil {
					log.Error().Err(err).Msg("UpdateSleepTimerSettings failed")
				}
			}()
		})

		client.On("sleepTimerDialog", func(args ...any) {
			m := argMap(args)
			show, _ := m["show"].(bool)
			s.coordinator.ShowTimerDialog(show)
		})

		client.On("ackError", func(args ...any) {
			log.Debug().Str("id", clientID).Msg("ackError")
			s.coordinator.AcknowledgeError()
		})

		client.On("ackSleepTimerEnded", func(args ...any) {
			log.Debug().Str("id", clientID).Msg("ackSleepTimerEnded")
			s.coordinator.ClearSleepTimerEnded()
		})
	})
}

// pushState sends the current snapshot to a client.
func (s *Server) pushState(client *socket.Socket) {
	client.Emit("pushState", s.coordinator.Snapshot())
}

// BroadcastState sends the current snapshot to all connected clients.
func (s *Server) BroadcastState() {
	snap := s.coordinator.Snapshot()
	s.io.Emit("pushState", snap)

	if log.Debug().Enabled() {
		s.mu.RLock()
		clientCount := len(s.clients)
		s.mu.RUnlock()
		log.Debug().Int("clients", clientCount).Int("entries", len(snap.Entries)).Msg("Broadcast state")
	}
}

// ServeHTTP implements http.Handler for the Socket.IO server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.io.ServeHandler(nil).ServeHTTP(w, r)
}

// Close shuts down the Socket.IO server.
func (s *Server) Close() error {
	s.debouncer.Stop()
	s.io.Close(nil)
	return nil
}

// argMap extracts the first argument as a JSON-style object.
func argMap(args []any) map[string]any {
	if len(args) > 0 {
		if m, ok := args[0].(map[string]any); ok {
			return m
		}
	}
	return map[string]any{}
}

// argInt reads a numeric field, which Socket.IO delivers as float64.
func argInt(m map[string]any, key string, fallback int) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return fallback
}

func argItem(args []any) (player.Item, bool) {
	m := argMap(args)
	item := itemFromMap(m)
	return item, item.SourceID != ""
}

func itemFromMap(m map[string]any) player.Item {
	item := player.Item{}
	item.SourceID, _ = m["sourceId"].(string)
	item.Title, _ = m["title"].(string)
	item.Author, _ = m["author"].(string)
	item.CoverURL, _ = m["coverUrl"].(string)
	item.DurationSec = argInt(m, "duration", 0)
	return item
}
