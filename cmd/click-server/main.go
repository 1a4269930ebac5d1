package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/valdo404/clickplanet-go/internal/bus"
	"github.com/valdo404/clickplanet-go/internal/clickpb"
	"github.com/valdo404/clickplanet-go/internal/coord"
	"github.com/valdo404/clickplanet-go/internal/hub"
	"github.com/valdo404/clickplanet-go/internal/query"
	"github.com/valdo404/clickplanet-go/internal/store"
)

const (
	defaultMaxTile  = 100000
	defaultMaxBatch = 10000
	defaultPoolSize = 64

	requestTimeout = 5 * time.Second

	// Close code sent when the hub drops a session for backpressure.
	closeCodeServerDrop = websocket.CloseInternalServerErr
)

// payloadEnvelope is the JSON body of every HTTP exchange; data carries the
// protobuf bytes base64-encoded.
type payloadEnvelope struct {
	Data []byte `json:"data"`
}

type clickServer struct {
	coordinator *coord.Coordinator
	engine      *query.Engine
	hub         *hub.Hub
}

func main() {
	addr := flag.String("addr", envOr("ADDR", ":3000"), "listen address")
	natsURL := flag.String("nats-url", envOr("NATS_URL", "nats://localhost:4222"), "nats server url")
	redisURL := flag.String("redis-url", envOr("REDIS_URL", "redis://localhost:6379"), "redis server url")
	maxTile := flag.Int("max-tile", envIntOr("MAX_TILE", defaultMaxTile), "exclusive upper bound of the tile id domain")
	maxBatch := flag.Int("max-batch", envIntOr("MAX_BATCH", defaultMaxBatch), "maximum batch query width")
	poolSize := flag.Int("pool-size", envIntOr("POOL_SIZE", defaultPoolSize), "redis connection pool bound")
	flag.Parse()

	redisStore, err := store.NewRedis(store.RedisConfig{URL: *redisURL, PoolSize: *poolSize})
	if err != nil {
		log.Fatalf("click-server: redis setup failed: %v", err)
	}
	if err := redisStore.Ping(context.Background()); err != nil {
		log.Fatalf("click-server: redis unreachable: %v", err)
	}

	natsBus, err := bus.NewNats(*natsURL)
	if err != nil {
		log.Fatalf("click-server: nats setup failed: %v", err)
	}
	defer natsBus.Close()

	// The mirror must be rebuilt before the listener opens; cold reads are
	// served from it.
	mirror := store.NewMirror(redisStore)
	loaded, err := mirror.Rebuild(context.Background(), int32(*maxTile))
	if err != nil {
		log.Fatalf("click-server: mirror rebuild failed: %v", err)
	}
	log.Printf("click-server: mirror rebuilt with %d tiles", loaded)

	server := &clickServer{
		coordinator: coord.New(mirror, natsBus, int32(*maxTile)),
		engine:      query.New(mirror, int32(*maxTile), int32(*maxBatch)),
		hub:         hub.New(natsBus),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.hub.Run(ctx)

	mux := http.NewServeMux()
	server.registerRoutes(mux)

	log.Printf("click-server: listening on %s", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatalf("click-server: listen failed: %v", err)
	}
}

func (s *clickServer) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/click", buildClickHandler(s))
	mux.HandleFunc("/api/ownerships-by-batch", buildBatchHandler(s))
	mux.HandleFunc("/api/ownerships", buildOwnershipsHandler(s))
	mux.HandleFunc("/v2/rpc/leaderboard", buildLeaderboardHandler(s))
	mux.HandleFunc("/ws/listen", buildListenHandler(s))
}

func buildClickHandler(server *clickServer) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost {
			writer.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		defer request.Body.Close()

		var clickRequest clickpb.ClickRequest
		if !decodeEnvelope(writer, request, func(data []byte) error { return clickRequest.Unmarshal(data) }) {
			return
		}

		ctx, cancel := context.WithTimeout(request.Context(), requestTimeout)
		defer cancel()

		response, err := server.coordinator.Click(ctx, clickRequest)
		if err != nil {
			writeError(writer, err)
			return
		}
		writeEnvelope(writer, response.Marshal())
	}
}

func buildBatchHandler(server *clickServer) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost {
			writer.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		defer request.Body.Close()

		var batchRequest clickpb.BatchRequest
		if !decodeEnvelope(writer, request, func(data []byte) error { return batchRequest.Unmarshal(data) }) {
			return
		}

		ctx, cancel := context.WithTimeout(request.Context(), requestTimeout)
		defer cancel()

		state, err := server.engine.OwnershipsByBatch(ctx, batchRequest)
		if err != nil {
			writeError(writer, err)
			return
		}
		writeEnvelope(writer, state.Marshal())
	}
}

func buildOwnershipsHandler(server *clickServer) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodGet {
			writer.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(request.Context(), requestTimeout)
		defer cancel()

		state, err := server.engine.OwnershipsAll(ctx)
		if err != nil {
			writeError(writer, err)
			return
		}
		writeEnvelope(writer, state.Marshal())
	}
}

func buildLeaderboardHandler(server *clickServer) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodGet {
			writer.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(request.Context(), requestTimeout)
		defer cancel()

		response, err := server.engine.Leaderboard(ctx)
		if err != nil {
			writeError(writer, err)
			return
		}
		writeEnvelope(writer, response.Marshal())
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func buildListenHandler(server *clickServer) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			log.Printf("click-server: ws upgrade failed: %v", err)
			return
		}

		session := hub.NewSession(uuid.NewString(), nil)
		server.hub.Attach(session)

		// The listener stream is one-way, but reading is what surfaces a
		// client disconnect.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					server.hub.Detach(session.ID())
					return
				}
			}
		}()

		defer func() {
			server.hub.Detach(session.ID())
			_ = conn.Close()
		}()

		for {
			select {
			case update := <-session.Updates():
				if err := conn.WriteMessage(websocket.BinaryMessage, update.Marshal()); err != nil {
					return
				}
			case <-session.Closed():
				if session.Dropped() {
					deadline := time.Now().Add(time.Second)
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(closeCodeServerDrop, "listener too slow"), deadline)
				}
				return
			}
		}
	}
}

// decodeEnvelope reads the JSON envelope and hands the protobuf bytes to
// unmarshal. It answers 400 on failure and reports whether to proceed.
func decodeEnvelope(writer http.ResponseWriter, request *http.Request, unmarshal func([]byte) error) bool {
	var envelope payloadEnvelope
	if err := json.NewDecoder(request.Body).Decode(&envelope); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return false
	}
	if err := unmarshal(envelope.Data); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return false
	}
	return true
}

func writeEnvelope(writer http.ResponseWriter, payload []byte) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(writer).Encode(payloadEnvelope{Data: payload})
}

func writeError(writer http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coord.ErrInvalidArgument):
		writer.WriteHeader(http.StatusBadRequest)
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, bus.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		writer.WriteHeader(http.StatusServiceUnavailable)
	default:
		writer.WriteHeader(http.StatusInternalServerError)
	}
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envIntOr(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
