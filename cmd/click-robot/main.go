package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/valdo404/clickplanet-go/internal/clickpb"
)

const (
	reclaimWorkers    = 4
	sweepInterval     = 120 * time.Second
	sweepBatchWidth   = 10000
	requestTimeout    = 10 * time.Second
	dialRetryAttempts = 12
	dialRetryDelay    = 250 * time.Millisecond
)

// payloadEnvelope mirrors the server's JSON body: base64 protobuf bytes.
type payloadEnvelope struct {
	Data []byte `json:"data"`
}

// watchguard keeps every tile of the target country owned by the wanted
// country: it reacts to live update notifications and sweeps the full tile
// set periodically.
type watchguard struct {
	httpBase string
	wsBase   string
	client   *http.Client

	targetCountry string
	wantedCountry string
	tiles         map[int32]struct{}
	minTile       int32
	maxTile       int32

	limiter *rate.Limiter

	mu       sync.Mutex
	inFlight map[int32]struct{}

	claims chan int32
}

func main() {
	targetCountry := flag.String("target-country", "", "country whose tiles are protected")
	wantedCountry := flag.String("wanted-country", "", "country that should own the tiles")
	host := flag.String("host", "localhost", "server host")
	port := flag.Int("port", 3000, "server port")
	unsecure := flag.Bool("unsecure", false, "use http/ws instead of https/wss")
	tilesFile := flag.String("tiles-file", "country_to_tiles.json", "country to tile ids dataset")
	clicksPerSecond := flag.Float64("clicks-per-second", 20, "reclaim rate limit")
	flag.Parse()

	if *targetCountry == "" || *wantedCountry == "" {
		fmt.Println("both --target-country and --wanted-country are required")
		os.Exit(1)
	}

	tiles, err := loadCountryTiles(*tilesFile, *targetCountry)
	if err != nil {
		log.Fatalf("click-robot: %v", err)
	}
	if len(tiles) == 0 {
		log.Fatalf("click-robot: no tiles known for country %q", *targetCountry)
	}

	guard := newWatchguard(*host, *port, *unsecure, *targetCountry, *wantedCountry, tiles, *clicksPerSecond)
	log.Printf("click-robot: guarding %d tiles of %s for %s", len(tiles), *targetCountry, *wantedCountry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := guard.run(ctx); err != nil {
		log.Fatalf("click-robot: %v", err)
	}
}

func newWatchguard(host string, port int, unsecure bool, targetCountry, wantedCountry string, tiles []int32, clicksPerSecond float64) *watchguard {
	httpScheme, wsScheme := "https", "wss"
	if unsecure {
		httpScheme, wsScheme = "http", "ws"
	}

	guard := &watchguard{
		httpBase:      fmt.Sprintf("%s://%s:%d", httpScheme, host, port),
		wsBase:        fmt.Sprintf("%s://%s:%d", wsScheme, host, port),
		client:        &http.Client{Timeout: requestTimeout},
		targetCountry: strings.ToLower(targetCountry),
		wantedCountry: strings.ToLower(wantedCountry),
		tiles:         make(map[int32]struct{}, len(tiles)),
		limiter:       rate.NewLimiter(rate.Limit(clicksPerSecond), 1),
		inFlight:      make(map[int32]struct{}),
		claims:        make(chan int32, 1024),
	}
	guard.minTile, guard.maxTile = tiles[0], tiles[0]
	for _, tileID := range tiles {
		guard.tiles[tileID] = struct{}{}
		if tileID < guard.minTile {
			guard.minTile = tileID
		}
		if tileID > guard.maxTile {
			guard.maxTile = tileID
		}
	}
	return guard
}

func (g *watchguard) run(ctx context.Context) error {
	for index := 0; index < reclaimWorkers; index++ {
		go g.reclaimLoop(ctx)
	}
	go g.sweepLoop(ctx)
	return g.monitorLoop(ctx)
}

// monitorLoop watches the live stream and reacts to unauthorized changes.
// A dropped or failed connection is redialed from scratch; the next sweep
// repairs anything missed in between.
func (g *watchguard) monitorLoop(ctx context.Context) error {
	for {
		conn, err := dialWithRetry(ctx, g.wsBase+"/ws/listen")
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				log.Printf("click-robot: listen stream lost: %v", err)
				break
			}
			var update clickpb.UpdateNotification
			if err := update.Unmarshal(payload); err != nil {
				continue
			}
			if _, guarded := g.tiles[update.TileID]; !guarded {
				continue
			}
			if update.CountryID == g.wantedCountry {
				continue
			}
			log.Printf("click-robot: tile %d changed %s -> %s, reclaiming",
				update.TileID, update.PreviousCountryID, update.CountryID)
			g.enqueue(update.TileID)
		}
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// sweepLoop claims every guarded tile not currently owned by the wanted
// country, once at startup and then on the sweep interval.
func (g *watchguard) sweepLoop(ctx context.Context) {
	for {
		if err := g.sweep(ctx); err != nil {
			log.Printf("click-robot: sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sweepInterval):
		}
	}
}

func (g *watchguard) sweep(ctx context.Context) error {
	owned := make(map[int32]string, len(g.tiles))
	for start := g.minTile; start <= g.maxTile; start += sweepBatchWidth {
		end := start + sweepBatchWidth
		if end > g.maxTile+1 {
			end = g.maxTile + 1
		}
		state, err := g.ownershipsByBatch(ctx, start, end)
		if err != nil {
			return err
		}
		for _, ownership := range state.Ownerships {
			owned[int32(ownership.TileID)] = ownership.CountryID
		}
	}

	queued := 0
	for tileID := range g.tiles {
		if owned[tileID] != g.wantedCountry {
			g.enqueue(tileID)
			queued++
		}
	}
	if queued > 0 {
		log.Printf("click-robot: sweep queued %d reclaims", queued)
	}
	return nil
}

// enqueue registers a reclaim unless one is already pending for the tile.
func (g *watchguard) enqueue(tileID int32) {
	g.mu.Lock()
	if _, pending := g.inFlight[tileID]; pending {
		g.mu.Unlock()
		return
	}
	g.inFlight[tileID] = struct{}{}
	g.mu.Unlock()

	select {
	case g.claims <- tileID:
	default:
		// Queue full; the next sweep will catch this tile.
		g.mu.Lock()
		delete(g.inFlight, tileID)
		g.mu.Unlock()
	}
}

func (g *watchguard) reclaimLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tileID := <-g.claims:
			if err := g.limiter.Wait(ctx); err != nil {
				return
			}
			if err := g.claim(ctx, tileID); err != nil {
				log.Printf("click-robot: claim tile %d failed: %v", tileID, err)
			}
			g.mu.Lock()
			delete(g.inFlight, tileID)
			g.mu.Unlock()
		}
	}
}

func (g *watchguard) claim(ctx context.Context, tileID int32) error {
	request := clickpb.ClickRequest{TileID: tileID, CountryID: g.wantedCountry}
	body, err := json.Marshal(payloadEnvelope{Data: request.Marshal()})
	if err != nil {
		return err
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, g.httpBase+"/api/click", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := g.client.Do(httpRequest)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", response.StatusCode)
	}

	var envelope payloadEnvelope
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		return err
	}
	var clickResponse clickpb.ClickResponse
	return clickResponse.Unmarshal(envelope.Data)
}

func (g *watchguard) ownershipsByBatch(ctx context.Context, start, end int32) (clickpb.OwnershipState, error) {
	request := clickpb.BatchRequest{StartTileID: start, EndTileID: end}
	body, err := json.Marshal(payloadEnvelope{Data: request.Marshal()})
	if err != nil {
		return clickpb.OwnershipState{}, err
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, g.httpBase+"/api/ownerships-by-batch", bytes.NewReader(body))
	if err != nil {
		return clickpb.OwnershipState{}, err
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := g.client.Do(httpRequest)
	if err != nil {
		return clickpb.OwnershipState{}, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return clickpb.OwnershipState{}, fmt.Errorf("status %d", response.StatusCode)
	}

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return clickpb.OwnershipState{}, err
	}
	var envelope payloadEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return clickpb.OwnershipState{}, err
	}
	var state clickpb.OwnershipState
	if err := state.Unmarshal(envelope.Data); err != nil {
		return clickpb.OwnershipState{}, err
	}
	return state, nil
}

// loadCountryTiles reads the country_to_tiles.json dataset and returns the
// tile ids of one country. Keys are matched case-insensitively.
func loadCountryTiles(path, country string) ([]int32, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiles dataset: %w", err)
	}

	var byCountry map[string][]int32
	if err := json.Unmarshal(payload, &byCountry); err != nil {
		return nil, fmt.Errorf("decode tiles dataset: %w", err)
	}

	wanted := strings.ToLower(country)
	for key, tiles := range byCountry {
		if strings.ToLower(key) == wanted {
			return tiles, nil
		}
	}
	return nil, nil
}

func dialWithRetry(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	if !strings.HasPrefix(wsURL, "ws://") && !strings.HasPrefix(wsURL, "wss://") {
		return nil, fmt.Errorf("invalid ws url: %s", wsURL)
	}
	var lastErr error
	for attempt := 0; attempt < dialRetryAttempts; attempt++ {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialRetryDelay):
		}
	}
	return nil, lastErr
}
