package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trading-dashboard/internal/markprice"
	"trading-dashboard/internal/model"
	"trading-dashboard/internal/positions"

	"github.com/gorilla/websocket"
)

const maxDeriveBody = 64 << 10

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// ViewSource serves the latest derived view set.
type ViewSource interface {
	Latest() []model.PositionView
}

// Routes holds what the REST handlers read from.
type Routes struct {
	Hub      *Hub
	Views    ViewSource
	History  model.MarkHistory // nil disables /api/positions/history
	Decimals int
	Started  time.Time
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Register registers all HTTP routes on mux.
func (rt *Routes) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", rt.handleWS)
	mux.HandleFunc("/api/positions", rt.handlePositions)
	mux.HandleFunc("/api/positions/history", rt.handleHistory)
	mux.HandleFunc("/api/derive", rt.handleDerive)
	mux.HandleFunc("/api/missed", rt.handleMissed)
	mux.HandleFunc("/health", rt.handleHealth)
}

func (rt *Routes) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade error: %v", err)
		return
	}
	rt.Hub.HandleWSRequest(conn, r.URL.Query().Get("last_ts"))
}

// GET /api/positions[?key=NSE:2885]
func (rt *Routes) handlePositions(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	views := rt.Views.Latest()
	if key := r.URL.Query().Get("key"); key != "" {
		filtered := make([]model.PositionView, 0, 1)
		for _, v := range views {
			if v.ID == key {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}
	writeJSON(w, http.StatusOK, views)
}

// GET /api/positions/history?key=NSE:2885&limit=100
func (rt *Routes) handleHistory(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	if rt.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history disabled")
		return
	}

	exchange, token, ok := strings.Cut(r.URL.Query().Get("key"), ":")
	if !ok || exchange == "" || token == "" {
		writeError(w, http.StatusBadRequest, "key must be exchange:token")
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := rt.History.History(r.Context(), exchange, token, limit)
	if err != nil {
		log.Printf("[gateway] history %s:%s: %v", exchange, token, err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type deriveResponse struct {
	Price       *float64         `json:"price"`
	DisplayText string           `json:"display_text"`
	Source      markprice.Source `json:"source"`
	OK          bool             `json:"ok"`
}

// POST /api/derive  body: {"mark":..,"entry":..,"quantity":..,"notional":..,"pnl":..,"side":".."}
func (rt *Routes) handleDerive(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var in markprice.Inputs
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDeriveBody)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	res := markprice.Resolve(in)
	out := deriveResponse{DisplayText: positions.NoPriceText, Source: res.Source, OK: res.OK}
	if res.OK {
		price := res.Price
		out.Price = &price
		out.DisplayText = positions.FormatPrice(price, rt.Decimals)
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/missed?channel=pub:position:NSE:2885&from=10&to=20
func (rt *Routes) handleMissed(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	q := r.URL.Query()
	channel := q.Get("channel")
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}
	from, err1 := strconv.ParseInt(q.Get("from"), 10, 64)
	to, err2 := strconv.ParseInt(q.Get("to"), 10, 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "from and to must be integers")
		return
	}

	entries := rt.Hub.GetReplayRange(channel, from, to)
	out := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		out[i] = e
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel":     channel,
		"channel_seq": rt.Hub.GetChannelSeq(channel),
		"messages":    out,
	})
}

func (rt *Routes) handleHealth(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	redisOK := false
	if rt.Hub.Rdb != nil {
		redisOK = rt.Hub.Rdb.Ping(r.Context()).Err() == nil
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"redis":      redisOK,
		"ws_clients": rt.Hub.ClientCount(),
		"positions":  len(rt.Views.Latest()),
		"uptime_sec": int64(time.Since(rt.Started).Seconds()),
		"ts":         time.Now().UTC().Format(time.RFC3339Nano),
	})
}
