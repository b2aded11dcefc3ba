package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"brokerlink/internal/domain"
	"brokerlink/internal/marketdata"
	"brokerlink/internal/supervisor"
)

// Source is the broker surface the API reads from.
type Source interface {
	Name() string
	State() supervisor.State
	IsAlive() bool
	TimeSkew() time.Duration
	ManagedAccounts() []string
	Subscribed() []string
	PendingOrders() []int64

	Orders() []domain.Order
	GetOrder(orderID string) (domain.Order, bool)
	Transactions() []domain.Transaction
	Positions() map[string]domain.Position
	Portfolio() domain.Portfolio
	Account() domain.Account

	Spot(symbol, field string) (float64, bool)
	LastTraded(symbol string) (time.Time, bool)
	Bars(symbol string, window int, freq time.Duration) ([]domain.Bar, bool)
}

// Archive is the on-disk history of bars and ticks.
type Archive interface {
	ReadBars(ctx context.Context, frequency, symbol string, start, end time.Time) ([]domain.Bar, error)
	ListSymbols(ctx context.Context, frequency string) ([]string, error)
	ReadTicks(ctx context.Context, symbol string, start, end time.Time) ([]domain.Tick, error)
}

// maxBarWindow caps the window query parameter.
const maxBarWindow = 1440

// defaultTickSpan is the tick range served when ?start= is absent.
const defaultTickSpan = time.Hour

// StatusServer serves the status HTTP API.
type StatusServer struct {
	src     Source
	archive Archive
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a StatusServer.
type Option func(*StatusServer)

// WithArchive serves bars from archive when memory has none for a symbol,
// and enables the tick and symbol history routes.
func WithArchive(archive Archive) Option {
	return func(s *StatusServer) { s.archive = archive }
}

// NewStatusServer creates a status server over src.
func NewStatusServer(src Source, log *slog.Logger, opts ...Option) *StatusServer {
	s := &StatusServer{src: src, now: time.Now, log: log.With("component", "httpapi")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes registers all API routes on the given mux.
func (s *StatusServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/orders", s.handleOrders)
	mux.HandleFunc("GET /api/orders/{id}", s.handleOrder)
	mux.HandleFunc("GET /api/transactions", s.handleTransactions)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/portfolio", s.handlePortfolio)
	mux.HandleFunc("GET /api/account", s.handleAccount)
	mux.HandleFunc("GET /api/spot/{symbol}", s.handleSpot)
	mux.HandleFunc("GET /api/bars/{symbol}", s.handleBars)
	mux.HandleFunc("GET /api/history/symbols", s.handleHistorySymbols)
	mux.HandleFunc("GET /api/history/ticks/{symbol}", s.handleHistoryTicks)
}

// Handler returns an http.Handler with CORS middleware.
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := HealthJSON{
		Gateway:       s.src.Name(),
		State:         s.src.State().String(),
		Alive:         s.src.IsAlive(),
		TimeSkewMs:    s.src.TimeSkew().Milliseconds(),
		Accounts:      s.src.ManagedAccounts(),
		Subscribed:    s.src.Subscribed(),
		PendingOrders: len(s.src.PendingOrders()),
	}
	if !h.Alive {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(h)
		return
	}
	s.writeJSON(w, h)
}

// handleOrders lists orders, optionally filtered by ?status=open|closed or a
// canonical status and by ?symbol=.
func (s *StatusServer) handleOrders(w http.ResponseWriter, r *http.Request) {
	status := strings.ToUpper(r.URL.Query().Get("status"))
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))

	orders := make([]domain.Order, 0)
	for _, o := range s.src.Orders() {
		if symbol != "" && o.Asset.Symbol != symbol {
			continue
		}
		switch status {
		case "":
		case "OPEN":
			if !o.Open() {
				continue
			}
		case "CLOSED":
			if o.Open() {
				continue
			}
		default:
			if string(o.Status) != status {
				continue
			}
		}
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
	s.writeJSON(w, orders)
}

func (s *StatusServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	o, ok := s.src.GetOrder(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown order "+id)
		return
	}
	s.writeJSON(w, o)
}

func (s *StatusServer) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txs := s.src.Transactions()
	if txs == nil {
		txs = []domain.Transaction{}
	}
	s.writeJSON(w, txs)
}

func (s *StatusServer) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.src.Positions()
	if positions == nil {
		positions = map[string]domain.Position{}
	}
	s.writeJSON(w, positions)
}

func (s *StatusServer) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.src.Portfolio())
}

func (s *StatusServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.src.Account())
}

func (s *StatusServer) handleSpot(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	field := r.URL.Query().Get("field")
	if field == "" {
		field = marketdata.FieldPrice
	}
	v, ok := s.src.Spot(symbol, field)
	if !ok {
		writeError(w, http.StatusNotFound, "no "+field+" for "+symbol)
		return
	}
	out := SpotJSON{Symbol: symbol, Field: field, Value: v}
	if t, ok := s.src.LastTraded(symbol); ok {
		out.LastTraded = &t
	}
	s.writeJSON(w, out)
}

// handleBars returns ?window= bars (default 30) at ?freq= 1m or 1d. Bars
// come from memory, or from the archive when memory has none for the symbol
// or ?end= asks for an earlier window.
func (s *StatusServer) handleBars(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	q := r.URL.Query()

	freqName := q.Get("freq")
	if freqName == "" {
		freqName = "1m"
	}
	freq, err := marketdata.ParseFrequency(freqName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	window := 30
	if v := q.Get("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxBarWindow {
			writeError(w, http.StatusBadRequest, "invalid window "+v)
			return
		}
		window = n
	}
	end, err := parseTime(q.Get("end"), s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var bars []domain.Bar
	ok := false
	if q.Get("end") == "" {
		bars, ok = s.src.Bars(symbol, window, freq)
	}
	if !ok && s.archive != nil {
		bars, err = s.archiveBars(r.Context(), symbol, window, freq, end)
		if err != nil {
			s.log.Warn("reading archived bars", "symbol", symbol, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		ok = len(bars) > 0
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no bars for "+symbol)
		return
	}
	out := BarsJSON{Symbol: symbol, Frequency: marketdata.FrequencyName(freq), Bars: make([]BarJSON, 0, len(bars))}
	for _, b := range bars {
		out.Bars = append(out.Bars, toBarJSON(b))
	}
	s.writeJSON(w, out)
}

// archiveBars returns the archived bars of the window ending at end. The
// archive keeps only bars with trades, so the result may be shorter than
// window.
func (s *StatusServer) archiveBars(ctx context.Context, symbol string, window int, freq time.Duration, end time.Time) ([]domain.Bar, error) {
	start := end.Add(-time.Duration(window) * freq)
	bars, err := s.archive.ReadBars(ctx, marketdata.FrequencyName(freq), symbol, start, end)
	if err != nil {
		return nil, err
	}
	// ReadBars is inclusive at both ends; the bar starting at end is not
	// complete yet.
	out := bars[:0]
	for _, b := range bars {
		if b.Timestamp.Before(end) {
			out = append(out, b)
		}
	}
	if len(out) > window {
		out = out[len(out)-window:]
	}
	return out, nil
}

// handleHistorySymbols lists the archived symbols at ?freq= (default 1m).
func (s *StatusServer) handleHistorySymbols(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "no archive configured")
		return
	}
	freqName := r.URL.Query().Get("freq")
	if freqName == "" {
		freqName = "1m"
	}
	if _, err := marketdata.ParseFrequency(freqName); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	symbols, err := s.archive.ListSymbols(r.Context(), freqName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	s.writeJSON(w, symbols)
}

// handleHistoryTicks returns archived ticks of a symbol between ?start= and
// ?end= (RFC 3339). The range defaults to the last hour.
func (s *StatusServer) handleHistoryTicks(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "no archive configured")
		return
	}
	symbol := strings.ToUpper(r.PathValue("symbol"))
	q := r.URL.Query()
	end, err := parseTime(q.Get("end"), s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start, err := parseTime(q.Get("start"), end.Add(-defaultTickSpan))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if start.After(end) {
		writeError(w, http.StatusBadRequest, "start after end")
		return
	}
	ticks, err := s.archive.ReadTicks(r.Context(), symbol, start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ticks == nil {
		ticks = []domain.Tick{}
	}
	s.writeJSON(w, ticks)
}

func parseTime(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", v)
	}
	return t.UTC(), nil
}
