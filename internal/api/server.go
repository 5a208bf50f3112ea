// Package api serves a local HTTP JSON interface over a running node.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mnsl/meh/internal/chat"
	"github.com/mnsl/meh/internal/node"
	"github.com/mnsl/meh/internal/stats"
	"github.com/mnsl/meh/internal/wire"
)

const shutdownTimeout = 5 * time.Second

// Engine is the part of the routing engine the API exposes.
type Engine interface {
	Name() string
	Peers() []node.PeerStatus
	HopCounts() map[string]int
	PendingAcks() []wire.UserMessage
	SendMessage(text, dest string) (wire.UserMessage, error)
}

// Config wires a Server. History and Stats may be nil.
type Config struct {
	Engine  Engine
	History *chat.History
	Stats   *stats.Log
	Logger  *slog.Logger
}

// Server handles API requests.
type Server struct {
	eng   Engine
	hist  *chat.History
	stats *stats.Log
	log   *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		eng:   cfg.Engine,
		hist:  cfg.History,
		stats: cfg.Stats,
		log:   logger.With("component", "api"),
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/id", s.idHandler).Methods(http.MethodGet)
	router.HandleFunc("/peers", s.peersHandler).Methods(http.MethodGet)
	router.HandleFunc("/hops", s.hopsHandler).Methods(http.MethodGet)
	router.HandleFunc("/pending", s.pendingHandler).Methods(http.MethodGet)
	router.HandleFunc("/chats/{peer}", s.chatHandler).Methods(http.MethodGet)
	router.HandleFunc("/messages", s.sendHandler).Methods(http.MethodPost)
	router.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
	router.HandleFunc("/stats.csv", s.statsCSVHandler).Methods(http.MethodGet)
	return router
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("API listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("Encoding response", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data) //nolint:errcheck
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) idHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"name": s.eng.Name()})
}

func (s *Server) peersHandler(w http.ResponseWriter, r *http.Request) {
	peers := s.eng.Peers()
	if peers == nil {
		peers = []node.PeerStatus{}
	}
	s.writeJSON(w, http.StatusOK, peers)
}

func (s *Server) hopsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.eng.HopCounts())
}

// message is the JSON view of a user message.
type message struct {
	ID        string    `json:"id,omitempty"`
	Hash      int64     `json:"hash"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func viewOf(m wire.UserMessage) message {
	return message{
		ID:        m.ID,
		Hash:      m.Hash(),
		From:      m.Origin,
		To:        m.Destination,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
}

func (s *Server) pendingHandler(w http.ResponseWriter, r *http.Request) {
	out := []message{}
	for _, m := range s.eng.PendingAcks() {
		out = append(out, viewOf(m))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	peer := mux.Vars(r)["peer"]
	entries := []chat.Entry{}
	if s.hist != nil {
		entries = append(entries, s.hist.Conversation(peer)...)
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type sendRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	m, err := s.eng.SendMessage(req.Content, req.To)
	switch {
	case errors.Is(err, node.ErrSelfDestination), errors.Is(err, node.ErrNoDestination):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case err != nil:
		s.log.Error("Send failed", "to", req.To, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusCreated, viewOf(m))
}

type statsResponse struct {
	Recipients []statsRow         `json:"recipients"`
	ByHops     []stats.HopSummary `json:"by_hops"`
}

type statsRow struct {
	stats.Row
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	LossRate     float64 `json:"loss_rate"`
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Recipients: []statsRow{}, ByHops: []stats.HopSummary{}}
	if s.stats != nil {
		for _, row := range s.stats.Rows() {
			resp.Recipients = append(resp.Recipients, statsRow{
				Row:          row,
				AvgLatencyMS: float64(row.AvgLatency()) / float64(time.Millisecond),
				LossRate:     row.LossRate(),
			})
		}
		resp.ByHops = append(resp.ByHops, s.stats.ByHops()...)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) statsCSVHandler(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "statistics disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	if err := s.stats.WriteCSV(w); err != nil {
		s.log.Warn("Writing CSV", "err", err)
	}
}
