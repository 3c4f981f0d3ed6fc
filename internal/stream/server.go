package stream

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	ws "github.com/gorilla/websocket"

	"github.com/kartlab/escd/internal/dispatcher"
	"github.com/kartlab/escd/internal/handlers"
	"github.com/kartlab/escd/internal/storage"
	"github.com/kartlab/escd/pkg/core"
	"github.com/kartlab/escd/pkg/streaming"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 1000
)

// Dispatcher routes supervision commands. Satisfied by *dispatcher.Dispatcher.
type Dispatcher interface {
	Dispatch(e dispatcher.Event) (any, error)
	HasHandler(command string) bool
}

// Config holds the listen address and the optional journal read side.
type Config struct {
	Listen string
	// Journal serves /events and /history. Nil answers 503.
	Journal storage.Querier
}

// Server exposes status and commands over HTTP and streams envelopes over WebSocket.
type Server struct {
	cfg      Config
	hub      *Hub
	dispatch Dispatcher
	logger   *slog.Logger
	upgrader ws.Upgrader
	srv      *http.Server
}

func NewServer(cfg Config, hub *Hub, d Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		hub:      hub,
		dispatch: d,
		logger:   logger.With("component", "stream"),
		upgrader: ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.srv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.serveWS)
	r.Route("/", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Get("/status", s.getStatus)
		r.Post("/estop", s.postCommand(handlers.CmdEStop))
		r.Post("/reset", s.postCommand(handlers.CmdReset))
		r.Post("/command", s.postGeneric)
		r.Get("/events", s.getEvents)
		r.Get("/history/{motor}", s.getHistory)
	})
	return r
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Stream server listening", "addr", ln.Addr().String())
	err := s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown disconnects the stream clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	return s.srv.Shutdown(ctx)
}

func (s *Server) run(cmd streaming.CommandMessage, source string) streaming.AckMessage {
	res, err := s.dispatch.Dispatch(dispatcher.Event{
		Command:   cmd.Command,
		Args:      cmd.Args,
		Source:    source,
		Timestamp: time.Now(),
	})
	return streaming.NewAck(cmd.Command, res, err)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.dispatch.Dispatch(dispatcher.Event{Command: handlers.CmdStatus, Source: "http"})
	if err != nil {
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, streaming.NewAck(handlers.CmdStatus, nil, err))
		return
	}
	render.JSON(w, r, res)
}

func (s *Server) postCommand(command string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.respond(w, r, s.run(streaming.CommandMessage{Command: command}, "http"))
	}
}

func (s *Server) postGeneric(w http.ResponseWriter, r *http.Request) {
	var cmd streaming.CommandMessage
	if err := render.DecodeJSON(r.Body, &cmd); err != nil || cmd.Command == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, streaming.NewAck(cmd.Command, nil, errors.New("invalid command body")))
		return
	}
	if !s.dispatch.HasHandler(cmd.Command) {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, streaming.NewAck(cmd.Command, nil, dispatcher.ErrUnknownCommand))
		return
	}
	s.respond(w, r, s.run(cmd, "http"))
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.queryLimit(w, r)
	if !ok {
		return
	}
	events, err := s.cfg.Journal.SafetyEvents(limit)
	if err != nil {
		s.journalError(w, r, err)
		return
	}
	if events == nil {
		events = []core.SafetyEvent{}
	}
	render.JSON(w, r, events)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.queryLimit(w, r)
	if !ok {
		return
	}
	history, err := s.cfg.Journal.MotorHistory(chi.URLParam(r, "motor"), limit)
	if err != nil {
		s.journalError(w, r, err)
		return
	}
	if history == nil {
		history = []core.MotorStatus{}
	}
	render.JSON(w, r, history)
}

// queryLimit checks the journal is configured and parses ?limit, writing the
// error response itself when either fails.
func (s *Server) queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	if s.cfg.Journal == nil {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]string{"error": "journal not configured"})
		return 0, false
	}
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultQueryLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(limit, maxQueryLimit), true
}

func (s *Server) journalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("Journal query failed", "path", r.URL.Path, "error", err)
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, map[string]string{"error": err.Error()})
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, ack streaming.AckMessage) {
	if !ack.OK {
		render.Status(r, http.StatusConflict)
	}
	render.JSON(w, r, ack)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn, s.hub, s.logger)
	s.hub.add(c)
	s.logger.Debug("Stream client connected", "remote", r.RemoteAddr, "clients", s.hub.Clients())

	go c.writeLoop()
	go c.readLoop(func(cmd streaming.CommandMessage) streaming.AckMessage {
		return s.run(cmd, "ws")
	})
}
