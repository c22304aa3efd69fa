// Package backend serves the streaming chat endpoint the panes connect to.
//
// Each inbound {"message": ...} frame is answered with a series of text
// frames, each carrying the complete reply so far (snapshots, not deltas).
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"DualChat/internal/cache"
	"DualChat/internal/conversation"
	"DualChat/internal/telemetry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InboundMessage is the JSON frame a pane sends
type InboundMessage struct {
	Message string `json:"message"`
}

// Server upgrades /ws requests and streams replies
type Server struct {
	responder Responder
	system    string
	cache     *cache.Store
	logger    *slog.Logger
	tracer    trace.Tracer
	upgrader  websocket.Upgrader
}

// NewServer creates a Server. A nil store disables reply caching.
func NewServer(responder Responder, system string, store *cache.Store, logger *slog.Logger, tracer trace.Tracer) (*Server, error) {
	if responder == nil {
		return nil, fmt.Errorf("responder cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if tracer == nil {
		tracer = telemetry.NoopTracer()
	}
	return &Server{
		responder: responder,
		system:    system,
		cache:     store,
		logger:    logger,
		tracer:    tracer,
		upgrader: websocket.Upgrader{
			// Any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	logger := s.logger.With("conn_id", connID, "remote", r.RemoteAddr)
	logger.Info("client connected")

	// Each connection has its own history.
	var history []conversation.Turn
	ctx := r.Context()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("client disconnected")
			} else {
				logger.Warn("read failed", "error", err)
			}
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("ignoring malformed frame", "error", err)
			continue
		}
		if strings.TrimSpace(msg.Message) == "" {
			logger.Debug("ignoring empty message")
			continue
		}

		history = append(history, conversation.Turn{Role: conversation.RoleUser, Content: msg.Message})
		reply, err := s.reply(ctx, conn, history, logger)
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) || errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("failed to stream reply", "error", err)
			// Neither the unanswered question nor the failure notice is sent upstream again.
			history = history[:len(history)-1]
			continue
		}
		history = append(history, conversation.Turn{Role: conversation.RoleAssistant, Content: reply})
	}
}

// reply streams one answer as snapshot frames and returns the full text
func (s *Server) reply(ctx context.Context, conn *websocket.Conn, history []conversation.Turn, logger *slog.Logger) (string, error) {
	ctx, span := s.tracer.Start(ctx, "backend_reply", trace.WithAttributes(
		attribute.Int("history.length", len(history)),
	))
	defer span.End()

	var key string
	if s.cache != nil {
		key = cache.GenerateCacheKey(s.system, history)
		if cached, ok := s.cache.Load(key); ok {
			logger.Info("cache hit", "key", key[:16])
			return cached, conn.WriteMessage(websocket.TextMessage, []byte(cached))
		}
	}

	var all strings.Builder
	err := s.responder.Stream(ctx, s.system, history, func(delta string) error {
		if delta == "" {
			return nil
		}
		all.WriteString(delta)
		return conn.WriteMessage(websocket.TextMessage, []byte(all.String()))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		if all.Len() == 0 {
			// Give the pane something to show instead of leaving it pending.
			notice := "_The backend could not produce a reply._"
			if werr := conn.WriteMessage(websocket.TextMessage, []byte(notice)); werr != nil {
				return "", werr
			}
			return notice, err
		}
		return all.String(), err
	}

	if s.cache != nil {
		s.cache.Store(key, all.String())
	}
	logger.Debug("reply complete", "length", all.Len())
	return all.String(), nil
}
