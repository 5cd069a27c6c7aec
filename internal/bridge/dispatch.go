package bridge

import (
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/hostbridge/hostbridge/internal/logger"
	"github.com/hostbridge/hostbridge/internal/protocol"
	"github.com/hostbridge/hostbridge/internal/stream"
)

// maxBodySize caps operation request bodies at 8 MB.
const maxBodySize = 8 << 20

func (s *Server) buildRouter() *httprouter.Router {
	router := httprouter.New()

	router.GET(protocol.RouteLogsRead, s.withAuth(s.handleLogsRead))
	router.GET(protocol.RouteLogsStream, s.withAuth(s.handleLogsStream))
	router.GET(protocol.RouteLogsWS, s.withAuth(s.handleLogsWS))
	router.GET(protocol.RouteStatus, s.withAuth(s.handleStatus))

	s.handlersMu.RLock()
	for path, h := range s.handlers {
		router.POST(path, s.withAuth(s.operation(h)))
	}
	s.handlersMu.RUnlock()

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	router.HandleMethodNotAllowed = false

	return router
}

// withAuth verifies the shared-secret header before any handler runs. With
// no token configured every request is accepted.
func (s *Server) withAuth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		if !s.token.IsEmpty() && !s.token.Equal(r.Header.Get(protocol.TokenHeader)) {
			logger.Warn("rejected request to %s: bad or missing token", r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, params)
	}
}

// operation adapts a business handler into the dispatch contract: the
// response is always a well-formed envelope with HTTP 200, whatever the
// handler does. Handler faults never surface as transport errors.
func (s *Server) operation(h HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s.mu.Lock()
		limiter := s.limiter
		s.mu.Unlock()
		if limiter != nil && !limiter.Allow() {
			http.Error(w, "too many requests", http.StatusServiceUnavailable)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			writeEnvelope(w, protocol.EncodeErr("failed to read request body: "+err.Error()))
			return
		}

		writeEnvelope(w, s.invoke(h, r, body))
	}
}

// invoke runs the handler with panic containment and encodes its outcome.
func (s *Server) invoke(h HandlerFunc, r *http.Request, body []byte) (env *protocol.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("handler for %s panicked: %v", r.URL.Path, rec)
			env = protocol.EncodeErr(panicMessage(rec))
		}
	}()

	result, err := h(r.Context(), body)
	if err != nil {
		return protocol.EncodeErr(err.Error())
	}

	env, err = protocol.EncodeOK(result)
	if err != nil {
		logger.Error("handler for %s returned unencodable result: %v", r.URL.Path, err)
		return protocol.EncodeErr(err.Error())
	}
	return env
}

func panicMessage(rec any) string {
	if err, ok := rec.(error); ok {
		return err.Error()
	}
	if msg, ok := rec.(string); ok {
		return msg
	}
	return "handler panicked"
}

func writeEnvelope(w http.ResponseWriter, env *protocol.Envelope) {
	data, err := env.Marshal()
	if err != nil {
		// Envelope marshalling only depends on our own types; treat a
		// failure here as a programming error but still answer in-band.
		logger.Error("failed to marshal envelope: %v", err)
		data = []byte(`{"ok":false,"error":"internal encoding failure"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logger.Debug("failed to write response: %v", err)
	}
}

// handleStatus reports host readiness for the client's idle poll.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	busy := false
	if probe := s.busyProbe.Load(); probe != nil {
		busy = (*probe)()
	}
	env, _ := protocol.EncodeOK(protocol.StatusResult{Busy: busy})
	writeEnvelope(w, env)
}

// handleLogsRead dumps the retained log ring as plain text.
func (s *Server) handleLogsRead(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, s.ring.Dump()); err != nil {
		logger.Debug("failed to write log dump: %v", err)
	}
}

// handleLogsStream keeps the response open and feeds it log events until
// the client disconnects or the bridge stops.
func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	broadcaster := s.broadcaster.Load()
	if broadcaster == nil {
		http.Error(w, "bridge stopping", http.StatusServiceUnavailable)
		return
	}

	sub, err := stream.NewSSESubscriber(w, s.cfg.SSERetry())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	broadcaster.Register(sub)
	logger.Debug("sse subscriber connected from %s", r.RemoteAddr)

	select {
	case <-sub.Gone():
		// Evicted after a write failure, or closed by shutdown.
	case <-r.Context().Done():
		broadcaster.Unregister(sub)
	}
	logger.Debug("sse subscriber from %s disconnected", r.RemoteAddr)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bridge listens on loopback only; origin checks add nothing.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleLogsWS serves the same live feed over a WebSocket.
func (s *Server) handleLogsWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	broadcaster := s.broadcaster.Load()
	if broadcaster == nil {
		http.Error(w, "bridge stopping", http.StatusServiceUnavailable)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	sub := stream.NewWSSubscriber(conn)
	broadcaster.Register(sub)
	logger.Debug("websocket subscriber connected from %s", r.RemoteAddr)

	// Drain the read side to notice the peer going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				broadcaster.Unregister(sub)
				return
			}
		}
	}()
}
