// File: internal/server/websocket.go
package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/events"
	"github.com/xkilldash9x/scriptgym/internal/service"
)

// Constants for WebSocket timeouts and limits (based on Gorilla WebSocket examples).
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer. A run configuration carries the
	// whole base script.
	maxMessageSize = 64 << 10
	// Send buffer size
	sendChannelSize = 256
	// Time the client gets to answer our close frame.
	closeGracePeriod = time.Second
)

func newUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowsAny(allowed) {
				return true
			}
			if originAllowed(allowed, origin) {
				return true
			}
			// Same host is always fine.
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

// wsClient is one /ws/simulate connection. It implements events.Emitter so a
// run streams straight into its send queue.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	logger *zap.Logger
	// Outgoing events; only writePump writes to the connection.
	send chan schemas.Event
	// Closed when writePump exits.
	written chan struct{}
	// Closed when readPump exits.
	readDone chan struct{}
}

// Emit queues ev for the client. It blocks while the queue is full so no
// result is dropped, and returns at once if the connection is gone.
func (c *wsClient) Emit(_ context.Context, ev schemas.Event) {
	select {
	case c.send <- ev:
	case <-c.written:
	}
}

// handleSimulate upgrades the connection, reads a single run configuration,
// runs it and streams every progress event back. A client disconnect cancels
// the run; its history is still saved.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.logger.Warn("Failed to upgrade connection to WebSocket", zap.Error(err))
		return
	}

	c := &wsClient{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan schemas.Event, sendChannelSize),
		written:  make(chan struct{}),
		readDone: make(chan struct{}),
	}
	c.logger = s.logger.With(zap.String("client_id", c.id), zap.String("remote_addr", r.RemoteAddr))
	c.logger.Info("Simulation client connected.")
	defer c.logger.Info("Simulation client disconnected.")

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		conn.Close()
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var run schemas.RunConfig
	_, data, err := conn.ReadMessage()
	if err != nil {
		c.logger.Info("Client left before sending a run configuration.", zap.Error(err))
		conn.Close()
		return
	}
	decodeErr := json.Unmarshal(data, &run)

	ctx, cancel := context.WithCancel(s.runCtx)
	defer cancel()

	var pumps errgroup.Group
	pumps.Go(func() error {
		c.writePump()
		return nil
	})
	pumps.Go(func() error {
		c.readPump(cancel)
		return nil
	})

	switch {
	case decodeErr != nil:
		c.Emit(ctx, schemas.ErrorEvent("", fmt.Sprintf("invalid run configuration: %v", decodeErr)))
	case !s.beginRun():
		c.Emit(ctx, schemas.ErrorEvent("", "server is shutting down"))
	default:
		s.simulate(ctx, c, run)
		s.runs.Done()
	}

	// Closing send makes writePump emit a close frame and exit.
	close(c.send)
	<-c.written
	select {
	case <-c.readDone:
	case <-time.After(closeGracePeriod):
	}
	conn.Close()
	_ = pumps.Wait()
}

func (s *Server) simulate(ctx context.Context, c *wsClient, run schemas.RunConfig) {
	run = service.FillRunDefaults(run, s.gym)
	c.logger.Info("Starting simulation run.",
		zap.Int("max_cycles", run.MaxCycles),
		zap.Int("batch_size", run.BatchSize),
		zap.String("model", run.Model),
	)

	runner, cleanup, err := s.runners.NewRunner(ctx, run, events.Multi(c, s.bus))
	if err != nil {
		c.logger.Error("Failed to prepare run.", zap.Error(err))
		c.Emit(ctx, schemas.ErrorEvent("", fmt.Sprintf("failed to start run: %v", err)))
		return
	}
	defer cleanup()

	rec, err := runner.Run(ctx, run)
	if err != nil {
		c.logger.Warn("Run ended with error.", zap.Error(err))
		return
	}
	c.logger.Info("Run finished.", zap.String("run_id", rec.ID), zap.Bool("converged", rec.Converged))
}

// readPump watches the connection. Clients send nothing after the run
// configuration, so any read error means the client is gone.
func (c *wsClient) readPump(cancelRun context.CancelFunc) {
	defer close(c.readDone)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("WebSocket closed unexpectedly; cancelling run.", zap.Error(err))
			}
			cancelRun()
			return
		}
	}
}

// writePump is the only writer on the connection. It drains send and keeps
// the connection alive with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.written)
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				c.logger.Error("Failed to encode event", zap.String("type", string(ev.Type)), zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Warn("Error writing event to WebSocket", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("Error sending PING message to WebSocket", zap.Error(err))
				return
			}
		}
	}
}
