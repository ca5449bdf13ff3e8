// Package shell bridges a WebSocket connection to a provider shell stream.
// The bridge owns the two pump goroutines and the idle/hard-cap timers; when
// either side closes or a limit trips, the session shell ends gracefully.
package shell

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sessionforge/orchestrator/internal/monitoring"
	"github.com/sessionforge/orchestrator/internal/provider"
	"github.com/sessionforge/orchestrator/pkg/logger"
)

// CloseCause is why a bridge ended
type CloseCause string

const (
	CauseClient      CloseCause = "client"
	CauseIdle        CloseCause = "idle"
	CauseMaxDuration CloseCause = "max_duration"
	CauseStream      CloseCause = "stream"
)

// Bridge pumps bytes between one WebSocket connection and one shell stream
type Bridge struct {
	sessionID string
	conn      *websocket.Conn
	stream    provider.ShellStream

	idleTimeout time.Duration
	maxDuration time.Duration

	activity chan struct{}
	done     chan struct{}
	once     sync.Once
	cause    CloseCause

	// OnClose is invoked once after the bridge has fully shut down
	OnClose func(cause CloseCause)
}

// NewBridge creates a bridge for one shell session
func NewBridge(sessionID string, conn *websocket.Conn, stream provider.ShellStream, idleTimeout, maxDuration time.Duration) *Bridge {
	return &Bridge{
		sessionID:   sessionID,
		conn:        conn,
		stream:      stream,
		idleTimeout: idleTimeout,
		maxDuration: maxDuration,
		activity:    make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Run pumps until the client disconnects, the stream ends, the idle timeout
// fires or the hard duration cap is reached. It blocks the caller.
func (b *Bridge) Run(ctx context.Context) {
	monitoring.OpenShells.Inc()
	defer monitoring.OpenShells.Dec()

	go b.readPump()
	go b.writePump()
	go b.watchdog(ctx)

	<-b.done
	b.conn.Close()
	b.stream.Close()

	monitoring.ShellClosuresTotal.WithLabelValues(string(b.cause)).Inc()
	logger.Info("Shell bridge closed", map[string]interface{}{
		"session_id": b.sessionID,
		"cause":      b.cause,
	})
	if b.OnClose != nil {
		b.OnClose(b.cause)
	}
}

func (b *Bridge) close(cause CloseCause) {
	b.once.Do(func() {
		b.cause = cause
		close(b.done)
	})
}

func (b *Bridge) touch() {
	select {
	case b.activity <- struct{}{}:
	default:
	}
}

// readPump moves client input into the shell stream
func (b *Bridge) readPump() {
	for {
		msgType, data, err := b.conn.ReadMessage()
		if err != nil {
			b.close(CauseClient)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		b.touch()
		if _, err := b.stream.Write(data); err != nil {
			b.close(CauseStream)
			return
		}
	}
}

// writePump moves shell output to the client
func (b *Bridge) writePump() {
	buf := make([]byte, 4096)
	for {
		n, err := b.stream.Read(buf)
		if n > 0 {
			b.touch()
			if werr := b.conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				b.close(CauseClient)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Warn("Shell stream read failed", map[string]interface{}{
					"session_id": b.sessionID,
					"error":      err.Error(),
				})
			}
			b.close(CauseStream)
			return
		}
	}
}

// watchdog enforces the idle timeout and the hard duration cap
func (b *Bridge) watchdog(ctx context.Context) {
	idle := time.NewTimer(b.idleTimeout)
	defer idle.Stop()
	hard := time.NewTimer(b.maxDuration)
	defer hard.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			b.close(CauseClient)
			return
		case <-b.activity:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(b.idleTimeout)
		case <-idle.C:
			b.close(CauseIdle)
			return
		case <-hard.C:
			b.close(CauseMaxDuration)
			return
		}
	}
}
