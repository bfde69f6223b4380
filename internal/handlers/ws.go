package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/perchterm/perch/internal/session"
)

// Coordinator is set from main.go during init.
var Coordinator *session.Coordinator

// wsRateLimit defines the maximum number of messages allowed per second
// per viewer connection. Messages beyond this rate are dropped.
const wsRateLimit = 200

// wsRateBurst is the token bucket burst size, allowing short bursts of
// rapid input (e.g. paste operations) before rate limiting kicks in.
const wsRateBurst = 200

// outboundQueueSize is the per-viewer send queue depth. A viewer that
// falls this far behind the session's output is disconnected rather than
// allowed to stall the fan-out.
const outboundQueueSize = 256

// clientMessage is any inbound viewer message. Type selects which of the
// remaining fields are meaningful.
type clientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// serverMessage is any outbound message to a viewer.
type serverMessage struct {
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId,omitempty"`
	Data      *string           `json:"data,omitempty"`
	Session   *session.Metadata `json:"session,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// SessionsWS handles the single multiplexed WebSocket connection per
// viewer. One connection carries JSON messages for every session the
// viewer is interested in: attach/input/resize/detach inbound;
// output/session:created/session:destroyed/error outbound.
func SessionsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept viewer websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	conn.SetReadLimit(1024 * 1024)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	v := &wsViewer{
		id:       uuid.New().String(),
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(chan []byte, outboundQueueSize),
	}
	go v.writePump()

	mux := Coordinator.Mux()
	mux.RegisterViewer(v)
	defer mux.UnregisterViewer(v.id)

	log.Printf("Viewer connected: %s", v.id)

	limiter := newTokenBucket(wsRateBurst, wsRateLimit)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}

		// Rate limit: drop messages that exceed the allowed rate.
		if !limiter.allow() {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			v.sendError("", "malformed message")
			continue
		}

		switch msg.Type {
		case "attach":
			if err := mux.Subscribe(msg.SessionID, v); err != nil {
				v.sendError(msg.SessionID, "session not found")
			}

		case "input":
			if len(msg.Data) > session.MaxInputMessageSize {
				v.sendError(msg.SessionID, "input message too large")
				continue
			}
			if err := mux.RouteInput(msg.SessionID, v.id, []byte(msg.Data)); err != nil {
				if errors.Is(err, session.ErrSessionNotFound) {
					v.sendError(msg.SessionID, "session not found")
				} else {
					v.sendError(msg.SessionID, "session is no longer accepting input")
				}
			}

		case "resize":
			if msg.Cols == 0 || msg.Rows == 0 {
				continue
			}
			cols, rows := session.ClampResize(msg.Cols, msg.Rows)
			if err := mux.RouteResize(msg.SessionID, cols, rows); err != nil {
				if errors.Is(err, session.ErrSessionNotFound) {
					v.sendError(msg.SessionID, "session not found")
				}
			}

		case "detach":
			if err := mux.Unsubscribe(msg.SessionID, v.id); err != nil {
				v.sendError(msg.SessionID, "session not found")
			}

		default:
			v.sendError("", "unknown message type")
		}
	}

	log.Printf("Viewer disconnected: %s", v.id)
	conn.Close(websocket.StatusNormalClosure, "")
}

// wsViewer adapts one WebSocket connection to the multiplexer's
// ViewerConn. All sends go through a bounded queue drained by a single
// writer goroutine, which both serializes writes to the connection and
// keeps fan-out non-blocking.
type wsViewer struct {
	id       string
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	outbound chan []byte
	dropOnce sync.Once
}

func (v *wsViewer) ID() string {
	return v.id
}

func (v *wsViewer) SendOutput(sessionID string, data []byte) {
	d := string(data)
	v.send(serverMessage{Type: "output", SessionID: sessionID, Data: &d})
}

func (v *wsViewer) SendSessionCreated(meta session.Metadata) {
	v.send(serverMessage{Type: "session:created", Session: &meta})
}

func (v *wsViewer) SendSessionDestroyed(sessionID string) {
	v.send(serverMessage{Type: "session:destroyed", SessionID: sessionID})
}

func (v *wsViewer) sendError(sessionID, message string) {
	v.send(serverMessage{Type: "error", SessionID: sessionID, Message: message})
}

func (v *wsViewer) send(msg serverMessage) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case v.outbound <- frame:
	default:
		// The queue is full: this viewer cannot keep up. Dropping frames
		// would break the ordering guarantee, so drop the viewer instead.
		v.dropOnce.Do(func() {
			log.Printf("Viewer %s too slow, disconnecting", v.id)
			v.cancel()
		})
	}
}

func (v *wsViewer) writePump() {
	for {
		select {
		case frame := <-v.outbound:
			if err := v.conn.Write(v.ctx, websocket.MessageText, frame); err != nil {
				v.cancel()
				return
			}
		case <-v.ctx.Done():
			return
		}
	}
}

// tokenBucket implements a simple token bucket rate limiter for viewer
// messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
