package session

import (
	"fmt"
	"sync"
	"time"
)

// ViewerConn is the multiplexer's outbound side of one viewer connection.
// The WebSocket handler implements it; sends must not block the caller
// (slow viewers are the handler's problem, not the session's).
type ViewerConn interface {
	// ID identifies the connection for routing-table bookkeeping.
	ID() string
	// SendOutput delivers session output bytes (replay or live).
	SendOutput(sessionID string, data []byte)
	// SendSessionCreated announces a newly created session.
	SendSessionCreated(meta Metadata)
	// SendSessionDestroyed announces that a session's process ended.
	SendSessionDestroyed(sessionID string)
}

// Attachment is one viewer's subscription to one session. It holds no
// reference to the underlying process; it is a routing-table entry only.
type Attachment struct {
	SessionID          string    `json:"session_id"`
	ViewerConnectionID string    `json:"viewer_connection_id"`
	AttachedAt         time.Time `json:"attached_at"`

	viewer ViewerConn
}

// route is the per-session fan-out state. The route lock orders scrollback
// appends, broadcasts and subscriber changes against each other, so every
// subscriber observes output chunks in the same relative order and a
// replay is never missing or duplicating a chunk. The separate input lock
// serializes stdin writes from concurrent viewers.
type route struct {
	mu          sync.Mutex
	handle      Attacher
	scrollback  *Scrollback
	recording   *Recording
	subscribers []*Attachment
	lastDetach  time.Time
	// closed marks a route torn down by RemoveRoute. A Subscribe that
	// fetched the route just before its removal from the table must not
	// join it after the destroyed notifications have gone out.
	closed bool

	inputMu sync.Mutex
}

// Multiplexer fans each session's output out to its attached viewers and
// serializes viewer input back into the session. It exclusively owns the
// set of Attachments.
type Multiplexer struct {
	mu      sync.RWMutex
	routes  map[string]*route
	viewers map[string]ViewerConn
}

func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		routes:  make(map[string]*route),
		viewers: make(map[string]ViewerConn),
	}
}

// RegisterViewer adds a connection to the set receiving session lifecycle
// announcements.
func (m *Multiplexer) RegisterViewer(v ViewerConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.viewers[v.ID()] = v
}

// UnregisterViewer removes a connection and all of its attachments.
func (m *Multiplexer) UnregisterViewer(viewerID string) {
	m.mu.Lock()
	delete(m.viewers, viewerID)
	routes := make([]*route, 0, len(m.routes))
	for _, rt := range m.routes {
		routes = append(routes, rt)
	}
	m.mu.Unlock()

	for _, rt := range routes {
		rt.removeSubscriber(viewerID)
	}
}

// AnnounceSession broadcasts session:created to every connected viewer.
func (m *Multiplexer) AnnounceSession(meta Metadata) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.viewers {
		v.SendSessionCreated(meta)
	}
}

// AddRoute installs the fan-out state for a session. Called from the
// coordinator's attach path, immediately after the attacher handle is
// established, which is also the moment the scrollback starts filling.
func (m *Multiplexer) AddRoute(sessionID string, handle Attacher, scrollback *Scrollback, recording *Recording) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[sessionID] = &route{
		handle:     handle,
		scrollback: scrollback,
		recording:  recording,
		lastDetach: time.Now(),
	}
}

// Publish appends chunk to the session's scrollback and delivers it to
// every subscriber. The single per-session read loop is the only caller,
// and append plus fan-out happen under one lock, so a concurrent
// Subscribe sees each chunk exactly once: in the replay or live, never
// both.
func (m *Multiplexer) Publish(sessionID string, chunk []byte) {
	rt := m.route(sessionID)
	if rt == nil {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.scrollback.Append(chunk)
	if rt.recording != nil {
		rt.recording.RecordOutput(chunk)
	}
	for _, att := range rt.subscribers {
		att.viewer.SendOutput(sessionID, chunk)
	}
}

// Subscribe registers a viewer on a session and immediately replays the
// scrollback snapshot to that viewer only. The replay is sent even when
// empty so the viewer can tell attach succeeded.
func (m *Multiplexer) Subscribe(sessionID string, v ViewerConn) error {
	rt := m.route(sessionID)
	if rt == nil {
		return fmt.Errorf("subscribe %s: %w", sessionID, ErrSessionNotFound)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return fmt.Errorf("subscribe %s: %w", sessionID, ErrSessionNotFound)
	}
	snapshot := rt.scrollback.Snapshot()
	rt.subscribers = append(rt.subscribers, &Attachment{
		SessionID:          sessionID,
		ViewerConnectionID: v.ID(),
		AttachedAt:         time.Now(),
		viewer:             v,
	})
	v.SendOutput(sessionID, snapshot)
	return nil
}

// Unsubscribe removes a viewer's attachment. It is a pure view detach:
// the session process is unaffected.
func (m *Multiplexer) Unsubscribe(sessionID, viewerID string) error {
	rt := m.route(sessionID)
	if rt == nil {
		return fmt.Errorf("unsubscribe %s: %w", sessionID, ErrSessionNotFound)
	}
	rt.removeSubscriber(viewerID)
	return nil
}

// RouteInput writes data to the session's stdin. Writes from concurrent
// viewers are serialized; arrival order wins, no viewer has priority.
func (m *Multiplexer) RouteInput(sessionID, viewerID string, data []byte) error {
	rt := m.route(sessionID)
	if rt == nil {
		return fmt.Errorf("input for %s: %w", sessionID, ErrSessionNotFound)
	}

	rt.inputMu.Lock()
	defer rt.inputMu.Unlock()
	if _, err := rt.handle.Write(data); err != nil {
		return fmt.Errorf("input for %s: %w: %v", sessionID, ErrWriteFailed, err)
	}
	if rt.recording != nil {
		rt.recording.RecordInput(data)
	}
	return nil
}

// RouteResize updates the session's PTY geometry. Last writer wins.
func (m *Multiplexer) RouteResize(sessionID string, cols, rows uint16) error {
	rt := m.route(sessionID)
	if rt == nil {
		return fmt.Errorf("resize %s: %w", sessionID, ErrSessionNotFound)
	}
	if err := rt.handle.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize %s: %w: %v", sessionID, ErrWriteFailed, err)
	}
	return nil
}

// RemoveRoute tears down a session's routing entry, notifying every
// subscriber that the session is gone. Destroying a session implicitly
// destroys all its attachments.
func (m *Multiplexer) RemoveRoute(sessionID string) {
	m.mu.Lock()
	rt, ok := m.routes[sessionID]
	delete(m.routes, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	rt.mu.Lock()
	rt.closed = true
	subs := rt.subscribers
	rt.subscribers = nil
	rt.mu.Unlock()
	for _, att := range subs {
		att.viewer.SendSessionDestroyed(sessionID)
	}
}

// Attachments returns a copy of the session's current attachments.
func (m *Multiplexer) Attachments(sessionID string) []Attachment {
	rt := m.route(sessionID)
	if rt == nil {
		return nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	result := make([]Attachment, len(rt.subscribers))
	for i, att := range rt.subscribers {
		result[i] = *att
	}
	return result
}

// IdleSince reports how long the session has had zero subscribers. The
// second return is false while at least one viewer is attached.
func (m *Multiplexer) IdleSince(sessionID string) (time.Time, bool) {
	rt := m.route(sessionID)
	if rt == nil {
		return time.Time{}, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.subscribers) > 0 {
		return time.Time{}, false
	}
	return rt.lastDetach, true
}

// Recording returns the session's recording, or nil when recording is
// disabled or the session is gone.
func (m *Multiplexer) Recording(sessionID string) *Recording {
	rt := m.route(sessionID)
	if rt == nil {
		return nil
	}
	return rt.recording
}

func (m *Multiplexer) route(sessionID string) *route {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.routes[sessionID]
}

func (rt *route) removeSubscriber(viewerID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	kept := rt.subscribers[:0]
	for _, att := range rt.subscribers {
		if att.ViewerConnectionID != viewerID {
			kept = append(kept, att)
		}
	}
	if len(kept) != len(rt.subscribers) && len(kept) == 0 {
		rt.lastDetach = time.Now()
	}
	rt.subscribers = kept
}
