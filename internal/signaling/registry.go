package signaling

import (
	"sync"

	"github.com/gorilla/websocket"
)

// deviceSession is one live WebSocket between a device and the signaling
// service.
type deviceSession struct {
	conn     *websocket.Conn
	userID   int64
	deviceID string

	writeMu sync.Mutex
}

func (s *deviceSession) send(e Envelope) error {
	b, err := e.Marshal()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *deviceSession) closeWith(code int, reason string) {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadlineSoon())
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

// Registry is the device_id -> WebSocket endpoint-session map. Invariant:
// at most one live session per device id; a new connection supersedes and
// closes the prior one.
//
// Connect/disconnect for a given device id are serialized via a per-device
// mutex so that "close prior, then admit new" can never race against a
// concurrent connect or disconnect for the same id.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*deviceSession
	deviceLocks map[string]*sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:    make(map[string]*deviceSession),
		deviceLocks: make(map[string]*sync.Mutex),
	}
}

func (r *Registry) deviceLock(deviceID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.deviceLocks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		r.deviceLocks[deviceID] = l
	}
	return l
}

// register admits sess as the live session for its device id, closing and
// replacing any prior session with a "superseded" close reason first. It
// reports whether a prior session was superseded.
func (r *Registry) register(sess *deviceSession) bool {
	lock := r.deviceLock(sess.deviceID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	prior := r.sessions[sess.deviceID]
	r.mu.Unlock()

	if prior != nil {
		prior.closeWith(websocket.ClosePolicyViolation, "superseded")
	}

	r.mu.Lock()
	r.sessions[sess.deviceID] = sess
	r.mu.Unlock()
	return prior != nil
}

// unregister removes sess from the registry if it is still the current
// session for its device id (a superseding connection may have already
// replaced it).
func (r *Registry) unregister(sess *deviceSession) {
	lock := r.deviceLock(sess.deviceID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	if cur, ok := r.sessions[sess.deviceID]; ok && cur == sess {
		delete(r.sessions, sess.deviceID)
	}
	r.mu.Unlock()
}

func (r *Registry) get(deviceID string) (*deviceSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

// Count returns the number of live sessions, for tests.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
