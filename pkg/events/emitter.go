package events

import "sync"

// Type names the events the widget surfaces to its host.
type Type string

const (
	Message                Type = "message"
	Typing                 Type = "typing"
	Presence               Type = "presence"
	AgentJoined            Type = "agent-joined"
	ConnectionStateChanged Type = "connectionStateChanged"
	QueueFlushed           Type = "queueFlushed"
	MessageFailed          Type = "messageFailed"
)

// Handler receives one event payload.
type Handler func(payload any)

// Emitter is a typed event bus decoupling the orchestrator and widget
// surface from transport callback shapes. Handlers run synchronously on
// the emitting goroutine; panics in handlers are swallowed so one bad
// host callback cannot take down the delivery path.
type Emitter struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[Type]map[int]Handler
}

// New returns an empty Emitter.
func New() *Emitter {
	return &Emitter{listeners: make(map[Type]map[int]Handler)}
}

// On registers a handler and returns an id usable with Off.
func (e *Emitter) On(t Type, h Handler) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.listeners[t] == nil {
		e.listeners[t] = make(map[int]Handler)
	}
	e.listeners[t][id] = h
	return id
}

// Off removes a handler by id. Unknown ids are a no-op.
func (e *Emitter) Off(t Type, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners[t], id)
}

// Emit delivers payload to every handler registered for t.
func (e *Emitter) Emit(t Type, payload any) {
	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.listeners[t]))
	for _, h := range e.listeners[t] {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in host callbacks
			h(payload)
		}()
	}
}

// RemoveAll drops every registered handler.
func (e *Emitter) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[Type]map[int]Handler)
}
