package commands

import (
	"context"
	"sync"
)

// Command represents a typed request routed through the dispatcher.
type Command interface {
	Name() string
}

// Mutation is implemented by commands that change shared state. Commands that
// do not implement it are treated as read-only.
type Mutation interface {
	Command
	Mutates() bool
}

// IsMutation reports whether cmd declares itself as state-changing.
func IsMutation(cmd Command) bool {
	m, ok := cmd.(Mutation)
	return ok && m.Mutates()
}

// Response represents a typed response to a command.
type Response interface{}

// Handler processes a specific command type.
type Handler interface {
	Handle(ctx context.Context, cmd Command) (Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, cmd Command) (Response, error)

// Handle invokes the underlying function.
func (f HandlerFunc) Handle(ctx context.Context, cmd Command) (Response, error) {
	return f(ctx, cmd)
}

// Middleware intercepts command handling. It receives the next handler in the
// chain and may short-circuit.
type Middleware func(ctx context.Context, cmd Command, next Handler) (Response, error)

// Dispatcher routes commands to registered handlers. Registration and Use are
// expected during wiring; Dispatch is safe for concurrent use afterwards.
type Dispatcher struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	middleware []Middleware
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register associates a handler with a command name. Panics if a handler is
// already registered.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[name]; exists {
		panic("commands: handler already registered for " + name)
	}
	d.handlers[name] = h
}

// Use appends a middleware to the chain. The first registered middleware is
// the outermost.
func (d *Dispatcher) Use(m Middleware) {
	d.mu.Lock()
	d.middleware = append(d.middleware, m)
	d.mu.Unlock()
}

// Dispatch routes the command to the registered handler.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Response, error) {
	d.mu.RLock()
	h, ok := d.handlers[cmd.Name()]
	chain := d.middleware
	d.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownCommand{name: cmd.Name()}
	}
	final := h
	for i := len(chain) - 1; i >= 0; i-- {
		mw := chain[i]
		next := final
		final = HandlerFunc(func(ctx context.Context, c Command) (Response, error) {
			return mw(ctx, c, next)
		})
	}
	return final.Handle(ctx, cmd)
}

// ErrUnknownCommand is returned when no handler exists for a command.
type ErrUnknownCommand struct {
	name string
}

func (e ErrUnknownCommand) Error() string { return "commands: unknown command " + e.name }
