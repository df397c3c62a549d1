package server

// Handler is the application plugged into a connection.
//
// OnConnection runs once, on the connection's own goroutine: immediately for
// line connections, and for WebSocket connections after the request headers
// are parsed but before the upgrade is accepted, so it can still refuse.
//
// OnLine runs once per decoded unit, in arrival order, never concurrently
// for the same connection.
//
// Returning an error from either ends the connection. An error wrapping
// wire.ErrSilent ends it quietly; anything else is logged first.
type Handler interface {
	OnConnection(c *Conn) error
	OnLine(c *Conn, line string) error
}

// HandlerFactory builds the Handler for a newly accepted connection.
type HandlerFactory func(c *Conn) Handler

// HandlerFuncs adapts plain functions to Handler. Nil fields are no-ops.
type HandlerFuncs struct {
	Connect func(c *Conn) error
	Line    func(c *Conn, line string) error
}

func (h HandlerFuncs) OnConnection(c *Conn) error {
	if h.Connect == nil {
		return nil
	}
	return h.Connect(c)
}

func (h HandlerFuncs) OnLine(c *Conn, line string) error {
	if h.Line == nil {
		return nil
	}
	return h.Line(c, line)
}

// Static returns a factory that hands every connection the same Handler.
func Static(h Handler) HandlerFactory {
	return func(*Conn) Handler { return h }
}
