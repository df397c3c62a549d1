// Package shell is the interactive command shell served on every
// connection.
package shell

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opencog/cogserver-net/internal/antispam"
	"github.com/opencog/cogserver-net/internal/config"
	"github.com/opencog/cogserver-net/internal/journal"
	"github.com/opencog/cogserver-net/internal/server"
	"github.com/opencog/cogserver-net/internal/wire"
)

// Journal is where non-command input goes.
type Journal interface {
	Append(ctx context.Context, e journal.Entry) error
	History(ctx context.Context, session string) ([]journal.Entry, error)
}

const (
	goodbye  = "Closing connection."
	notFound = "HTTP/1.1 404 Not Found\r\n" +
		"Server: CogServer\r\n" +
		"Content-Type: text/plain\r\n" +
		"Connection: close\r\n" +
		"\r\n" +
		"Unknown path.\r\n"
	forbidden = "HTTP/1.1 403 Forbidden\r\n" +
		"Server: CogServer\r\n" +
		"Connection: close\r\n" +
		"\r\n"
)

// Shell serves one connection.
type Shell struct {
	ctx     context.Context
	cfg     *config.ServerConfig
	journal Journal
	flood   *antispam.Tracker
}

// New returns a factory building a Shell per connection. ctx bounds journal
// writes; j may be nil to discard input.
func New(ctx context.Context, cfg *config.ServerConfig, j Journal) server.HandlerFactory {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return func(*server.Conn) server.Handler {
		return &Shell{
			ctx:     ctx,
			cfg:     cfg,
			journal: j,
			flood:   antispam.NewTracker(cfg.Shell.Flood),
		}
	}
}

func (s *Shell) OnConnection(c *server.Conn) error {
	if c.Mode() == server.ModeLine {
		return c.Send(s.cfg.Shell.Greeting + s.cfg.Shell.Prompt)
	}

	ws := &s.cfg.WebSocket
	if !ws.IsPathAllowed(c.RequestedURL()) {
		c.Logger().Info("WebSocket request for unknown path", "path", c.RequestedURL())
		c.Send(notFound)
		return fmt.Errorf("%w: unknown path %q", wire.ErrSilent, c.RequestedURL())
	}

	if !c.UpgradeRequested() {
		return c.Send(bannerResponse(s.cfg.Shell.Banner))
	}

	if origin := c.Origin(); origin != "" && !ws.IsOriginAllowed(origin, c.Host()) {
		c.Logger().Warn("WebSocket origin refused", "origin", origin, "host", c.Host())
		c.Send(forbidden)
		return fmt.Errorf("%w: origin %q not allowed", wire.ErrSilent, origin)
	}
	return nil
}

func bannerResponse(banner string) string {
	return "HTTP/1.1 200 OK\r\n" +
		"Server: CogServer\r\n" +
		"Content-Type: text/plain\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n", len(banner)) +
		"Connection: close\r\n" +
		"\r\n" +
		banner
}

func (s *Shell) OnLine(c *server.Conn, line string) error {
	if line != "" && line[len(line)-1] == wire.EOT {
		c.Send(goodbye + "\n")
		return fmt.Errorf("%w: end of transmission", wire.ErrSilent)
	}

	if strings.IndexByte(line, wire.IAC) >= 0 {
		if interrupted(line) {
			return s.reply(c, "")
		}
		return nil
	}

	cmd := ParseCommand(line)
	switch cmd.Name {
	case "":
		return s.reply(c, "")
	case "help":
		return s.reply(c, helpText)
	case "stats":
		return s.reply(c, strings.TrimSuffix(c.Registry().DisplayStats(), "\n"))
	case "echo":
		return s.reply(c, cmd.Rest)
	case "history":
		return s.reply(c, s.history(c))
	case "quit", "exit":
		c.Send(goodbye + "\n")
		return fmt.Errorf("%w: %s", wire.ErrSilent, cmd.Name)
	default:
		return s.reply(c, s.record(c, strings.TrimSpace(line)))
	}
}

// interrupted reports whether a telnet unit carries Interrupt Process or
// Abort Output, the codes a client sends for ctrl-C.
func interrupted(unit string) bool {
	for i := 0; i+1 < len(unit); i++ {
		if unit[i] == wire.IAC && (unit[i+1] == wire.IP || unit[i+1] == wire.AO) {
			return true
		}
	}
	return false
}

// reply sends text followed by the prompt on line connections, and as a
// single message on WebSocket ones.
func (s *Shell) reply(c *server.Conn, text string) error {
	if c.IsWebSocket() {
		return c.Send(text)
	}
	if text != "" {
		text += "\n"
	}
	return c.Send(text + s.cfg.Shell.Prompt)
}

func (s *Shell) record(c *server.Conn, line string) string {
	if check := s.flood.Check(line); !check.Allowed {
		c.Logger().Debug("Journal input throttled", "reason", check.Reason)
		return fmt.Sprintf("error: %s, try again in %ds", check.Reason, check.WaitSeconds)
	}
	if s.journal == nil {
		return "ok"
	}
	err := s.journal.Append(s.ctx, journal.Entry{
		Session: c.ID(),
		Remote:  c.RemoteAddr(),
		Line:    line,
		At:      time.Now(),
	})
	if err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func (s *Shell) history(c *server.Conn) string {
	if s.journal == nil {
		return "error: " + journal.ErrNoHistory.Error()
	}
	entries, err := s.journal.History(s.ctx, c.ID())
	if err != nil {
		return "error: " + err.Error()
	}

	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s %s", e.At.UTC().Format("15:04:05"), e.Line)
	}
	return b.String()
}
