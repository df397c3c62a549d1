package server

import (
	"fmt"
	"strings"
	"sync"
)

// StatsHeader heads the table produced by DisplayStats.
const StatsHeader = "DATE             THREAD STATE"

const statsTimeLayout = "02 Jan 15:04:05"

// StatsRow is one live connection as seen by a snapshot.
type StatsRow struct {
	Conn   *Conn
	Header string
	Row    string
}

// Registry is the set of live connections owned by a Server. A connection
// is present from construction until its teardown runs.
type Registry struct {
	mu    sync.Mutex
	conns []*Conn
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, c)
}

func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.conns {
		if existing == c {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			return
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Conns returns a copy of the live connections in insertion order.
func (r *Registry) Conns() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, len(r.conns))
	copy(out, r.conns)
	return out
}

// Snapshot formats one row per live connection in insertion order.
func (r *Registry) Snapshot() []StatsRow {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := make([]StatsRow, 0, len(r.conns))
	for _, c := range r.conns {
		rows = append(rows, StatsRow{Conn: c, Header: StatsHeader, Row: c.statsRow()})
	}
	return rows
}

// DisplayStats renders the snapshot as a table, or "" with no connections.
func (r *Registry) DisplayStats() string {
	rows := r.Snapshot()
	if len(rows) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(StatsHeader)
	b.WriteByte('\n')
	for _, row := range rows {
		b.WriteString(row.Row)
		b.WriteByte('\n')
	}
	return b.String()
}

func (c *Conn) statsRow() string {
	return fmt.Sprintf("%s %8d %s", c.start.UTC().Format(statsTimeLayout), c.ThreadID(), c.Status())
}
