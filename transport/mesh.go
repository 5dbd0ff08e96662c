package transport

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
)

type meshMessage struct {
	src     int
	payload []byte
}

// A Mesh connects a fixed number of in-process ranks.
// Each rank runs in its own goroutine and talks to the
// others exclusively through its Endpoint.
type Mesh struct {
	endpoints []*Endpoint
}

// MeshOption configures a Mesh.
type MeshOption func(*meshConfig)

type meshConfig struct {
	hostnames []string
}

// WithHostnames assigns a host identifier to each rank.
// Ranks sharing a string are treated as co-located on one
// machine by node-level grouping.
func WithHostnames(hostnames []string) MeshOption {
	return func(c *meshConfig) {
		c.hostnames = hostnames
	}
}

// NewMesh creates a mesh of size ranks.
//
// By default every rank reports a distinct hostname.
func NewMesh(size int, opts ...MeshOption) *Mesh {
	cfg := &meshConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.hostnames == nil {
		cfg.hostnames = make([]string, size)
		for i := range cfg.hostnames {
			cfg.hostnames[i] = fmt.Sprintf("node%04d", i)
		}
	}
	if len(cfg.hostnames) != size {
		panic("hostname count does not match mesh size")
	}
	m := &Mesh{endpoints: make([]*Endpoint, size)}
	for i := range m.endpoints {
		e := &Endpoint{
			mesh:     m,
			rank:     i,
			hostname: cfg.hostnames[i],
		}
		e.cond = sync.NewCond(&e.mu)
		m.endpoints[i] = e
	}
	return m
}

// Size returns the number of ranks in the mesh.
func (m *Mesh) Size() int {
	return len(m.endpoints)
}

// Endpoint returns the Transport for a rank.
func (m *Mesh) Endpoint(rank int) *Endpoint {
	return m.endpoints[rank]
}

// An Endpoint is one rank's view of a Mesh.
//
// Mesh endpoints are safe for concurrent use, which the
// communicator's non-blocking operations rely on.
type Endpoint struct {
	mesh     *Mesh
	rank     int
	hostname string

	mu     sync.Mutex
	cond   *sync.Cond
	inbox  []meshMessage
	closed bool
}

// Rank returns the endpoint's global rank.
func (e *Endpoint) Rank() int {
	return e.rank
}

// Size returns the world size.
func (e *Endpoint) Size() int {
	return len(e.mesh.endpoints)
}

// Hostname returns the endpoint's host identifier.
func (e *Endpoint) Hostname() string {
	return e.hostname
}

// Send delivers a payload to the destination rank.
func (e *Endpoint) Send(dst int, payload []byte) error {
	if dst < 0 || dst >= e.Size() {
		return errors.Errorf("transport: rank %d out of range [0, %d)", dst, e.Size())
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return errors.WithStack(ErrClosed)
	}

	// Copy so that callers can reuse scratch buffers as
	// soon as Send returns.
	buf := make([]byte, len(payload))
	copy(buf, payload)

	peer := e.mesh.endpoints[dst]
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.closed {
		return errors.Wrapf(ErrClosed, "transport: destination rank %d", dst)
	}
	peer.inbox = append(peer.inbox, meshMessage{src: e.rank, payload: buf})
	peer.cond.Broadcast()
	return nil
}

// Recv returns the next payload from the given source,
// or from any source when src is AnySource.
func (e *Endpoint) Recv(src int) ([]byte, int, error) {
	if src != AnySource && (src < 0 || src >= e.Size()) {
		return nil, 0, errors.Errorf("transport: rank %d out of range [0, %d)", src, e.Size())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if e.closed {
			return nil, 0, errors.WithStack(ErrClosed)
		}
		for i, msg := range e.inbox {
			if src == AnySource || msg.src == src {
				essentials.OrderedDelete(&e.inbox, i)
				return msg.payload, msg.src, nil
			}
		}
		e.cond.Wait()
	}
}

// Close shuts down the endpoint. Blocked and future
// operations fail with ErrClosed.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.inbox = nil
	e.cond.Broadcast()
	return nil
}
