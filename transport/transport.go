// Package transport defines the point-to-point message
// boundary that the communicator runs over, along with an
// in-process implementation used for tests, benchmarks,
// and single-host multi-goroutine runs.
//
// A Transport is one process's endpoint into a fixed-size
// world of ranks. All higher-level collectives are built
// from rank-addressed byte-payload sends and receives.
package transport

import "github.com/pkg/errors"

// AnySource may be passed to Recv to accept a message
// from any rank.
const AnySource = -1

// ErrClosed is returned by operations on a transport that
// has been shut down.
var ErrClosed = errors.New("transport: endpoint closed")

// A Transport is a single process's connection to every
// other process in the world.
//
// Sends are asynchronous: Send enqueues the payload for
// the destination and returns. Receives block until a
// matching payload arrives. Implementations must be safe
// for concurrent use so that non-blocking operations can
// run in their own goroutines.
type Transport interface {
	// Rank returns this endpoint's global rank.
	Rank() int

	// Size returns the world size.
	Size() int

	// Hostname returns an identifier for the machine this
	// endpoint runs on. Endpoints on the same machine must
	// return identical strings.
	Hostname() string

	// Send delivers a payload to the destination rank.
	// Implementations copy the payload before returning,
	// so the caller may reuse the slice immediately.
	Send(dst int, payload []byte) error

	// Recv returns the next payload from the given source
	// rank, blocking until one arrives. Pass AnySource to
	// accept from any rank; the actual source is returned.
	Recv(src int) (payload []byte, from int, err error)

	// Close shuts down the endpoint.
	Close() error
}
