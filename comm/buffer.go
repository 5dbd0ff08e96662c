package comm

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"
)

// ErrBufferSlot is returned when collective buffer slots
// are requested out of order.
var ErrBufferSlot = errors.New("comm: collective buffer slots must be requested contiguously from 0")

// CollectiveBuffer returns a process-lifetime scratch
// buffer of the given size.
//
// The first request for a (size, slot) pair allocates the
// buffer; later requests return the same one. Slots exist
// so that pipelined ring algorithms can double-buffer
// without per-call allocation, and must be requested
// contiguously starting at slot 0. The buffers are
// released only when the communicator is closed.
func (c *Comm) CollectiveBuffer(size, slot int) ([]byte, error) {
	if size < 0 || slot < 0 {
		return nil, errors.Wrapf(ErrBufferSlot, "size %d slot %d", size, slot)
	}
	bufs := c.collectiveBufs[size]
	if slot < len(bufs) {
		return bufs[slot], nil
	}
	if slot > len(bufs) {
		return nil, errors.Wrapf(ErrBufferSlot,
			"requested slot %d for size %d but only %d slots exist", slot, size, len(bufs))
	}
	buf := make([]byte, size)
	c.collectiveBufs[size] = append(bufs, buf)
	return buf, nil
}

// releaseCollectiveBuffers drops every pooled buffer,
// logging what was held. Called exactly once, from Close.
func (c *Comm) releaseCollectiveBuffers() {
	if klog.V(2).Enabled() {
		sizes := maps.Keys(c.collectiveBufs)
		slices.Sort(sizes)
		for _, size := range sizes {
			klog.Infof("rank %d: releasing %d collective buffer(s) of %s",
				c.transport.Rank(), len(c.collectiveBufs[size]), humanize.IBytes(uint64(size)))
		}
	}
	c.collectiveBufs = nil
}
