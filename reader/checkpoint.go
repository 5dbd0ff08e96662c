package reader

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tandem-ml/tandem/comm"
	"github.com/tandem-ml/tandem/persist"
)

// Checkpoint field suffixes, keyed by the reader's name
// prefix.
const (
	fieldMiniBatchIndex = "_current_mini_batch_idx"
	fieldDataSize       = "_data_size"
	fieldDataPosition   = "_data_position"
	fieldDataIndices    = "_data_indices"
)

// SaveShared writes the reader's iteration state to the
// store. Exactly one designated process (world rank 0)
// performs the write; every other rank is a no-op, so all
// ranks may call SaveShared unconditionally.
func (r *Reader) SaveShared(st *persist.Store, c *comm.Comm) error {
	if c.WorldRank() != 0 {
		return nil
	}
	indices := r.Set.Indices()
	if err := st.WriteUint64(r.name+fieldMiniBatchIndex, uint64(r.Cursor.MiniBatchIndex())); err != nil {
		return err
	}
	if err := st.WriteUint64(r.name+fieldDataSize, uint64(len(indices))); err != nil {
		return err
	}
	if err := st.WriteUint64(r.name+fieldDataPosition, uint64(r.Cursor.Position())); err != nil {
		return err
	}
	if err := st.WriteInt32s(r.name+fieldDataIndices, indices); err != nil {
		return err
	}
	klog.V(1).Infof("reader %q: checkpointed batch %d at position %d over %d indices",
		r.name, r.Cursor.MiniBatchIndex(), r.Cursor.Position(), len(indices))
	return nil
}

// LoadShared restores the reader's iteration state from
// the store. The designated process (world rank 0) reads
// the fields and broadcasts them, so LoadShared is a
// collective: every cooperating rank must call it
// together, and all ranks hold identical cursor state
// afterwards.
func (r *Reader) LoadShared(st *persist.Store, c *comm.Comm) error {
	var payload []byte
	if c.WorldRank() == 0 {
		miniBatchIndex, err := st.ReadUint64(r.name + fieldMiniBatchIndex)
		if err != nil {
			return err
		}
		size, err := st.ReadUint64(r.name + fieldDataSize)
		if err != nil {
			return err
		}
		position, err := st.ReadUint64(r.name + fieldDataPosition)
		if err != nil {
			return err
		}
		indices, err := st.ReadInt32s(r.name + fieldDataIndices)
		if err != nil {
			return err
		}
		if uint64(len(indices)) != size {
			return errors.Errorf("reader %q: checkpoint holds %d indices but data size is %d",
				r.name, len(indices), size)
		}
		payload = encodeCursorState(miniBatchIndex, position, indices)
	}

	payload, err := c.BcastBytes(c.WorldGroup(), 0, payload)
	if err != nil {
		return errors.Wrapf(err, "reader %q: broadcasting restored state", r.name)
	}
	miniBatchIndex, position, indices, err := decodeCursorState(payload)
	if err != nil {
		return errors.Wrapf(err, "reader %q", r.name)
	}

	r.Set.replaceActive(indices)
	r.Cursor.restore(int(miniBatchIndex), int(position))
	klog.V(1).Infof("reader %q: restored batch %d at position %d over %d indices",
		r.name, miniBatchIndex, position, len(indices))
	return nil
}

func encodeCursorState(miniBatchIndex, position uint64, indices []int32) []byte {
	buf := make([]byte, 24+4*len(indices))
	binary.LittleEndian.PutUint64(buf[0:], miniBatchIndex)
	binary.LittleEndian.PutUint64(buf[8:], position)
	binary.LittleEndian.PutUint64(buf[16:], uint64(len(indices)))
	for i, v := range indices {
		binary.LittleEndian.PutUint32(buf[24+4*i:], uint32(v))
	}
	return buf
}

func decodeCursorState(payload []byte) (miniBatchIndex, position uint64, indices []int32, err error) {
	if len(payload) < 24 {
		return 0, 0, nil, errors.Errorf("restored state of %d bytes is truncated", len(payload))
	}
	miniBatchIndex = binary.LittleEndian.Uint64(payload[0:])
	position = binary.LittleEndian.Uint64(payload[8:])
	count := binary.LittleEndian.Uint64(payload[16:])
	if uint64(len(payload)-24) != 4*count {
		return 0, 0, nil, errors.Errorf("restored state holds %d index bytes, want %d", len(payload)-24, 4*count)
	}
	indices = make([]int32, count)
	for i := range indices {
		indices[i] = int32(binary.LittleEndian.Uint32(payload[24+4*i:]))
	}
	return miniBatchIndex, position, indices, nil
}
