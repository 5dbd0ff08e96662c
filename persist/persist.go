// Package persist stores named checkpoint fields on disk.
//
// A Store is a directory holding one file per field:
// 64-bit scalars and contiguous int32 arrays, both
// little-endian, plus a small JSON metadata record
// identifying the run that wrote them. Readers and
// writers agree on field names; the data-reader
// checkpoint code composes them from a caller-chosen
// name prefix.
package persist

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirPermMode is the directory creation permission
// (before umask).
var DirPermMode = os.FileMode(0770)

const metadataName = "metadata.json"

type metadata struct {
	ID      uuid.UUID `json:"id"`
	Created time.Time `json:"created"`
}

// A Store reads and writes named checkpoint fields under
// a single directory.
type Store struct {
	dir  string
	meta metadata
}

// Open opens a store at dir, creating the directory and
// its metadata record if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "persist: creating %q", dir)
	}
	s := &Store{dir: dir}
	metaPath := filepath.Join(dir, metadataName)
	data, err := os.ReadFile(metaPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.meta); err != nil {
			return nil, errors.Wrapf(err, "persist: decoding %q", metaPath)
		}
	case os.IsNotExist(err):
		s.meta = metadata{ID: uuid.New(), Created: time.Now().UTC()}
		data, err := json.MarshalIndent(s.meta, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "persist: encoding metadata")
		}
		if err := os.WriteFile(metaPath, data, 0660); err != nil {
			return nil, errors.Wrapf(err, "persist: writing %q", metaPath)
		}
	default:
		return nil, errors.Wrapf(err, "persist: reading %q", metaPath)
	}
	klog.V(1).Infof("persist: store %s open at %q", s.meta.ID, dir)
	return s, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string {
	return s.dir
}

// ID returns the store's run identity.
func (s *Store) ID() uuid.UUID {
	return s.meta.ID
}

// WriteUint64 writes a named 64-bit scalar field.
func (s *Store) WriteUint64(name string, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return s.writeField(name, buf[:])
}

// ReadUint64 reads a named 64-bit scalar field.
func (s *Store) ReadUint64(name string) (uint64, error) {
	data, err := s.readField(name)
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, errors.Errorf("persist: field %q holds %d bytes, want 8", name, len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}

// WriteInt32s writes a named contiguous int32 array
// field.
func (s *Store) WriteInt32s(name string, vals []int32) error {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
	}
	return s.writeField(name, buf)
}

// ReadInt32s reads a named contiguous int32 array field.
func (s *Store) ReadInt32s(name string) ([]int32, error) {
	data, err := s.readField(name)
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, errors.Errorf("persist: field %q holds %d bytes, not a multiple of 4", name, len(data))
	}
	vals := make([]int32, len(data)/4)
	for i := range vals {
		vals[i] = int32(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return vals, nil
}

func (s *Store) writeField(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0660); err != nil {
		return errors.Wrapf(err, "persist: writing field %q", name)
	}
	klog.V(2).Infof("persist: wrote field %q (%d bytes)", name, len(data))
	return nil
}

func (s *Store) readField(name string) ([]byte, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "persist: reading field %q", name)
	}
	return data, nil
}
