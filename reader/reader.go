package reader

import (
	"github.com/pkg/errors"
)

// ErrNotConfigured is returned when a required field is
// read before being set.
var ErrNotConfigured = errors.New("reader: field accessed before being configured")

// A DataSource is the boundary a format-specific reader
// implements on top of the iteration core: the I/O
// pipeline drives it one mini-batch at a time.
type DataSource interface {
	// Update advances past one completed mini-batch and
	// reports whether the epoch continues.
	Update() bool

	// CurrentBatchSize returns the sample count of the
	// current mini-batch.
	CurrentBatchSize() int

	// NextPosition returns the position of the following
	// mini-batch.
	NextPosition() int
}

// A Reader bundles the index set and cursor into the
// generic data-reader state that format-specific readers
// embed, plus the file configuration they share.
type Reader struct {
	Set    *IndexSet
	Cursor *Cursor

	name string

	fileDir       string
	dataFilename  string
	labelFilename string
}

// New creates a reader named name over numData samples
// with the given nominal mini-batch size. The name keys
// the reader's checkpoint fields.
func New(name string, numData, batchSize int, seed int64) *Reader {
	set := NewIndexSet(numData, seed)
	return &Reader{
		Set:    set,
		Cursor: NewCursor(set, batchSize),
		name:   name,
	}
}

// Name returns the reader's checkpoint name prefix.
func (r *Reader) Name() string {
	return r.name
}

// Setup initializes the iteration state; see Cursor.Setup.
func (r *Reader) Setup(baseOffset, batchStride, sampleStride, modelOffset int, coordinated bool) {
	r.Cursor.Setup(baseOffset, batchStride, sampleStride, modelOffset, coordinated)
}

// Update advances past one completed mini-batch and
// reports whether the epoch continues.
func (r *Reader) Update() bool {
	return r.Cursor.Advance()
}

// CurrentBatchSize returns the sample count of the
// current mini-batch.
func (r *Reader) CurrentBatchSize() int {
	return r.Cursor.BatchSize()
}

// NextPosition returns the position of the following
// mini-batch.
func (r *Reader) NextPosition() int {
	return r.Cursor.NextPosition()
}

// SelectSubsetOfData applies the configured subset
// selection policy to the index set.
func (r *Reader) SelectSubsetOfData() error {
	return r.Set.SelectSubset()
}

// SwapToUnusedPartition swaps the active and unused index
// partitions.
func (r *Reader) SwapToUnusedPartition() {
	r.Set.SwapToUnused()
}

// SetFileDir sets the directory data files are read from.
func (r *Reader) SetFileDir(dir string) {
	r.fileDir = dir
}

// FileDir returns the configured data directory.
func (r *Reader) FileDir() string {
	return r.fileDir
}

// SetDataFilename sets the data file name.
func (r *Reader) SetDataFilename(name string) {
	r.dataFilename = name
}

// DataFilename returns the configured data file name,
// failing if it was never set.
func (r *Reader) DataFilename() (string, error) {
	if r.dataFilename == "" {
		return "", errors.Wrap(ErrNotConfigured, "data filename")
	}
	return r.dataFilename, nil
}

// SetLabelFilename sets the label file name.
func (r *Reader) SetLabelFilename(name string) {
	r.labelFilename = name
}

// LabelFilename returns the configured label file name,
// failing if it was never set.
func (r *Reader) LabelFilename() (string, error) {
	if r.labelFilename == "" {
		return "", errors.Wrap(ErrNotConfigured, "label filename")
	}
	return r.labelFilename, nil
}
