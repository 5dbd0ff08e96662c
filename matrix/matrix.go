// Package matrix provides a dense two-dimensional numeric
// buffer with cheap contiguous column-range views.
//
// Data is stored in column-major order, so a view over a
// range of columns shares a contiguous slice of the
// backing array with the original matrix. Collective
// algorithms rely on this to encode and accumulate column
// slices without copying.
package matrix

// A Matrix is a dense column-major matrix of float64
// values.
//
// A Matrix may be a view into a larger matrix, in which
// case mutations are visible through both.
type Matrix struct {
	rows int
	cols int
	data []float64
}

// New creates an all-zero matrix with the given extents.
func New(rows, cols int) *Matrix {
	if rows < 0 || cols < 0 {
		panic("negative matrix extent")
	}
	return &Matrix{
		rows: rows,
		cols: cols,
		data: make([]float64, rows*cols),
	}
}

// FromData creates a matrix wrapping an existing
// column-major backing slice.
//
// The slice is used directly, not copied.
func FromData(rows, cols int, data []float64) *Matrix {
	if len(data) != rows*cols {
		panic("backing slice does not match extents")
	}
	return &Matrix{rows: rows, cols: cols, data: data}
}

// Rows returns the number of rows.
func (m *Matrix) Rows() int {
	return m.rows
}

// Cols returns the number of columns.
func (m *Matrix) Cols() int {
	return m.cols
}

// Len returns the total number of elements.
func (m *Matrix) Len() int {
	return m.rows * m.cols
}

// At gets an entry of the matrix.
func (m *Matrix) At(row, col int) float64 {
	if row < 0 || col < 0 || row >= m.rows || col >= m.cols {
		panic("index out of bounds")
	}
	return m.data[col*m.rows+row]
}

// Set sets an entry of the matrix.
func (m *Matrix) Set(row, col int, value float64) {
	if row < 0 || col < 0 || row >= m.rows || col >= m.cols {
		panic("index out of bounds")
	}
	m.data[col*m.rows+row] = value
}

// Data returns the column-major backing slice.
//
// Mutating the slice mutates the matrix.
func (m *Matrix) Data() []float64 {
	return m.data
}

// ColRange returns a view of columns [start, end).
//
// The view shares storage with m.
func (m *Matrix) ColRange(start, end int) *Matrix {
	if start < 0 || end < start || end > m.cols {
		panic("column range out of bounds")
	}
	return &Matrix{
		rows: m.rows,
		cols: end - start,
		data: m.data[start*m.rows : end*m.rows],
	}
}

// Clone returns a deep copy of the matrix.
func (m *Matrix) Clone() *Matrix {
	data := make([]float64, len(m.data))
	copy(data, m.data)
	return &Matrix{rows: m.rows, cols: m.cols, data: data}
}

// CopyFrom overwrites the matrix with the contents of
// another matrix of identical extents.
func (m *Matrix) CopyFrom(other *Matrix) {
	if m.rows != other.rows || m.cols != other.cols {
		panic("mismatching extents")
	}
	copy(m.data, other.data)
}

// AddFrom accumulates another matrix of identical extents
// into this one.
func (m *Matrix) AddFrom(other *Matrix) {
	if m.rows != other.rows || m.cols != other.cols {
		panic("mismatching extents")
	}
	for i, x := range other.data {
		m.data[i] += x
	}
}
