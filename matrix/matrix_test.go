package matrix

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAtSetColumnMajor(t *testing.T) {
	m := New(3, 2)
	m.Set(2, 0, 1.5)
	m.Set(0, 1, -4)
	require.Equal(t, 1.5, m.At(2, 0))
	require.Equal(t, -4.0, m.At(0, 1))
	require.Equal(t, []float64{0, 0, 1.5, -4, 0, 0}, m.Data())
}

func TestFromDataWraps(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5, 6}
	m := FromData(2, 3, data)
	require.Equal(t, 2.0, m.At(1, 0))
	require.Equal(t, 5.0, m.At(0, 2))
	m.Set(1, 0, 9)
	require.Equal(t, 9.0, data[1])

	require.Panics(t, func() {
		FromData(2, 2, data)
	})
}

func TestColRangeSharesStorage(t *testing.T) {
	m := New(2, 5)
	for i := range m.Data() {
		m.Data()[i] = float64(i)
	}
	view := m.ColRange(1, 4)
	require.Equal(t, 2, view.Rows())
	require.Equal(t, 3, view.Cols())
	require.Equal(t, []float64{2, 3, 4, 5, 6, 7}, view.Data())

	view.Set(0, 0, 100)
	require.Equal(t, 100.0, m.At(0, 1))

	empty := m.ColRange(2, 2)
	require.Equal(t, 0, empty.Len())

	require.Panics(t, func() {
		m.ColRange(3, 6)
	})
}

func TestCloneIsDeep(t *testing.T) {
	m := New(2, 2)
	m.Set(0, 0, 7)
	c := m.Clone()
	c.Set(0, 0, 8)
	require.Equal(t, 7.0, m.At(0, 0))
	require.Equal(t, 8.0, c.At(0, 0))
}

func TestCopyFromAddFrom(t *testing.T) {
	a := New(2, 2)
	b := New(2, 2)
	for i := range b.Data() {
		b.Data()[i] = float64(i + 1)
	}
	a.CopyFrom(b)
	require.Equal(t, b.Data(), a.Data())

	a.AddFrom(b)
	require.Equal(t, []float64{2, 4, 6, 8}, a.Data())

	require.Panics(t, func() {
		a.AddFrom(New(2, 3))
	})
}

func TestBoundsPanics(t *testing.T) {
	m := New(2, 2)
	require.Panics(t, func() { m.At(2, 0) })
	require.Panics(t, func() { m.Set(0, -1, 1) })
	require.Panics(t, func() { New(-1, 2) })
}
