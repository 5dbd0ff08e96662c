package allreduce

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/tandem-ml/tandem/matrix"
)

// A Codec turns matrix slices into wire payloads and
// back. It abstracts the payload representation so that
// the reduction algorithms never depend on how elements
// are encoded, quantized, or compressed.
//
// A Codec is owned by a single collective call at a time:
// the buffer returned by Encode is valid until the next
// Encode on the same codec.
type Codec interface {
	// Encode transforms a matrix view into a payload.
	//
	// excludeLocal hints that the caller will not read
	// this slice of the matrix again during the current
	// reduction, which lossy codecs can exploit for
	// error feedback. Lossless codecs ignore it.
	Encode(view *matrix.Matrix, excludeLocal bool) ([]byte, error)

	// DecodeOverwrite replaces dst with the payload's
	// contents, returning the number of payload bytes
	// applied.
	DecodeOverwrite(payload []byte, dst *matrix.Matrix) (int, error)

	// DecodeAccumulate adds the payload's contents into
	// dst, returning the number of payload bytes applied.
	DecodeAccumulate(payload []byte, dst *matrix.Matrix) (int, error)

	// MaxEncodedBytes returns the worst-case payload size
	// for a matrix of the given extents. Callers size
	// receive buffers with it.
	MaxEncodedBytes(rows, cols int) int
}

// A PlainCodec encodes elements as little-endian float64
// values, eight bytes per element. It is lossless.
type PlainCodec struct {
	scratch []byte
}

// NewPlainCodec creates a PlainCodec.
func NewPlainCodec() *PlainCodec {
	return &PlainCodec{}
}

// Encode transforms a matrix view into raw float64 bytes.
func (p *PlainCodec) Encode(view *matrix.Matrix, excludeLocal bool) ([]byte, error) {
	n := 8 * view.Len()
	if cap(p.scratch) < n {
		p.scratch = make([]byte, n)
	}
	buf := p.scratch[:n]
	for i, x := range view.Data() {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(x))
	}
	return buf, nil
}

// DecodeOverwrite replaces dst with decoded values.
func (p *PlainCodec) DecodeOverwrite(payload []byte, dst *matrix.Matrix) (int, error) {
	if err := checkPayload(len(payload), 8, dst); err != nil {
		return 0, err
	}
	data := dst.Data()
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[8*i:]))
	}
	return len(payload), nil
}

// DecodeAccumulate adds decoded values into dst.
func (p *PlainCodec) DecodeAccumulate(payload []byte, dst *matrix.Matrix) (int, error) {
	if err := checkPayload(len(payload), 8, dst); err != nil {
		return 0, err
	}
	data := dst.Data()
	for i := range data {
		data[i] += math.Float64frombits(binary.LittleEndian.Uint64(payload[8*i:]))
	}
	return len(payload), nil
}

// MaxEncodedBytes returns 8 bytes per element.
func (p *PlainCodec) MaxEncodedBytes(rows, cols int) int {
	return 8 * rows * cols
}

// A Float16Codec quantizes elements to IEEE 754 half
// precision, halving payload sizes at the cost of
// precision. Conversion uses round-to-nearest-even.
type Float16Codec struct {
	scratch []byte
}

// NewFloat16Codec creates a Float16Codec.
func NewFloat16Codec() *Float16Codec {
	return &Float16Codec{}
}

// Encode quantizes a matrix view to two bytes per
// element.
func (f *Float16Codec) Encode(view *matrix.Matrix, excludeLocal bool) ([]byte, error) {
	n := 2 * view.Len()
	if cap(f.scratch) < n {
		f.scratch = make([]byte, n)
	}
	buf := f.scratch[:n]
	for i, x := range view.Data() {
		binary.LittleEndian.PutUint16(buf[2*i:], float16.Fromfloat32(float32(x)).Bits())
	}
	return buf, nil
}

// DecodeOverwrite replaces dst with dequantized values.
func (f *Float16Codec) DecodeOverwrite(payload []byte, dst *matrix.Matrix) (int, error) {
	if err := checkPayload(len(payload), 2, dst); err != nil {
		return 0, err
	}
	data := dst.Data()
	for i := range data {
		data[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(payload[2*i:])).Float32())
	}
	return len(payload), nil
}

// DecodeAccumulate adds dequantized values into dst.
func (f *Float16Codec) DecodeAccumulate(payload []byte, dst *matrix.Matrix) (int, error) {
	if err := checkPayload(len(payload), 2, dst); err != nil {
		return 0, err
	}
	data := dst.Data()
	for i := range data {
		data[i] += float64(float16.Frombits(binary.LittleEndian.Uint16(payload[2*i:])).Float32())
	}
	return len(payload), nil
}

// MaxEncodedBytes returns 2 bytes per element.
func (f *Float16Codec) MaxEncodedBytes(rows, cols int) int {
	return 2 * rows * cols
}

func checkPayload(payloadLen, bytesPerElem int, dst *matrix.Matrix) error {
	if payloadLen != bytesPerElem*dst.Len() {
		return errors.Errorf("allreduce: payload of %d bytes does not match %dx%d destination (%d bytes per element)",
			payloadLen, dst.Rows(), dst.Cols(), bytesPerElem)
	}
	return nil
}
