package allreduce

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tandem-ml/tandem/matrix"
)

func TestPlainCodecRoundTrip(t *testing.T) {
	codec := NewPlainCodec()
	mat := matrix.New(3, 4)
	for i := range mat.Data() {
		mat.Data()[i] = float64(i) * 1.5
	}

	payload, err := codec.Encode(mat, false)
	require.NoError(t, err)
	require.Len(t, payload, codec.MaxEncodedBytes(3, 4))

	decoded := matrix.New(3, 4)
	n, err := codec.DecodeOverwrite(payload, decoded)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, mat.Data(), decoded.Data())

	// Accumulating the same payload doubles the values.
	_, err = codec.DecodeAccumulate(payload, decoded)
	require.NoError(t, err)
	for i, x := range mat.Data() {
		require.Equal(t, 2*x, decoded.Data()[i])
	}
}

func TestPlainCodecRejectsMismatchedPayload(t *testing.T) {
	codec := NewPlainCodec()
	dst := matrix.New(2, 2)
	_, err := codec.DecodeOverwrite(make([]byte, 7), dst)
	require.Error(t, err)
}

func TestFloat16CodecHalvesPayload(t *testing.T) {
	plain := NewPlainCodec()
	quant := NewFloat16Codec()
	require.Equal(t, plain.MaxEncodedBytes(16, 16)/4, quant.MaxEncodedBytes(16, 16))

	mat := matrix.New(4, 4)
	for i := range mat.Data() {
		mat.Data()[i] = 0.25 * float64(i)
	}
	payload, err := quant.Encode(mat, false)
	require.NoError(t, err)
	require.Len(t, payload, 2*mat.Len())

	decoded := matrix.New(4, 4)
	_, err = quant.DecodeOverwrite(payload, decoded)
	require.NoError(t, err)
	// Quarters up to 4.0 are exactly representable in
	// half precision.
	require.Equal(t, mat.Data(), decoded.Data())
}

func TestColumnRangeViewEncodesContiguously(t *testing.T) {
	codec := NewPlainCodec()
	mat := matrix.New(2, 6)
	for i := range mat.Data() {
		mat.Data()[i] = float64(i)
	}
	view := mat.ColRange(2, 4)
	payload, err := codec.Encode(view, false)
	require.NoError(t, err)
	require.Len(t, payload, 8*view.Len())

	decoded := matrix.New(2, 2)
	_, err = codec.DecodeOverwrite(payload, decoded)
	require.NoError(t, err)
	require.Equal(t, view.Data(), decoded.Data())
}
