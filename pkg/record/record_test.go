package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamRecordBatch_LastOffset(t *testing.T) {
	b := StreamRecordBatch{BaseOffset: 10, Count: 5}
	require.Equal(t, uint64(15), b.LastOffset())
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	payload := Allocate(5)
	copy(payload.Bytes(), []byte("hello"))

	b := StreamRecordBatch{
		StreamID:   7,
		Epoch:      1,
		BaseOffset: 100,
		Count:      5,
		Payload:    payload,
	}

	wire := Encode(b)
	decoded, err := Decode(wire)
	require.NoError(t, err)

	require.Equal(t, b.StreamID, decoded.StreamID)
	require.Equal(t, b.Epoch, decoded.Epoch)
	require.Equal(t, b.BaseOffset, decoded.BaseOffset)
	require.Equal(t, b.Count, decoded.Count)
	require.Equal(t, []byte("hello"), decoded.Payload.Bytes())

	b.Release()
	decoded.Release()
}

func TestDecode_ShortBuffer(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestDecode_TruncatedPayload(t *testing.T) {
	payload := Allocate(5)
	copy(payload.Bytes(), []byte("hello"))
	b := StreamRecordBatch{StreamID: 1, BaseOffset: 0, Count: 1, Payload: payload}
	wire := Encode(b)
	b.Release()

	_, err := Decode(wire[:len(wire)-2])
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestRefCountedBytes_RetainRelease(t *testing.T) {
	rb := Allocate(4)
	require.EqualValues(t, 1, rb.RefCount())

	rb.Retain()
	require.EqualValues(t, 2, rb.RefCount())

	rb.Release()
	require.EqualValues(t, 1, rb.RefCount())

	rb.Release()
	require.EqualValues(t, 0, rb.RefCount())
}

func TestStreamRecordBatch_RetainReleaseSharesPayload(t *testing.T) {
	original := StreamRecordBatch{Payload: Allocate(4)}
	copyOfBatch := original.Retain()

	require.EqualValues(t, 2, original.Payload.RefCount())

	original.Release()
	require.EqualValues(t, 1, original.Payload.RefCount())

	copyOfBatch.Release()
	require.EqualValues(t, 0, original.Payload.RefCount())
}
