package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame_RoundTrips(t *testing.T) {
	payload := []byte("hello datapath")
	frame := EncodeFrame(7, 3, 42, false, payload)

	h, got, err := DecodeHeader(frame)
	require.NoError(t, err)
	require.Equal(t, uint16(7), h.Family)
	require.Equal(t, uint8(3), h.Command)
	require.Equal(t, uint32(42), h.Seqno)
	require.False(t, h.MoreData())
	require.Equal(t, payload, got)
}

func TestEncodeFrame_MoreDataFlagIsSet(t *testing.T) {
	frame := EncodeFrame(1, 1, 1, true, nil)
	h, _, err := DecodeHeader(frame)
	require.NoError(t, err)
	require.True(t, h.MoreData())
}

func TestDecodeHeader_ErrorsOnShortFrame(t *testing.T) {
	_, _, err := DecodeHeader(make([]byte, HeaderLen-1))
	require.Error(t, err)
}

func TestDecodeHeader_ErrorsOnLengthMismatch(t *testing.T) {
	frame := EncodeFrame(1, 1, 1, false, []byte("x"))
	frame = append(frame, 0xFF) // corrupt: declared length no longer matches
	_, _, err := DecodeHeader(frame)
	require.Error(t, err)
}

func TestValidateHeader_RejectsWrongFamily(t *testing.T) {
	h := Header{Family: 5, Length: HeaderLen}
	require.Error(t, ValidateHeader(h, 9, 1<<16))
}

func TestValidateHeader_SkipsFamilyCheckWhenExpectedIsZero(t *testing.T) {
	h := Header{Family: 5, Length: HeaderLen}
	require.NoError(t, ValidateHeader(h, 0, 1<<16))
}

func TestValidateHeader_RejectsOversizeFrame(t *testing.T) {
	h := Header{Family: 1, Length: 100}
	require.Error(t, ValidateHeader(h, 1, 99))
}

func TestValidateHeader_AcceptsFrameAtCeiling(t *testing.T) {
	h := Header{Family: 1, Length: 100}
	require.NoError(t, ValidateHeader(h, 1, 100))
}
