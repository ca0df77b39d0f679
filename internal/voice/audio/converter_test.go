package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscode(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		target  Encoding
		wantLen int
		wantErr error
	}{
		{
			name:    "mulaw 8k to pcm 16k doubles samples and bytes",
			frame:   Frame{Encoding: EncodingMuLaw8k, Payload: make([]byte, 160)},
			target:  EncodingPCM16k,
			wantLen: 640,
		},
		{
			name:    "pcm 16k to mulaw 8k halves samples",
			frame:   Frame{Encoding: EncodingPCM16k, Payload: make([]byte, 640)},
			target:  EncodingMuLaw8k,
			wantLen: 160,
		},
		{
			name:    "same encoding is passthrough",
			frame:   Frame{Encoding: EncodingMuLaw8k, Payload: []byte{1, 2, 3}},
			target:  EncodingMuLaw8k,
			wantLen: 3,
		},
		{
			name:    "empty payload is rejected",
			frame:   Frame{Encoding: EncodingMuLaw8k},
			target:  EncodingPCM16k,
			wantErr: ErrEmptyFrame,
		},
		{
			name:    "odd pcm payload is rejected",
			frame:   Frame{Encoding: EncodingPCM16k, Payload: []byte{1, 2, 3}},
			target:  EncodingMuLaw8k,
			wantErr: ErrUnalignedPCM,
		},
		{
			name:    "unknown encoding is rejected",
			frame:   Frame{Encoding: "audio/opus", Payload: []byte{1}},
			target:  EncodingPCM16k,
			wantErr: ErrUnsupportedEncoding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Transcode(tt.frame, tt.target)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.target, out.Encoding)
			assert.Len(t, out.Payload, tt.wantLen)
		})
	}
}

func TestMuLawRoundTrip(t *testing.T) {
	in := make([]byte, 0, 255)
	for b := 0; b < 256; b++ {
		// 0x7F and 0xFF both decode to zero; zero encodes as 0xFF.
		if b == 0x7F {
			continue
		}
		in = append(in, byte(b))
	}

	pcm, err := Transcode(Frame{Encoding: EncodingMuLaw8k, Payload: in}, EncodingPCM16k)
	require.NoError(t, err)

	back, err := Transcode(pcm, EncodingMuLaw8k)
	require.NoError(t, err)
	assert.Equal(t, in, back.Payload)
}

func TestLinearToMulawExtremes(t *testing.T) {
	assert.Equal(t, byte(0xFF), linearToMulaw(0))
	assert.Equal(t, linearToMulaw(32767), linearToMulaw(32700))
	// -32768 must not overflow when negated.
	assert.Equal(t, byte(0x00), linearToMulaw(-32768))
	assert.Equal(t, byte(0x80), linearToMulaw(32767))
}

func TestUpsampleInterpolates(t *testing.T) {
	got := upsample([]int16{0, 100, -100}, 2)
	assert.Equal(t, []int16{0, 50, 100, 0, -100, -100}, got)
}

func TestBase64(t *testing.T) {
	raw := []byte{0x00, 0xFF, 0x10}
	decoded, err := Base64ToBytes(BytesToBase64(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	_, err = Base64ToBytes("not base64!!")
	assert.Error(t, err)
}
