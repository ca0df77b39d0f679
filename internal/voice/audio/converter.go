// Package audio converts frames between the telephony and engine encodings.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// Encoding tags the byte layout of a Frame payload.
type Encoding string

const (
	// EncodingMuLaw8k is G.711 mu-law, 8 kHz mono, one byte per sample.
	EncodingMuLaw8k Encoding = "audio/x-mulaw;rate=8000"
	// EncodingPCM16k is signed 16-bit little-endian PCM, 16 kHz mono.
	EncodingPCM16k Encoding = "audio/pcm;rate=16000"
)

var (
	ErrEmptyFrame          = errors.New("empty audio frame")
	ErrUnalignedPCM        = errors.New("pcm payload is not 16-bit aligned")
	ErrUnsupportedEncoding = errors.New("unsupported audio encoding")
)

// Frame is one chunk of audio. Frames are transient and never retained.
type Frame struct {
	Encoding Encoding
	Payload  []byte
}

// Transcode converts frame to the target encoding. Same-encoding requests
// return the frame unchanged.
func Transcode(frame Frame, target Encoding) (Frame, error) {
	if len(frame.Payload) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	if frame.Encoding == target {
		return frame, nil
	}

	switch {
	case frame.Encoding == EncodingMuLaw8k && target == EncodingPCM16k:
		return Frame{Encoding: target, Payload: ConvertMuLawToPCM16kHz(frame.Payload)}, nil
	case frame.Encoding == EncodingPCM16k && target == EncodingMuLaw8k:
		if len(frame.Payload)%2 != 0 {
			return Frame{}, ErrUnalignedPCM
		}
		return Frame{Encoding: target, Payload: ConvertPCM16kHzToMuLaw8kHz(frame.Payload)}, nil
	default:
		return Frame{}, fmt.Errorf("%w: %s -> %s", ErrUnsupportedEncoding, frame.Encoding, target)
	}
}

func ConvertMuLawToPCM16kHz(mulaw []byte) []byte {
	samples := make([]int16, len(mulaw))
	for i, b := range mulaw {
		samples[i] = mulawToLinear(b)
	}
	return encodePCM(upsample(samples, 2))
}

func ConvertPCM16kHzToMuLaw8kHz(pcm16k []byte) []byte {
	samples := downsample(decodePCM(pcm16k), 2)
	mulaw := make([]byte, len(samples))
	for i, s := range samples {
		mulaw[i] = linearToMulaw(s)
	}
	return mulaw
}

func Base64ToBytes(base64String string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64String)
}

func BytesToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func mulawToLinear(mulawByte byte) int16 {
	const bias = 0x84

	mulawByte = ^mulawByte
	sign := mulawByte & 0x80
	exponent := (mulawByte >> 4) & 0x07
	mantissa := int32(mulawByte & 0x0F)

	sample := ((mantissa << 3) + bias) << exponent
	sample -= bias

	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func linearToMulaw(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > clip {
		s = clip
	}
	s += bias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)

	return ^(sign | exponent<<4 | mantissa)
}

// downsample keeps every factor-th sample.
func downsample(samples []int16, factor int) []int16 {
	out := make([]int16, 0, len(samples)/factor+1)
	for i := 0; i < len(samples); i += factor {
		out = append(out, samples[i])
	}
	return out
}

// upsample inserts linearly interpolated samples; the tail repeats the last sample.
func upsample(samples []int16, factor int) []int16 {
	out := make([]int16, len(samples)*factor)
	for i, current := range samples {
		next := current
		if i+1 < len(samples) {
			next = samples[i+1]
		}
		for j := 0; j < factor; j++ {
			delta := (int32(next) - int32(current)) * int32(j) / int32(factor)
			out[i*factor+j] = int16(int32(current) + delta)
		}
	}
	return out
}

func decodePCM(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
	}
	return samples
}

func encodePCM(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(uint16(s) >> 8)
	}
	return pcm
}
