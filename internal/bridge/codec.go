// Package bridge moves audio between a carrier media leg and the currently
// bound provider session.
//
// Inbound carrier frames are decoded to provider-neutral PCM16 chunks,
// stamped with the session's binding generation, and forwarded to the
// provider handle. Provider output is pumped back to the carrier leg. The
// forwarding path is the latency-critical section of the whole router: it
// never blocks on persistence, health bookkeeping, or failover machinery.
package bridge

import (
	"encoding/base64"

	"github.com/voxroute/voxroute/pkg/types"
)

// EncodingMulaw is the wire name telephony legs use for 8-bit μ-law audio.
const EncodingMulaw = "audio/x-mulaw"

// DecodeFrame converts one inbound carrier frame into a provider-neutral
// chunk. The second return is false for undecodable frames: bad base64, an
// odd byte count for PCM16, or an unknown encoding. Invalid frames are
// dropped, never forwarded partially.
func DecodeFrame(frame types.MediaFrame) (types.AudioChunk, bool) {
	payload, err := base64.StdEncoding.DecodeString(frame.Payload)
	if err != nil || len(payload) == 0 {
		return types.AudioChunk{}, false
	}

	var pcm []byte
	switch frame.Encoding {
	case "", string(types.FormatPCM16):
		if len(payload)%2 != 0 {
			return types.AudioChunk{}, false
		}
		pcm = payload
	case EncodingMulaw:
		pcm = mulawToPCM16(payload)
	default:
		return types.AudioChunk{}, false
	}

	return types.AudioChunk{
		Data:       pcm,
		Format:     types.FormatPCM16,
		SampleRate: frame.SampleRate,
		Timestamp:  float64(frame.TimestampMs) / 1000.0,
	}, true
}

// mulawToPCM16 expands 8-bit μ-law samples to little-endian int16 PCM using
// the G.711 decoding algorithm.
func mulawToPCM16(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := mulawDecode(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// mulawDecode expands one μ-law byte per G.711.
func mulawDecode(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	sample := (int16(mantissa)<<3 + 0x84) << exponent
	sample -= 0x84
	if sign != 0 {
		return -sample
	}
	return sample
}

// Resample16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate or either rate is invalid, the input is returned unchanged.
func Resample16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}
