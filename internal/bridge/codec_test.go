package bridge

import (
	"encoding/base64"
	"testing"

	"github.com/voxroute/voxroute/pkg/types"
)

func pcmFrame(pcm []byte, rate int, tsMs int64) types.MediaFrame {
	return types.MediaFrame{
		Payload:     base64.StdEncoding.EncodeToString(pcm),
		SampleRate:  rate,
		TimestampMs: tsMs,
	}
}

func TestDecodeFramePCM16(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	chunk, ok := DecodeFrame(pcmFrame(pcm, 8000, 1500))
	if !ok {
		t.Fatal("DecodeFrame rejected a valid frame")
	}
	if string(chunk.Data) != string(pcm) {
		t.Errorf("payload mismatch")
	}
	if chunk.Format != types.FormatPCM16 {
		t.Errorf("format = %q, want pcm16", chunk.Format)
	}
	if chunk.SampleRate != 8000 {
		t.Errorf("sample rate = %d, want 8000", chunk.SampleRate)
	}
	if chunk.Timestamp != 1.5 {
		t.Errorf("timestamp = %v, want 1.5", chunk.Timestamp)
	}
}

func TestDecodeFrameInvalid(t *testing.T) {
	cases := []struct {
		name  string
		frame types.MediaFrame
	}{
		{"bad base64", types.MediaFrame{Payload: "not-base64!!!", SampleRate: 8000}},
		{"empty payload", types.MediaFrame{Payload: "", SampleRate: 8000}},
		{"odd byte count", pcmFrame([]byte{0x01, 0x02, 0x03}, 8000, 0)},
		{"unknown encoding", types.MediaFrame{
			Payload:    base64.StdEncoding.EncodeToString([]byte{1, 2}),
			Encoding:   "audio/opus",
			SampleRate: 8000,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := DecodeFrame(tc.frame); ok {
				t.Error("DecodeFrame accepted an invalid frame")
			}
		})
	}
}

func TestDecodeFrameMulaw(t *testing.T) {
	frame := types.MediaFrame{
		Payload:    base64.StdEncoding.EncodeToString([]byte{0xFF, 0x7F, 0x00}),
		Encoding:   EncodingMulaw,
		SampleRate: 8000,
	}
	chunk, ok := DecodeFrame(frame)
	if !ok {
		t.Fatal("DecodeFrame rejected a valid mulaw frame")
	}
	if len(chunk.Data) != 6 {
		t.Fatalf("expanded length = %d, want 6", len(chunk.Data))
	}

	// 0xFF is μ-law digital zero, 0x7F is negative zero.
	s0 := int16(chunk.Data[0]) | int16(chunk.Data[1])<<8
	if s0 != 0 {
		t.Errorf("decode(0xFF) = %d, want 0", s0)
	}
	s1 := int16(chunk.Data[2]) | int16(chunk.Data[3])<<8
	if s1 != 0 {
		t.Errorf("decode(0x7F) = %d, want 0", s1)
	}

	// 0x00 decodes to the most negative μ-law value.
	s2 := int16(chunk.Data[4]) | int16(chunk.Data[5])<<8
	if s2 != -32124 {
		t.Errorf("decode(0x00) = %d, want -32124", s2)
	}
}

func TestMulawDecodeSignSymmetry(t *testing.T) {
	// Codes differing only in the sign bit decode to opposite values.
	for _, code := range []byte{0x01, 0x23, 0x45, 0x67} {
		pos := mulawDecode(code | 0x80)
		neg := mulawDecode(code)
		if pos != -neg {
			t.Errorf("decode(%#x) = %d, decode(%#x) = %d, want opposites",
				code|0x80, pos, code, neg)
		}
	}
}

func TestResample16SameRate(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if out := Resample16(pcm, 8000, 8000); string(out) != string(pcm) {
		t.Error("same-rate resample modified the input")
	}
}

func TestResample16Upsample(t *testing.T) {
	pcm := make([]byte, 160*2) // 160 samples = 20ms at 8kHz
	out := Resample16(pcm, 8000, 24000)
	if got := len(out) / 2; got != 480 {
		t.Errorf("upsampled to %d samples, want 480", got)
	}
}

func TestResample16Downsample(t *testing.T) {
	pcm := make([]byte, 480*2)
	out := Resample16(pcm, 24000, 8000)
	if got := len(out) / 2; got != 160 {
		t.Errorf("downsampled to %d samples, want 160", got)
	}
}

func TestResample16InvalidRates(t *testing.T) {
	pcm := []byte{0x01, 0x02}
	if out := Resample16(pcm, 0, 8000); string(out) != string(pcm) {
		t.Error("zero source rate should return input unchanged")
	}
	if out := Resample16(pcm, 8000, -1); string(out) != string(pcm) {
		t.Error("negative target rate should return input unchanged")
	}
}

func TestResample16PreservesConstantSignal(t *testing.T) {
	// A DC signal must stay constant through linear interpolation.
	val := int16(1000)
	pcm := make([]byte, 100*2)
	for i := range 100 {
		pcm[i*2] = byte(val)
		pcm[i*2+1] = byte(val >> 8)
	}
	out := Resample16(pcm, 8000, 16000)
	for i := 0; i+1 < len(out); i += 2 {
		if s := int16(out[i]) | int16(out[i+1])<<8; s != val {
			t.Fatalf("sample %d = %d, want %d", i/2, s, val)
		}
	}
}
