package segmented

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// NewWhisperTranscriber returns a [Transcriber] backed by the OpenAI Whisper
// API. Each utterance is wrapped in a WAV container and submitted as one
// batch transcription request.
func NewWhisperTranscriber(apiKey string, reqOpts ...option.RequestOption) Transcriber {
	opts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, reqOpts...)
	client := oai.NewClient(opts...)

	return func(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
		if len(pcm) == 0 {
			return "", nil
		}
		wav := encodeWAV(pcm, sampleRate)

		resp, err := client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
			Model: oai.AudioModelWhisper1,
			File:  oai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
		})
		if err != nil {
			return "", fmt.Errorf("segmented: whisper transcription: %w", err)
		}
		return strings.TrimSpace(resp.Text), nil
	}
}

// encodeWAV wraps raw 16-bit signed little-endian mono PCM in a RIFF/WAV
// container.
func encodeWAV(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}
