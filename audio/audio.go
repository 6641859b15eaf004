// Package audio shells out to ffmpeg for the voice-message paths:
// Telegram voice notes arrive as OGG/Opus and the realtime API wants
// raw PCM, while synthesized PCM goes back out as OGG/Opus or WAV.
package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"mime"
	"os/exec"
	"strconv"
)

const (
	// InputRate is the sample rate the realtime API expects for input.
	InputRate = 16000
	// DefaultOutputRate matches what the realtime API emits.
	DefaultOutputRate = 24000
)

// DecodeOggToPCM converts an OGG/Opus voice note into raw s16le mono
// PCM at 16kHz.
func DecodeOggToPCM(ctx context.Context, ogg []byte) ([]byte, error) {
	return runFFmpeg(ctx, ogg,
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(InputRate),
		"-ac", "1",
		"pipe:1",
	)
}

// EncodePCMToOgg converts raw s16le mono PCM into an OGG/Opus voice
// note Telegram accepts. rate <= 0 falls back to DefaultOutputRate.
func EncodePCMToOgg(ctx context.Context, pcm []byte, rate int) ([]byte, error) {
	if rate <= 0 {
		rate = DefaultOutputRate
	}
	return runFFmpeg(ctx, pcm,
		"-f", "s16le",
		"-ar", strconv.Itoa(rate),
		"-ac", "1",
		"-i", "pipe:0",
		"-c:a", "libopus",
		"-b:a", "24k",
		"-f", "ogg",
		"pipe:1",
	)
}

func runFFmpeg(ctx context.Context, input []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdin = bytes.NewReader(input)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		detail := bytes.TrimSpace(errBuf.Bytes())
		if len(detail) > 512 {
			detail = detail[len(detail)-512:]
		}
		return nil, fmt.Errorf("audio: ffmpeg: %w: %s", err, detail)
	}
	return out.Bytes(), nil
}

// WrapWAV prefixes raw s16le mono PCM with a 44-byte RIFF header so
// players that refuse bare PCM can handle it.
func WrapWAV(pcm []byte, rate int) []byte {
	if rate <= 0 {
		rate = DefaultOutputRate
	}
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := rate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := make([]byte, 0, 44+len(pcm))
	w := bytes.NewBuffer(buf)
	w.WriteString("RIFF")
	binary.Write(w, binary.LittleEndian, uint32(36+len(pcm)))
	w.WriteString("WAVE")
	w.WriteString("fmt ")
	binary.Write(w, binary.LittleEndian, uint32(16))
	binary.Write(w, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(w, binary.LittleEndian, uint16(channels))
	binary.Write(w, binary.LittleEndian, uint32(rate))
	binary.Write(w, binary.LittleEndian, uint32(byteRate))
	binary.Write(w, binary.LittleEndian, uint16(blockAlign))
	binary.Write(w, binary.LittleEndian, uint16(bitsPerSample))
	w.WriteString("data")
	binary.Write(w, binary.LittleEndian, uint32(len(pcm)))
	w.Write(pcm)
	return w.Bytes()
}

// RateFromMIME extracts the sample rate from MIME types like
// "audio/L16;rate=24000". Unknown or unparsable types report 0.
func RateFromMIME(mimeType string) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return 0
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil {
		return 0
	}
	return rate
}
