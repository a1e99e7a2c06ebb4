// Package pcm holds helpers for 16-bit little-endian PCM buffers.
package pcm

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Samples decodes pcm into signed sample values.
func Samples(pcm []byte) ([]int, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return samples, nil
}

// RMS returns the root-mean-square amplitude of pcm. A trailing odd byte is
// ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// BytesPerFrame is the size of one sub-frame of the given duration.
func BytesPerFrame(sampleRate, channels, durationMS int) int {
	return sampleRate * durationMS / 1000 * channels * 2
}

// WriteWAV encodes pcm as a 16-bit WAV into w.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	samples, err := Samples(pcm)
	if err != nil {
		return err
	}
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   samples,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// TempWAV writes pcm to a temporary WAV file. The caller removes it with the
// returned cleanup func.
func TempWAV(pattern string, pcm []byte, sampleRate, channels int) (string, func(), error) {
	file, err := os.CreateTemp(os.TempDir(), pattern)
	if err != nil {
		return "", nil, fmt.Errorf("temp file: %w", err)
	}
	cleanup := func() { os.Remove(file.Name()) }
	if err := WriteWAV(file, pcm, sampleRate, channels); err != nil {
		file.Close()
		cleanup()
		return "", nil, err
	}
	if err := file.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return file.Name(), cleanup, nil
}

// ReadWAV decodes a 16-bit WAV stream back into PCM.
func ReadWAV(r io.ReadSeeker) ([]byte, int, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, 0, fmt.Errorf("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	out := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out, buf.Format.SampleRate, buf.Format.NumChannels, nil
}

// Tone synthesizes a sine wave, used for fixtures and the mock microphone.
func Tone(sampleRate, channels, durationMS int, freq, amplitude float64) []byte {
	frames := sampleRate * durationMS / 1000
	out := make([]byte, frames*channels*2)
	for i := 0; i < frames; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(out[(i*channels+c)*2:], uint16(v))
		}
	}
	return out
}
