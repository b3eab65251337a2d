package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3

	// OutputBitDepth is the sample width of every WAV this package writes.
	OutputBitDepth = 16
)

// Waveform is decoded audio held in memory. Samples are interleaved and
// normalized to [-1, 1].
type Waveform struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

func (w Waveform) channels() int {
	if w.Channels <= 0 {
		return 1
	}
	return w.Channels
}

// Frames returns the number of sample frames (samples per channel).
func (w Waveform) Frames() int {
	return len(w.Samples) / w.channels()
}

// Duration returns frames / sample rate in seconds, or 0 for an empty or
// rate-less waveform.
func (w Waveform) Duration() float64 {
	if w.SampleRate <= 0 {
		return 0
	}
	return float64(w.Frames()) / float64(w.SampleRate)
}

// WriteWAV encodes w as 16-bit PCM at path, replacing any existing file.
func WriteWAV(path string, w Waveform) error {
	if w.SampleRate <= 0 {
		return fmt.Errorf("write %s: invalid sample rate %d", path, w.SampleRate)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := EncodeWAV(f, w); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// EncodeWAV writes w as 16-bit PCM WAV to ws.
func EncodeWAV(ws io.WriteSeeker, w Waveform) error {
	ch := w.channels()
	enc := wav.NewEncoder(ws, w.SampleRate, OutputBitDepth, ch, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: ch, SampleRate: w.SampleRate},
		Data:           make([]int, len(w.Samples)),
		SourceBitDepth: OutputBitDepth,
	}
	for i, s := range w.Samples {
		buf.Data[i] = floatToPCM16(s)
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

// ReadWAV decodes the WAV file at path.
func ReadWAV(path string) (Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return Waveform{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	w, err := DecodeWAV(f)
	if err != nil {
		return Waveform{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return w, nil
}

// DecodeBytes decodes an in-memory WAV file.
func DecodeBytes(data []byte) (Waveform, error) {
	return DecodeWAV(bytes.NewReader(data))
}

// DecodeWAV decodes PCM (8/16/24/32-bit) or 32-bit float WAV data.
func DecodeWAV(r io.ReadSeeker) (Waveform, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return Waveform{}, errors.New("not a valid WAV file")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return Waveform{}, fmt.Errorf("read PCM data: %w", err)
	}

	ch := int(d.NumChans)
	if ch <= 0 {
		ch = 1
	}
	w := Waveform{
		Samples:    make([]float32, len(buf.Data)),
		SampleRate: int(d.SampleRate),
		Channels:   ch,
	}

	switch {
	case d.WavAudioFormat == wavFormatFloat && d.BitDepth == 32:
		for i, v := range buf.Data {
			w.Samples[i] = math.Float32frombits(uint32(int32(v)))
		}
	case d.WavAudioFormat == wavFormatPCM:
		scale := pcmScale(int(d.BitDepth))
		offset := 0
		if d.BitDepth == 8 {
			// 8-bit WAV is unsigned
			offset = 128
		}
		for i, v := range buf.Data {
			w.Samples[i] = float32(v-offset) / scale
		}
	default:
		return Waveform{}, fmt.Errorf("unsupported WAV encoding (format %d, %d-bit)", d.WavAudioFormat, d.BitDepth)
	}
	return w, nil
}

// MeasureDuration returns the rendered duration of the WAV at path in seconds.
func MeasureDuration(path string) (float64, error) {
	w, err := ReadWAV(path)
	if err != nil {
		return 0, err
	}
	return w.Duration(), nil
}

func pcmScale(bitDepth int) float32 {
	switch bitDepth {
	case 8:
		return 128
	case 24:
		return 8388608
	case 32:
		return 2147483648
	default:
		return 32768
	}
}

func floatToPCM16(s float32) int {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int(math.Round(float64(s) * 32767))
}
