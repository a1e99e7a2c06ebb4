package sampler

import (
	"github.com/loqalabs/loqa-kiosk/internal/pcm"
)

type SegmenterOptions struct {
	SampleRate       int
	Channels         int
	FrameDurationMS  int
	WindowFrames     int
	RatioThreshold   float64
	MaxSilenceFrames int
	EnergyThreshold  float64
}

// Segmenter cuts a PCM stream into utterances. Each sub-frame is classified
// as voiced by energy; a segment starts when the voiced ratio over the last
// WindowFrames sub-frames exceeds RatioThreshold and ends after more than
// MaxSilenceFrames consecutive sub-frames below it.
type Segmenter struct {
	opts      SegmenterOptions
	frameSize int
	window    []bool
	head      int
	filled    int
	voiced    int
	inSpeech  bool
	silence   int
	buf       []byte
	partial   []byte
}

func NewSegmenter(opts SegmenterOptions) *Segmenter {
	if opts.WindowFrames < 1 {
		opts.WindowFrames = 1
	}
	return &Segmenter{
		opts:      opts,
		frameSize: pcm.BytesPerFrame(opts.SampleRate, opts.Channels, opts.FrameDurationMS),
		window:    make([]bool, opts.WindowFrames),
	}
}

// FrameSize is the byte length of one sub-frame.
func (s *Segmenter) FrameSize() int { return s.frameSize }

// InSpeech reports whether a segment is open.
func (s *Segmenter) InSpeech() bool { return s.inSpeech }

// Write feeds raw PCM of any length and returns the segments it completed.
func (s *Segmenter) Write(data []byte) [][]byte {
	var done [][]byte
	s.partial = append(s.partial, data...)
	for len(s.partial) >= s.frameSize && s.frameSize > 0 {
		frame := s.partial[:s.frameSize]
		if seg := s.push(frame); seg != nil {
			done = append(done, seg)
		}
		s.partial = s.partial[s.frameSize:]
	}
	if len(s.partial) == 0 {
		s.partial = nil
	}
	return done
}

func (s *Segmenter) push(frame []byte) []byte {
	voiced := pcm.RMS(frame) >= s.opts.EnergyThreshold
	if s.filled == len(s.window) {
		if s.window[s.head] {
			s.voiced--
		}
	} else {
		s.filled++
	}
	s.window[s.head] = voiced
	if voiced {
		s.voiced++
	}
	s.head = (s.head + 1) % len(s.window)

	ratio := float64(s.voiced) / float64(s.filled)
	if ratio > s.opts.RatioThreshold {
		if !s.inSpeech {
			s.inSpeech = true
			s.buf = s.buf[:0]
		}
		s.buf = append(s.buf, frame...)
		s.silence = 0
		return nil
	}
	if !s.inSpeech {
		return nil
	}
	s.silence++
	s.buf = append(s.buf, frame...)
	if s.silence <= s.opts.MaxSilenceFrames {
		return nil
	}
	segment := append([]byte(nil), s.buf...)
	s.inSpeech = false
	s.silence = 0
	s.buf = s.buf[:0]
	return segment
}

// Flush closes an open segment, returning nil when none is open.
func (s *Segmenter) Flush() []byte {
	if !s.inSpeech || len(s.buf) == 0 {
		return nil
	}
	segment := append([]byte(nil), s.buf...)
	s.inSpeech = false
	s.silence = 0
	s.buf = s.buf[:0]
	return segment
}
