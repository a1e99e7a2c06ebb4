package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-kiosk/internal/capability"
	"github.com/loqalabs/loqa-kiosk/internal/pcm"
	"github.com/loqalabs/loqa-kiosk/internal/tts"
	"github.com/mattn/go-shellwords"
)

// Player renders audio on the output device.
type Player interface {
	Play(ctx context.Context, audio tts.Audio) (Stream, error)
}

// Stream is one in-flight playback.
type Stream interface {
	// Done closes when the stream has finished or was stopped.
	Done() <-chan struct{}
	// Stop halts output. Stopping a finished stream is a no-op.
	Stop()
	Err() error
}

type baseStream struct {
	done     chan struct{}
	stopOnce sync.Once
	stopFn   func()
	mu       sync.Mutex
	err      error
}

func newBaseStream(stop func()) *baseStream {
	return &baseStream{done: make(chan struct{}), stopFn: stop}
}

func (s *baseStream) Done() <-chan struct{} { return s.done }

func (s *baseStream) Stop() {
	s.stopOnce.Do(s.stopFn)
}

func (s *baseStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *baseStream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

type mockPlayer struct{}

// NewMockPlayer returns a player that stays busy for the audio's duration
// without touching a device.
func NewMockPlayer() Player {
	return mockPlayer{}
}

func (mockPlayer) Play(ctx context.Context, audio tts.Audio) (Stream, error) {
	stop := make(chan struct{})
	s := newBaseStream(func() { close(stop) })
	go func() {
		timer := time.NewTimer(time.Duration(audio.DurationMS()) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.finish(nil)
		case <-stop:
			s.finish(nil)
		case <-ctx.Done():
			s.finish(ctx.Err())
		}
	}()
	return s, nil
}

type execPlayer struct {
	cmd []string
}

// NewExecPlayer plays audio through an external command such as aplay. The
// rendered WAV file path is appended to the command's arguments.
func NewExecPlayer(command string) (Player, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("player %s: %w", args[0], capability.ErrUnavailable)
	}
	return &execPlayer{cmd: args}, nil
}

func (p *execPlayer) Play(ctx context.Context, audio tts.Audio) (Stream, error) {
	path, cleanup, err := pcm.TempWAV("kiosk_play_*.wav", audio.PCM, audio.SampleRate, audio.Channels)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	args := append(append([]string{}, p.cmd[1:]...), path)
	cmd := exec.CommandContext(ctx, p.cmd[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		cancel()
		cleanup()
		return nil, fmt.Errorf("start player: %w", err)
	}
	s := newBaseStream(cancel)
	go func() {
		defer cleanup()
		defer cancel()
		err := cmd.Wait()
		if err != nil && ctx.Err() != nil {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("player exited: %w: %s", err, stderr.String())
		}
		s.finish(err)
	}()
	return s, nil
}

var errStopTimeout = errors.New("playback did not stop in time")
