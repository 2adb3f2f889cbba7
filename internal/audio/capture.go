package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

var (
	// ErrNoDevice is returned when the host has no usable input device.
	ErrNoDevice = errors.New("no audio input device")
	// ErrDenied is returned when the input device exists but cannot be opened.
	ErrDenied = errors.New("audio input device refused")
)

// Format describes the microphone stream requested by a backend.
type Format struct {
	SampleRate int
	BufferSize int
	Device     string
}

// Source acquires microphone streams.
type Source interface {
	Open(ctx context.Context, format Format) (Stream, error)
}

// Stream is a live microphone handle. Frames is closed once the stream
// ends, either through Close or because the device failed.
type Stream interface {
	Frames() <-chan []float32
	Err() error
	Close() error
}

// PortAudioSource captures from the default or a named input device.
type PortAudioSource struct{}

func NewPortAudioSource() *PortAudioSource {
	return &PortAudioSource{}
}

func (s *PortAudioSource) Open(ctx context.Context, format Format) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w: %v", ErrNoDevice, err)
	}

	buffer := make([]float32, format.BufferSize)
	device, err := inputDevice(format.Device)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: 1,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: format.BufferSize,
	}
	stream, err := portaudio.OpenStream(params, buffer)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open input stream: %w: %v", ErrDenied, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start input stream: %w: %v", ErrDenied, err)
	}

	ps := &portAudioStream{
		stream: stream,
		buffer: buffer,
		frames: make(chan []float32, 64),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go ps.readLoop(ctx)
	return ps, nil
}

func inputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" || name == "default" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil || dev == nil {
			return nil, fmt.Errorf("default input: %w", ErrNoDevice)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w: %v", ErrNoDevice, err)
	}
	for _, dev := range devices {
		if dev.Name == name && dev.MaxInputChannels > 0 {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("device %q: %w", name, ErrNoDevice)
}

type portAudioStream struct {
	stream *portaudio.Stream
	buffer []float32
	frames chan []float32
	done   chan struct{}
	exited chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// readLoop polls AvailableToRead so that Close never races a blocking Read.
func (p *portAudioStream) readLoop(ctx context.Context) {
	defer close(p.exited)
	defer close(p.frames)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		default:
		}

		available, err := p.stream.AvailableToRead()
		if err != nil {
			p.fail(err)
			return
		}
		if available < len(p.buffer) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err := p.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			p.fail(err)
			return
		}

		frame := make([]float32, len(p.buffer))
		copy(frame, p.buffer)
		select {
		case p.frames <- frame:
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *portAudioStream) fail(err error) {
	p.mu.Lock()
	p.err = fmt.Errorf("read input stream: %w", err)
	p.mu.Unlock()
}

func (p *portAudioStream) Frames() <-chan []float32 { return p.frames }

func (p *portAudioStream) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *portAudioStream) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	<-p.exited

	var errs []error
	if err := p.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop input stream: %w", err))
	}
	if err := p.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close input stream: %w", err))
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("terminate portaudio: %w", err))
	}
	return errors.Join(errs...)
}

// DeviceInfo describes an input device for the CLI listing.
type DeviceInfo struct {
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	IsDefault         bool
}

// ListInputDevices returns the devices that can capture audio.
func ListInputDevices() ([]DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var defaultName string
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		defaultName = def.Name
	}

	var inputs []DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 {
			inputs = append(inputs, DeviceInfo{
				Name:              dev.Name,
				MaxInputChannels:  dev.MaxInputChannels,
				DefaultSampleRate: dev.DefaultSampleRate,
				IsDefault:         dev.Name == defaultName,
			})
		}
	}
	return inputs, nil
}
