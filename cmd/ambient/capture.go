package main

import (
	"fmt"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

// capturer records 16-bit mono PCM from the default microphone. Chunks are
// handed off on a buffered channel; the audio callback never blocks, so a
// slow consumer drops chunks instead of stalling the device.
type capturer struct {
	mctx       *malgo.AllocatedContext
	device     *malgo.Device
	sampleRate int
	running    atomic.Bool
	chunks     chan []byte
}

func newCapturer(sampleRate int) (*capturer, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &capturer{
		mctx:       mctx,
		sampleRate: sampleRate,
		chunks:     make(chan []byte, 64),
	}, nil
}

func (c *capturer) start() error {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(c.sampleRate)
	cfg.PeriodSizeInMilliseconds = 32

	onRecv := func(_, input []byte, _ uint32) {
		if !c.running.Load() || len(input) == 0 {
			return
		}
		buf := make([]byte, len(input))
		copy(buf, input)
		select {
		case c.chunks <- buf:
		default:
		}
	}

	device, err := malgo.InitDevice(c.mctx.Context, cfg, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		return fmt.Errorf("init capture device: %w", err)
	}
	c.device = device
	c.running.Store(true)
	if err := device.Start(); err != nil {
		return fmt.Errorf("start capture device: %w", err)
	}
	return nil
}

// pause and resume gate the callback for half-duplex operation: the mic is
// muted while the bot is speaking so it does not transcribe itself.
func (c *capturer) pause()  { c.running.Store(false) }
func (c *capturer) resume() { c.running.Store(true) }

func (c *capturer) close() {
	c.running.Store(false)
	if c.device != nil {
		c.device.Stop()
		c.device.Uninit()
		c.device = nil
	}
	if c.mctx != nil {
		_ = c.mctx.Uninit()
		c.mctx.Free()
		c.mctx = nil
	}
}
