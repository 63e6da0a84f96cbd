package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// player drives the default output device with 16-bit mono PCM. The device
// runs persistently and outputs silence when no audio is pending.
type player struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device

	mu      sync.Mutex
	pending []byte
}

func newPlayer(sampleRate int) (*player, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	p := &player{mctx: mctx}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInMilliseconds = 100

	onSend := func(output, _ []byte, _ uint32) {
		p.mu.Lock()
		n := copy(output, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		for i := n; i < len(output); i++ {
			output[i] = 0
		}
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: onSend})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	p.device = device
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("start playback device: %w", err)
	}
	return p, nil
}

// play queues pcm and blocks until the device has consumed it.
func (p *player) play(pcm []byte) {
	p.mu.Lock()
	p.pending = append(p.pending, pcm...)
	p.mu.Unlock()

	for {
		p.mu.Lock()
		remaining := len(p.pending)
		p.mu.Unlock()
		if remaining == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// stop drops any queued audio immediately.
func (p *player) stop() {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()
}

func (p *player) close() {
	p.stop()
	if p.device != nil {
		p.device.Stop()
		p.device.Uninit()
		p.device = nil
	}
	if p.mctx != nil {
		_ = p.mctx.Uninit()
		p.mctx.Free()
		p.mctx = nil
	}
}
