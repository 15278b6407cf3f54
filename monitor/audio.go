package monitor

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/malgo"
)

// SampleRate of the monitor output.
const SampleRate = 44100

// Play renders v through the default playback device until ctx is done.
func Play(ctx context.Context, v *Voices, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("monitor")
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		logger.Debug(msg)
	})
	if err != nil {
		return fmt.Errorf("audio context: %w", err)
	}
	defer func() {
		mctx.Uninit()
		mctx.Free()
	}()

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 1
	cfg.SampleRate = SampleRate

	samples := make([]float32, 4096)
	send := func(out, _ []byte, framecount uint32) {
		if framecount == 0 {
			return
		}
		if int(framecount) > len(samples) {
			samples = make([]float32, framecount)
		}
		s := samples[:framecount]
		v.Render(s)
		o := out[:0]
		for _, f := range s {
			o = binary.LittleEndian.AppendUint32(o, math.Float32bits(f))
		}
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: send,
	})
	if err != nil {
		return fmt.Errorf("audio device: %w", err)
	}
	defer device.Uninit()
	if err := device.Start(); err != nil {
		return fmt.Errorf("starting audio: %w", err)
	}
	logger.Info("monitoring", "voices", v, "rate", SampleRate)

	<-ctx.Done()
	return nil
}
