package main

import (
	"context"
	"io"
	"time"

	"github.com/GiGurra/boa/pkg/boa"
	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pfcm/midistream/internal/buffer"
	"github.com/pfcm/midistream/mailbox"
	"github.com/pfcm/midistream/midi"
	"github.com/pfcm/midistream/monitor"
	"github.com/pfcm/midistream/output"
	"github.com/pfcm/midistream/reassembly"
	"github.com/pfcm/midistream/scheduler"
	"github.com/pfcm/midistream/storage"
	"github.com/pfcm/midistream/transport"
)

type ServeParams struct {
	Addr             string `optional:"true" help:"UDP address to receive chunks on." default:":5004"`
	Serial           string `optional:"true" help:"Serial device to send MIDI to, at 31250 baud."`
	Port             string `optional:"true" help:"System MIDI output to send to (substring of its name)."`
	Monitor          bool   `optional:"true" help:"Play notes through the default sound card." default:"false"`
	Voices           int    `optional:"true" help:"Polyphony of the monitor." default:"8"`
	Store            string `optional:"true" help:"Directory of stored streams. Watched for changes." default:""`
	Play             string `optional:"true" help:"Stored stream to play at startup."`
	BufferSize       int    `optional:"true" help:"Playback buffer size in bytes." default:"1048576"`
	DeltaTickMicros  int64  `optional:"true" help:"Length of one delta-time unit in microseconds." default:"1000"`
	PollTimeoutMicro int64  `optional:"true" help:"Longest wait for mailbox items between ticks, in microseconds." default:"1000"`
	LogLevel         string `optional:"true" help:"debug, info, warn or error." default:"info"`
}

func serveCmd() *cobra.Command {
	return boa.CmdT[ServeParams]{
		Use:         "serve",
		Short:       "Receive streams over UDP and play them",
		ParamEnrich: defaultParamEnricher(),
		RunFunc: func(params *ServeParams, cmd *cobra.Command, args []string) {
			logger := newLogger(params.LogLevel)
			if err := serve(interruptContext(), params, logger); err != nil {
				fatal(logger, "serve", err)
			}
		},
	}.ToCobra()
}

func serve(ctx context.Context, params *ServeParams, logger *log.Logger) error {
	cfg := scheduler.DefaultConfig()
	cfg.DeltaTick = time.Duration(params.DeltaTickMicros) * time.Microsecond
	cfg.PollTimeout = time.Duration(params.PollTimeoutMicro) * time.Microsecond

	arena := buffer.New(params.BufferSize)
	mb := mailbox.New(mailbox.Capacity)
	var disp midi.Dispatcher
	defer disp.Close()

	out, closeOut, err := openOutputs(params, logger)
	if err != nil {
		return err
	}
	defer closeOut()

	s := scheduler.New(mb, arena, out,
		scheduler.WithConfig(cfg),
		scheduler.WithLogger(logger),
		scheduler.WithDispatcher(&disp),
	)
	r := reassembly.New(arena, mb, reassembly.WithLogger(logger))

	var st *storage.Store
	if params.Store != "" {
		if st, err = storage.Mount(afero.NewOsFs(), params.Store, storage.WithLogger(logger)); err != nil {
			return err
		}
		defer st.Unmount()
		if params.Play != "" {
			n, err := storage.LoadStream(st, params.Play, arena)
			if err != nil {
				return err
			}
			mb.TrySend(mailbox.Control(mailbox.OpStart, n))
		}
	}

	srv, err := transport.ListenUDP(ctx, params.Addr, r, logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })
	g.Go(func() error { return s.Run(ctx) })

	if params.Monitor {
		v := monitor.NewVoices(params.Voices, monitor.SampleRate)
		g.Go(func() error {
			v.Follow(ctx, &disp)
			return nil
		})
		g.Go(func() error { return monitor.Play(ctx, v, logger) })
	}
	if st != nil {
		g.Go(func() error { return st.Watch(ctx) })
	}

	return g.Wait()
}

// openOutputs opens every requested output. With none requested, events are
// dropped.
func openOutputs(params *ServeParams, logger *log.Logger) (scheduler.Output, func(), error) {
	var outs output.Multi
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("closing output", "err", err)
			}
		}
	}
	if params.Serial != "" {
		s, err := output.OpenSerial(params.Serial)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("serial output", "device", params.Serial)
		outs = append(outs, s)
		closers = append(closers, s)
	}
	if params.Port != "" {
		p, err := output.OpenPort(params.Port)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		logger.Info("MIDI port output", "port", p)
		outs = append(outs, p)
		closers = append(closers, p)
	}
	if len(outs) == 0 {
		logger.Warn("no output selected, events are dropped")
		outs = append(outs, output.NewWriter(io.Discard))
	}
	return outs, closeAll, nil
}
