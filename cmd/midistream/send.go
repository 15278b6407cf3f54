package main

import (
	"context"
	"net"
	"time"

	"github.com/GiGurra/boa/pkg/boa"
	"github.com/spf13/cobra"

	"github.com/pfcm/midistream/transport"
)

type SendParams struct {
	File       string `pos:"true" optional:"true" help:"Standard MIDI File, or a raw stream with --raw."`
	Addr       string `optional:"true" help:"Address of the player." default:"127.0.0.1:5004"`
	Raw        bool   `optional:"true" help:"The file is already a delta-time stream." default:"false"`
	Track      int    `optional:"true" help:"Track to send, -1 for the first with notes." default:"-1"`
	TickMicros int64  `optional:"true" help:"Delta-time unit of the player in microseconds, 0 to keep file ticks." default:"1000"`
	PaceMillis int64  `optional:"true" help:"Gap between chunks in milliseconds." default:"2"`
	Stop       bool   `optional:"true" help:"Stop playback instead of sending a file." default:"false"`
	LogLevel   string `optional:"true" help:"debug, info, warn or error." default:"info"`
}

func sendCmd() *cobra.Command {
	return boa.CmdT[SendParams]{
		Use:         "send",
		Short:       "Send a MIDI file to a player",
		ParamEnrich: defaultParamEnricher(),
		RunFunc: func(params *SendParams, cmd *cobra.Command, args []string) {
			logger := newLogger(params.LogLevel)
			if err := send(interruptContext(), params); err != nil {
				fatal(logger, "send", err)
			}
			logger.Info("sent", "addr", params.Addr, "file", params.File, "stop", params.Stop)
		},
	}.ToCobra()
}

func send(ctx context.Context, params *SendParams) error {
	conn, err := net.Dial("udp", params.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if params.Stop || params.File == "" {
		_, err := conn.Write(transport.StopChunk())
		return err
	}
	stream, err := readStream(params.File, params.Raw, params.Track, time.Duration(params.TickMicros)*time.Microsecond)
	if err != nil {
		return err
	}
	return transport.Send(ctx, conn, stream, time.Duration(params.PaceMillis)*time.Millisecond)
}
