package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/GiGurra/boa/pkg/boa"
	"github.com/spf13/cobra"
	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/pfcm/midistream/midi"
	"github.com/pfcm/midistream/output"
)

type DumpParams struct {
	File       string `pos:"true" required:"true" help:"Standard MIDI File, or a raw stream with --raw."`
	Raw        bool   `optional:"true" help:"The file is already a delta-time stream." default:"false"`
	Track      int    `optional:"true" help:"Track to dump, -1 for the first with notes." default:"-1"`
	TickMicros int64  `optional:"true" help:"Delta-time unit in microseconds, 0 to keep file ticks." default:"1000"`
	LogLevel   string `optional:"true" help:"debug, info, warn or error." default:"info"`
}

func dumpCmd() *cobra.Command {
	return boa.CmdT[DumpParams]{
		Use:         "dump",
		Short:       "Print the events of a stream as the player decodes them",
		ParamEnrich: defaultParamEnricher(),
		RunFunc: func(params *DumpParams, cmd *cobra.Command, args []string) {
			logger := newLogger(params.LogLevel)
			stream, err := readStream(params.File, params.Raw, params.Track, time.Duration(params.TickMicros)*time.Microsecond)
			if err != nil {
				fatal(logger, "read", err)
			}
			dec := midi.NewDecoder(midi.Bytes(stream))
			for {
				ev, err := dec.Next()
				if errors.Is(err, midi.ErrShortBuffer) {
					logger.Warn("stream ends without End-Of-Track", "offset", dec.Cursor().Offset)
					return
				}
				if err != nil {
					fatal(logger, "decode", err)
				}
				fmt.Printf("%08x  %v\n", ev.Offset, ev)
				if ev.End() {
					return
				}
			}
		},
	}.ToCobra()
}

func portsCmd() *cobra.Command {
	return boa.CmdT[boa.NoParams]{
		Use:   "ports",
		Short: "List MIDI outputs and serial devices",
		RunFunc: func(params *boa.NoParams, cmd *cobra.Command, args []string) {
			defer gomidi.CloseDriver()
			fmt.Println("MIDI outputs:")
			for _, p := range output.Ports() {
				fmt.Printf("  %s\n", p)
			}
			fmt.Println("serial devices:")
			ports, err := output.SerialPorts()
			if err != nil {
				fmt.Printf("  %v\n", err)
			}
			for _, p := range ports {
				fmt.Printf("  %s\n", p)
			}
		},
	}.ToCobra()
}
