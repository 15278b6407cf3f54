// command midistream receives MIDI streams over the network and plays them
// out of a serial MIDI port or a system MIDI output.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/GiGurra/boa/pkg/boa"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/pfcm/midistream/midi"
	"github.com/pfcm/midistream/storage"
)

func main() {
	boa.CmdT[boa.NoParams]{
		Use:   "midistream",
		Short: "Stream MIDI files to hardware in real time",
		SubCmds: []*cobra.Command{
			serveCmd(),
			sendCmd(),
			storeCmd(),
			lsCmd(),
			rmCmd(),
			dumpCmd(),
			portsCmd(),
		},
	}.Run()
}

func defaultParamEnricher() boa.ParamEnricher {
	return boa.ParamEnricherCombine(
		boa.ParamEnricherBool,
		boa.ParamEnricherName,
		boa.ParamEnricherShort,
	)
}

func interruptContext() context.Context {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ctx
}

func newLogger(level string) *log.Logger {
	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		l.Warn("unknown log level, using info", "level", level)
		lvl = log.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

func fatal(logger *log.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}

// readStream loads a file as a playable stream. Standard MIDI Files are
// flattened to one track, anything else must already be a raw stream.
func readStream(path string, raw bool, track int, tick time.Duration) ([]byte, error) {
	if raw {
		return os.ReadFile(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p, err := midi.TrackStream(f, midi.StreamOptions{Track: track, Tick: tick})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// storeName derives a store file name from a path.
func storeName(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if r := []rune(name); len(r) > storage.MaxNameLen {
		name = string(r[:storage.MaxNameLen])
	}
	return name
}
