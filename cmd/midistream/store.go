package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/GiGurra/boa/pkg/boa"
	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/pfcm/midistream/storage"
)

type StoreParams struct {
	File       string `pos:"true" required:"true" help:"Standard MIDI File, or a raw stream with --raw."`
	Dir        string `optional:"true" help:"Directory holding stored streams." default:"./streams"`
	Name       string `optional:"true" help:"Name to store under, defaults to the file's base name."`
	Raw        bool   `optional:"true" help:"The file is already a delta-time stream." default:"false"`
	Track      int    `optional:"true" help:"Track to store, -1 for the first with notes." default:"-1"`
	TickMicros int64  `optional:"true" help:"Delta-time unit of the player in microseconds, 0 to keep file ticks." default:"1000"`
	LogLevel   string `optional:"true" help:"debug, info, warn or error." default:"info"`
}

func storeCmd() *cobra.Command {
	return boa.CmdT[StoreParams]{
		Use:         "store",
		Short:       "Convert a MIDI file and keep it in the stream store",
		ParamEnrich: defaultParamEnricher(),
		RunFunc: func(params *StoreParams, cmd *cobra.Command, args []string) {
			logger := newLogger(params.LogLevel)
			st, err := mount(params.Dir, logger)
			if err != nil {
				fatal(logger, "mount", err)
			}
			defer st.Unmount()

			stream, err := readStream(params.File, params.Raw, params.Track, time.Duration(params.TickMicros)*time.Microsecond)
			if err != nil {
				fatal(logger, "read", err)
			}
			name := params.Name
			if name == "" {
				name = storeName(params.File)
			}
			if err := storage.Save(st, name, stream); err != nil {
				fatal(logger, "store", err)
			}
			logger.Info("stored", "name", name, "bytes", len(stream))
		},
	}.ToCobra()
}

type LsParams struct {
	Dir      string `optional:"true" help:"Directory holding stored streams." default:"./streams"`
	LogLevel string `optional:"true" help:"debug, info, warn or error." default:"warn"`
}

func lsCmd() *cobra.Command {
	return boa.CmdT[LsParams]{
		Use:         "ls",
		Short:       "List stored streams",
		ParamEnrich: defaultParamEnricher(),
		RunFunc: func(params *LsParams, cmd *cobra.Command, args []string) {
			logger := newLogger(params.LogLevel)
			st, err := mount(params.Dir, logger)
			if err != nil {
				fatal(logger, "mount", err)
			}
			defer st.Unmount()

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, f := range st.Files() {
				fmt.Fprintf(tw, "%s\t%d\n", f.Name, f.Size)
			}
			used, capacity := st.Usage()
			fmt.Fprintf(tw, "\t%d/%d bytes used\n", used, capacity)
			tw.Flush()
		},
	}.ToCobra()
}

type RmParams struct {
	Name     string `pos:"true" required:"true" help:"Stored stream to delete."`
	Dir      string `optional:"true" help:"Directory holding stored streams." default:"./streams"`
	LogLevel string `optional:"true" help:"debug, info, warn or error." default:"info"`
}

func rmCmd() *cobra.Command {
	return boa.CmdT[RmParams]{
		Use:         "rm",
		Short:       "Delete a stored stream",
		ParamEnrich: defaultParamEnricher(),
		RunFunc: func(params *RmParams, cmd *cobra.Command, args []string) {
			logger := newLogger(params.LogLevel)
			st, err := mount(params.Dir, logger)
			if err != nil {
				fatal(logger, "mount", err)
			}
			defer st.Unmount()
			if err := st.Delete(params.Name); err != nil {
				fatal(logger, "delete", err)
			}
		},
	}.ToCobra()
}

func mount(dir string, logger *log.Logger) (*storage.Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return storage.Mount(afero.NewOsFs(), dir, storage.WithLogger(logger))
}
