package midi

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// CV1MessageType is the type of a MIDI 1.0 channel voice message: the high 4
// bits of its status byte.
type CV1MessageType byte

const (
	CV1NoteOff = CV1MessageType(0x8 | byte(iota))
	CV1NoteOn
	CV1PolyPressure
	CV1ControlChange
	CV1ProgramChange
	CV1ChannelPressure
	CV1PitchBend
)

// cv1DataLen is the number of data bytes after the status byte, indexed by
// the low 3 bits of the type.
var cv1DataLen = [7]int{
	CV1NoteOff & 0x7:         2,
	CV1NoteOn & 0x7:          2,
	CV1PolyPressure & 0x7:    2,
	CV1ControlChange & 0x7:   2,
	CV1ProgramChange & 0x7:   1,
	CV1ChannelPressure & 0x7: 1,
	CV1PitchBend & 0x7:       2,
}

var cv1Names = [7]string{
	CV1NoteOff & 0x7:         "NoteOff",
	CV1NoteOn & 0x7:          "NoteOn",
	CV1PolyPressure & 0x7:    "Aftertouch",
	CV1ControlChange & 0x7:   "ControlChange",
	CV1ProgramChange & 0x7:   "ProgramChange",
	CV1ChannelPressure & 0x7: "ChannelPressure",
	CV1PitchBend & 0x7:       "PitchWheel",
}

// Valid reports whether t is one of the seven channel voice types.
func (t CV1MessageType) Valid() bool { return t >= CV1NoteOff && t <= CV1PitchBend }

// DataLen is the number of data bytes following the status byte.
func (t CV1MessageType) DataLen() int {
	if !t.Valid() {
		return 0
	}
	return cv1DataLen[t&0x7]
}

func (t CV1MessageType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("CV1MessageType(%#x)", byte(t))
	}
	return cv1Names[t&0x7]
}

// StatusMeta marks a meta event in a stream. Meta events never go out on the
// wire.
const StatusMeta = 0xFF

// statusRealtime is the first System Real-Time status. These never take part
// in running status.
const statusRealtime = 0xF8

// MetaType is the opcode byte following StatusMeta.
type MetaType byte

const (
	MetaSequenceNumber    MetaType = 0x00
	MetaText              MetaType = 0x01
	MetaCopyright         MetaType = 0x02
	MetaTrackName         MetaType = 0x03
	MetaInstrumentName    MetaType = 0x04
	MetaLyric             MetaType = 0x05
	MetaMarker            MetaType = 0x06
	MetaCuePoint          MetaType = 0x07
	MetaDeviceName        MetaType = 0x09
	MetaChannelPrefix     MetaType = 0x20
	MetaPort              MetaType = 0x21
	MetaEndOfTrack        MetaType = 0x2F
	MetaTempo             MetaType = 0x51
	MetaSMPTEOffset       MetaType = 0x54
	MetaTimeSignature     MetaType = 0x58
	MetaKeySignature      MetaType = 0x59
	MetaSequencerSpecific MetaType = 0x7F
)

var metaNames = map[MetaType]string{
	MetaSequenceNumber:    "SequenceNumber",
	MetaText:              "Text",
	MetaCopyright:         "Copyright",
	MetaTrackName:         "TrackName",
	MetaInstrumentName:    "InstrumentName",
	MetaLyric:             "Lyric",
	MetaMarker:            "Marker",
	MetaCuePoint:          "CuePoint",
	MetaDeviceName:        "DeviceName",
	MetaChannelPrefix:     "ChannelPrefix",
	MetaPort:              "Port",
	MetaEndOfTrack:        "EndOfTrack",
	MetaTempo:             "SetTempo",
	MetaSMPTEOffset:       "SMPTEOffset",
	MetaTimeSignature:     "TimeSignature",
	MetaKeySignature:      "KeySignature",
	MetaSequencerSpecific: "SequencerSpecific",
}

func (m MetaType) String() string {
	if s, ok := metaNames[m]; ok {
		return s
	}
	return fmt.Sprintf("MetaType(%#02x)", byte(m))
}

// skipped reports whether m is a meta event that playback steps over without
// any side effect.
func (m MetaType) skipped() bool {
	switch m {
	case MetaSequenceNumber, MetaText, MetaCopyright, MetaTrackName,
		MetaInstrumentName, MetaLyric, MetaMarker, MetaCuePoint,
		MetaDeviceName, MetaChannelPrefix, MetaPort,
		MetaSMPTEOffset, MetaTimeSignature, MetaKeySignature:
		return true
	}
	return false
}

// playable reports whether the decoder accepts meta events of type m.
func (m MetaType) playable() bool {
	return m.skipped() || m == MetaEndOfTrack || m == MetaTempo
}

// wideUnsigned is any unsigned integer that can hold more than one byte.
type wideUnsigned interface {
	constraints.Unsigned
	~uint16 | ~uint32 | ~uint64
}

// beUint assembles big-endian bytes into an unsigned integer. Bytes beyond
// the width of T fall off the top.
func beUint[T wideUnsigned](p []byte) T {
	var v T
	for _, b := range p {
		v = v<<8 | T(b)
	}
	return v
}
