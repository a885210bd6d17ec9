// Package mseed decodes 512-byte miniSEED data records into typed traces.
//
// Decoding is a pure, stateless transform. Bad records from a live feed are
// expected: every failure mode is reported as a DecodeError and never a
// panic, so the pipeline can log, drop, and keep going.
package mseed

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrorKind classifies decode failures.
type ErrorKind int

const (
	// MalformedHeader covers short records, implausible header fields, and
	// broken blockette chains.
	MalformedHeader ErrorKind = iota

	// UnsupportedEncoding means the record declares a sample encoding this
	// decoder does not implement.
	UnsupportedEncoding

	// ChecksumMismatch means the Steim reverse integration constant does
	// not match the decoded series, indicating payload corruption.
	ChecksumMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedHeader:
		return "malformed header"
	case UnsupportedEncoding:
		return "unsupported encoding"
	case ChecksumMismatch:
		return "checksum mismatch"
	default:
		return "unknown"
	}
}

// DecodeError is the only error type Decode returns.
type DecodeError struct {
	Kind   ErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("mseed decode: %s: %s", e.Kind, e.Detail)
}

func decodeErrf(kind ErrorKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Trace is one decoded record: a contiguous run of samples for one channel.
type Trace struct {
	Network  string
	Station  string
	Location string
	Channel  string

	Start      time.Time
	SampleRate float64 // Hz
	RecordSeq  uint32  // record sequence number from the header
	Values     []float64
}

// ChannelID returns the dotted stream identifier "NET.STA.LOC.CHA".
func (t *Trace) ChannelID() string {
	return strings.Join([]string{t.Network, t.Station, t.Location, t.Channel}, ".")
}

// End returns the timestamp of the last sample.
func (t *Trace) End() time.Time {
	if len(t.Values) == 0 || t.SampleRate <= 0 {
		return t.Start
	}
	return t.Start.Add(sampleInterval(t.SampleRate) * time.Duration(len(t.Values)-1))
}

// SampleTime returns the timestamp of sample i.
func (t *Trace) SampleTime(i int) time.Time {
	return t.Start.Add(sampleInterval(t.SampleRate) * time.Duration(i))
}

func sampleInterval(rate float64) time.Duration {
	return time.Duration(float64(time.Second) / rate)
}

// Resample decimates the trace to targetHz by averaging fixed-size sample
// groups. Rates at or below the target, and non-integer ratios, leave the
// trace untouched.
func (t *Trace) Resample(targetHz float64) {
	if targetHz <= 0 || t.SampleRate <= targetHz {
		return
	}
	ratio := t.SampleRate / targetHz
	step := int(ratio)
	if float64(step) != ratio || step < 2 {
		return
	}

	out := make([]float64, 0, len(t.Values)/step)
	for i := 0; i+step <= len(t.Values); i += step {
		var sum float64
		for _, v := range t.Values[i : i+step] {
			sum += v
		}
		out = append(out, sum/float64(step))
	}
	t.Values = out
	t.SampleRate = targetHz
}

// Fixed header layout (SEED 2.4, 48 bytes).
const (
	fixedHeaderSize = 48
	recordSize      = 512

	// Sample encodings from blockette 1000.
	encInt16   = 1
	encInt32   = 3
	encFloat32 = 4
	encFloat64 = 5
	encSteim1  = 10
	encSteim2  = 11
)

// Decode parses one 512-byte miniSEED record.
func Decode(payload []byte) (*Trace, error) {
	if len(payload) < fixedHeaderSize {
		return nil, decodeErrf(MalformedHeader, "record too short: %d bytes", len(payload))
	}

	switch payload[6] {
	case 'D', 'R', 'Q', 'M':
	default:
		return nil, decodeErrf(MalformedHeader, "bad quality indicator %q", payload[6])
	}

	order, err := detectByteOrder(payload)
	if err != nil {
		return nil, err
	}

	var recSeq uint32
	for _, c := range payload[0:6] {
		if c < '0' || c > '9' {
			// Space-padded sequence numbers appear in some writers.
			if c == ' ' {
				continue
			}
			return nil, decodeErrf(MalformedHeader, "non-numeric record sequence %q", payload[0:6])
		}
		recSeq = recSeq*10 + uint32(c-'0')
	}

	tr := &Trace{
		Station:   strings.TrimSpace(string(payload[8:13])),
		Location:  strings.TrimSpace(string(payload[13:15])),
		Channel:   strings.TrimSpace(string(payload[15:18])),
		Network:   strings.TrimSpace(string(payload[18:20])),
		RecordSeq: recSeq,
	}

	tr.Start, err = decodeStartTime(payload, order)
	if err != nil {
		return nil, err
	}

	numSamples := int(order.Uint16(payload[30:32]))
	tr.SampleRate = decodeSampleRate(
		int16(order.Uint16(payload[32:34])),
		int16(order.Uint16(payload[34:36])),
	)
	if tr.SampleRate <= 0 && numSamples > 0 {
		return nil, decodeErrf(MalformedHeader, "non-positive sample rate with %d samples", numSamples)
	}

	dataOffset := int(order.Uint16(payload[44:46]))
	encoding, err := findEncoding(payload, order)
	if err != nil {
		return nil, err
	}

	if numSamples == 0 {
		return tr, nil
	}
	if dataOffset < fixedHeaderSize || dataOffset >= len(payload) {
		return nil, decodeErrf(MalformedHeader, "data offset %d out of range", dataOffset)
	}

	data := payload[dataOffset:]
	tr.Values, err = decodeSamples(data, order, encoding, numSamples)
	if err != nil {
		return nil, err
	}

	return tr, nil
}

// detectByteOrder applies the standard year-plausibility heuristic: the
// header's own byte order is not declared anywhere readable without already
// knowing it.
func detectByteOrder(payload []byte) (binary.ByteOrder, error) {
	for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		year := order.Uint16(payload[20:22])
		doy := order.Uint16(payload[22:24])
		if year >= 1900 && year <= 2100 && doy >= 1 && doy <= 366 {
			return order, nil
		}
	}
	return nil, decodeErrf(MalformedHeader, "implausible start time in either byte order")
}

// decodeStartTime parses the BTIME start field and applies the header time
// correction unless the activity flags mark it as already applied.
func decodeStartTime(payload []byte, order binary.ByteOrder) (time.Time, error) {
	year := int(order.Uint16(payload[20:22]))
	doy := int(order.Uint16(payload[22:24]))
	hour := int(payload[24])
	minute := int(payload[25])
	sec := int(payload[26])
	fract := int(order.Uint16(payload[28:30])) // 0.1 ms units

	if hour > 23 || minute > 59 || sec > 60 || fract > 9999 {
		return time.Time{}, decodeErrf(MalformedHeader, "invalid start time %02d:%02d:%02d.%04d", hour, minute, sec, fract)
	}

	start := time.Date(year, time.January, 1, hour, minute, sec, fract*100_000, time.UTC).
		AddDate(0, 0, doy-1)

	const correctionApplied = 0x02
	if payload[36]&correctionApplied == 0 {
		correction := int32(order.Uint32(payload[40:44])) // 0.1 ms units
		start = start.Add(time.Duration(correction) * 100 * time.Microsecond)
	}
	return start, nil
}

// decodeSampleRate combines the factor/multiplier pair per SEED convention.
func decodeSampleRate(factor, mult int16) float64 {
	f, m := float64(factor), float64(mult)
	switch {
	case factor > 0 && mult > 0:
		return f * m
	case factor > 0 && mult < 0:
		return -f / m
	case factor < 0 && mult > 0:
		return -m / f
	case factor < 0 && mult < 0:
		return 1 / (f * m)
	default:
		return 0
	}
}

// findEncoding walks the blockette chain for blockette 1000 and returns the
// declared sample encoding.
func findEncoding(payload []byte, order binary.ByteOrder) (int, error) {
	offset := int(order.Uint16(payload[46:48]))
	for i := 0; offset != 0; i++ {
		if i > 16 {
			return 0, decodeErrf(MalformedHeader, "blockette chain too long")
		}
		if offset < fixedHeaderSize || offset+4 > len(payload) {
			return 0, decodeErrf(MalformedHeader, "blockette offset %d out of range", offset)
		}
		blocketteType := int(order.Uint16(payload[offset : offset+2]))
		next := int(order.Uint16(payload[offset+2 : offset+4]))

		if blocketteType == 1000 {
			if offset+7 > len(payload) {
				return 0, decodeErrf(MalformedHeader, "truncated blockette 1000")
			}
			return int(payload[offset+4]), nil
		}

		if next != 0 && next <= offset {
			return 0, decodeErrf(MalformedHeader, "blockette chain loops at offset %d", next)
		}
		offset = next
	}
	return 0, decodeErrf(MalformedHeader, "no blockette 1000 present")
}

// decodeSamples dispatches on the declared encoding.
func decodeSamples(data []byte, order binary.ByteOrder, encoding, numSamples int) ([]float64, error) {
	switch encoding {
	case encInt16:
		return decodeFixed(data, numSamples, 2, func(b []byte) float64 {
			return float64(int16(order.Uint16(b)))
		})
	case encInt32:
		return decodeFixed(data, numSamples, 4, func(b []byte) float64 {
			return float64(int32(order.Uint32(b)))
		})
	case encFloat32:
		return decodeFixed(data, numSamples, 4, func(b []byte) float64 {
			return float64(math.Float32frombits(order.Uint32(b)))
		})
	case encFloat64:
		return decodeFixed(data, numSamples, 8, func(b []byte) float64 {
			return math.Float64frombits(order.Uint64(b))
		})
	case encSteim1:
		return decodeSteim(data, order, numSamples, 1)
	case encSteim2:
		return decodeSteim(data, order, numSamples, 2)
	default:
		return nil, decodeErrf(UnsupportedEncoding, "encoding code %d", encoding)
	}
}

func decodeFixed(data []byte, numSamples, width int, conv func([]byte) float64) ([]float64, error) {
	if len(data) < numSamples*width {
		return nil, decodeErrf(MalformedHeader, "payload too short for %d samples of width %d", numSamples, width)
	}
	values := make([]float64, numSamples)
	for i := range values {
		values[i] = conv(data[i*width : (i+1)*width])
	}
	return values, nil
}
