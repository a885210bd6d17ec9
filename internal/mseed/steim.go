package mseed

import "encoding/binary"

// Steim compression packs first differences into 64-byte frames of sixteen
// 32-bit words. Word 0 of each frame holds sixteen 2-bit nibbles describing
// the packing of the other words; words 1 and 2 of the first frame carry the
// forward (x0) and reverse (xn) integration constants. The reverse constant
// doubles as an integrity check: after accumulating all differences the last
// sample must equal xn.
const steimFrameSize = 64

func decodeSteim(data []byte, order binary.ByteOrder, numSamples, version int) ([]float64, error) {
	if len(data) < steimFrameSize {
		return nil, decodeErrf(MalformedHeader, "steim%d payload shorter than one frame", version)
	}

	var x0, xn int32
	diffs := make([]int32, 0, numSamples)

	for frame := 0; frame*steimFrameSize+steimFrameSize <= len(data) && len(diffs) < numSamples; frame++ {
		buf := data[frame*steimFrameSize : (frame+1)*steimFrameSize]
		nibbles := order.Uint32(buf[0:4])

		for w := 1; w < 16; w++ {
			word := buf[w*4 : w*4+4]
			nibble := (nibbles >> (2 * (15 - w))) & 0x3

			if frame == 0 && w == 1 {
				x0 = int32(order.Uint32(word))
				continue
			}
			if frame == 0 && w == 2 {
				xn = int32(order.Uint32(word))
				continue
			}

			switch nibble {
			case 0:
				// Non-data word (header or padding).
			case 1:
				// Four 8-bit differences in both Steim variants.
				for _, b := range word {
					diffs = append(diffs, int32(int8(b)))
				}
			case 2:
				d, err := steimNibble2(word, order, version)
				if err != nil {
					return nil, err
				}
				diffs = append(diffs, d...)
			case 3:
				d, err := steimNibble3(word, order, version)
				if err != nil {
					return nil, err
				}
				diffs = append(diffs, d...)
			}

			if len(diffs) >= numSamples {
				break
			}
		}
	}

	if len(diffs) < numSamples {
		return nil, decodeErrf(MalformedHeader, "steim%d: %d differences for %d samples", version, len(diffs), numSamples)
	}

	// Integrate. The first difference is redundant with x0 and is discarded.
	values := make([]float64, numSamples)
	current := x0
	values[0] = float64(current)
	for i := 1; i < numSamples; i++ {
		current += diffs[i]
		values[i] = float64(current)
	}

	if current != xn {
		return nil, decodeErrf(ChecksumMismatch, "steim%d reverse constant %d, decoded last sample %d", version, xn, current)
	}

	return values, nil
}

// steimNibble2 decodes a c=2 word: two 16-bit differences in Steim1, or a
// dnib-tagged word in Steim2.
func steimNibble2(word []byte, order binary.ByteOrder, version int) ([]int32, error) {
	if version == 1 {
		return []int32{
			int32(int16(order.Uint16(word[0:2]))),
			int32(int16(order.Uint16(word[2:4]))),
		}, nil
	}

	v := order.Uint32(word)
	switch dnib := v >> 30; dnib {
	case 1:
		return unpackDiffs(v, 1, 30), nil
	case 2:
		return unpackDiffs(v, 2, 15), nil
	case 3:
		return unpackDiffs(v, 3, 10), nil
	default:
		return nil, decodeErrf(MalformedHeader, "steim2: invalid dnib %d for c=2", dnib)
	}
}

// steimNibble3 decodes a c=3 word: one 32-bit difference in Steim1, or a
// dnib-tagged word in Steim2.
func steimNibble3(word []byte, order binary.ByteOrder, version int) ([]int32, error) {
	if version == 1 {
		return []int32{int32(order.Uint32(word))}, nil
	}

	v := order.Uint32(word)
	switch dnib := v >> 30; dnib {
	case 0:
		return unpackDiffs(v, 5, 6), nil
	case 1:
		return unpackDiffs(v, 6, 5), nil
	case 2:
		return unpackDiffs(v, 7, 4), nil
	default:
		return nil, decodeErrf(MalformedHeader, "steim2: invalid dnib %d for c=3", dnib)
	}
}

// unpackDiffs extracts count sign-extended fields of width bits from the low
// count*width bits of v, most significant field first.
func unpackDiffs(v uint32, count, width int) []int32 {
	out := make([]int32, count)
	mask := uint32(1)<<width - 1
	signBit := uint32(1) << (width - 1)

	for i := 0; i < count; i++ {
		shift := uint((count - 1 - i) * width)
		field := (v >> shift) & mask
		if field&signBit != 0 {
			field |= ^mask
		}
		out[i] = int32(field)
	}
	return out
}
