package codec

import (
	"encoding/binary"
	"math"

	"github.com/pingcap/errors"
)

const (
	signMask uint64 = 0x8000000000000000

	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x0)
)

// Segment type tags. The tag byte leads every encoded segment, so keys
// mixing segment types still sort deterministically (nil < bytes < int <
// uint < float).
const (
	NilFlag   byte = 0x00
	BytesFlag byte = 0x01
	IntFlag   byte = 0x03
	UintFlag  byte = 0x04
	FloatFlag byte = 0x05
)

var pads = make([]byte, encGroupSize)

// EncodeBytes guarantees the encoded value is in ascending order for comparison,
// encoding with the following rule:
//  [group1][marker1]...[groupN][markerN]
//  group is 8 bytes slice which is padding with 0.
//  marker is `0xFF - padding 0 count`
// For example:
//   [] -> [0, 0, 0, 0, 0, 0, 0, 0, 247]
//   [1, 2, 3] -> [1, 2, 3, 0, 0, 0, 0, 0, 250]
//   [1, 2, 3, 0] -> [1, 2, 3, 0, 0, 0, 0, 0, 251]
//   [1, 2, 3, 4, 5, 6, 7, 8] -> [1, 2, 3, 4, 5, 6, 7, 8, 255, 0, 0, 0, 0, 0, 0, 0, 0, 247]
// Refer: https://github.com/facebook/mysql-5.6/wiki/MyRocks-record-format#memcomparable-format
func EncodeBytes(b []byte, data []byte) []byte {
	dLen := len(data)
	result := b
	for idx := 0; idx <= dLen; idx += encGroupSize {
		remain := dLen - idx
		padCount := 0
		if remain >= encGroupSize {
			result = append(result, data[idx:idx+encGroupSize]...)
		} else {
			padCount = encGroupSize - remain
			result = append(result, data[idx:]...)
			result = append(result, pads[:padCount]...)
		}

		marker := encMarker - byte(padCount)
		result = append(result, marker)
	}
	return result
}

// DecodeBytes decodes bytes which is encoded by EncodeBytes before,
// returns the leftover bytes and decoded value if no error.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}

		groupBytes := b[:encGroupSize+1]

		group := groupBytes[:encGroupSize]
		marker := groupBytes[encGroupSize]

		padCount := encMarker - marker
		if padCount > encGroupSize {
			return nil, nil, errors.Errorf("invalid marker byte, group bytes %q", groupBytes)
		}

		realGroupSize := encGroupSize - padCount
		data = append(data, group[:realGroupSize]...)
		b = b[encGroupSize+1:]

		if padCount != 0 {
			// Check validity of padding bytes.
			for _, v := range group[realGroupSize:] {
				if v != encPad {
					return nil, nil, errors.Errorf("invalid padding byte, group bytes %q", groupBytes)
				}
			}
			break
		}
	}
	return b, data, nil
}

// EncodeBytesSegment appends a tagged bytes segment to b.
func EncodeBytesSegment(b []byte, data []byte) []byte {
	return EncodeBytes(append(b, BytesFlag), data)
}

// EncodeIntSegment appends a tagged int64 segment to b. The sign bit is
// flipped so negative values sort before positive ones.
func EncodeIntSegment(b []byte, v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v)^signMask)
	return append(append(b, IntFlag), buf[:]...)
}

// EncodeUintSegment appends a tagged uint64 segment to b.
func EncodeUintSegment(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(append(b, UintFlag), buf[:]...)
}

// EncodeFloatSegment appends a tagged float64 segment to b. Non-negative
// floats get the sign bit set; negative floats have all bits flipped, which
// makes the big-endian image order-preserving.
func EncodeFloatSegment(b []byte, v float64) []byte {
	u := math.Float64bits(v)
	if v >= 0 {
		u |= signMask
	} else {
		u = ^u
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], u)
	return append(append(b, FloatFlag), buf[:]...)
}

// EncodeNilSegment appends the nil segment tag to b.
func EncodeNilSegment(b []byte) []byte {
	return append(b, NilFlag)
}

// DecodeSegment decodes the first segment of b and returns the leftover
// bytes, the segment tag and the decoded value (nil, []byte, int64, uint64
// or float64). Truncated or malformed input returns an error.
func DecodeSegment(b []byte) ([]byte, byte, interface{}, error) {
	if len(b) == 0 {
		return nil, 0, nil, errors.New("insufficient bytes to decode segment")
	}
	flag := b[0]
	b = b[1:]
	switch flag {
	case NilFlag:
		return b, flag, nil, nil
	case BytesFlag:
		rest, data, err := DecodeBytes(b)
		return rest, flag, data, errors.WithStack(err)
	case IntFlag:
		if len(b) < 8 {
			return nil, 0, nil, errors.New("insufficient bytes to decode int segment")
		}
		u := binary.BigEndian.Uint64(b[:8]) ^ signMask
		return b[8:], flag, int64(u), nil
	case UintFlag:
		if len(b) < 8 {
			return nil, 0, nil, errors.New("insufficient bytes to decode uint segment")
		}
		return b[8:], flag, binary.BigEndian.Uint64(b[:8]), nil
	case FloatFlag:
		if len(b) < 8 {
			return nil, 0, nil, errors.New("insufficient bytes to decode float segment")
		}
		u := binary.BigEndian.Uint64(b[:8])
		if u&signMask != 0 {
			u &= ^signMask
		} else {
			u = ^u
		}
		return b[8:], flag, math.Float64frombits(u), nil
	}
	return nil, 0, nil, errors.Errorf("invalid segment flag %d", flag)
}

// EncodeVersion appends an encoded commit version to an encoded key. The
// version is inverted so that when sorted, versions of one key are in
// descending order (newest first). The encoding is based on
// https://github.com/facebook/mysql-5.6/wiki/MyRocks-record-format#memcomparable-format.
func EncodeVersion(encodedKey []byte, ts uint64) []byte {
	newKey := append(encodedKey, make([]byte, 8)...)
	binary.BigEndian.PutUint64(newKey[len(newKey)-8:], ^ts)
	return newKey
}

// DecodeUserKey strips the version suffix from a versioned key.
func DecodeUserKey(key []byte) ([]byte, error) {
	if len(key) < 8 {
		return nil, errors.Errorf("versioned key too short: %d bytes", len(key))
	}
	return key[:len(key)-8], nil
}

// DecodeVersion extracts the commit version from a versioned key.
func DecodeVersion(key []byte) (uint64, error) {
	if len(key) < 8 {
		return 0, errors.Errorf("versioned key too short: %d bytes", len(key))
	}
	return ^binary.BigEndian.Uint64(key[len(key)-8:]), nil
}
