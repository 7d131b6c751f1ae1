package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	MagicNumber = 0x52

	// Key: [key 8B] or [key 8B][time hint 8B]. Value: tuple.
	OpIngest = 0x01
	// Key: [left 8B][right 8B]. Value: empty or [start 8B][end 8B].
	OpQuery = 0x02
	// Key: [lower 8B][upper 8B]. Value: [start 8B][end 8B].
	OpClean = 0x03
	// No payload. Response value is JSON.
	OpDomains = 0x04
	// Key: [lonLow][lonHigh][latLow][latHigh] as float64. Value: as OpQuery.
	OpQueryBox = 0x05

	RespOK  = 0x00
	RespErr = 0xFF
	RespVal = 0x01
)

var (
	ErrInvalidMagic = errors.New("invalid magic number")
	ErrShortPayload = errors.New("short payload")
)

type Packet struct {
	Op    byte
	Key   []byte
	Value []byte
}

// checkFrame rejects lengths the header fields cannot carry.
func checkFrame(keyLen, valueLen int) error {
	if keyLen > math.MaxUint16 {
		return fmt.Errorf("key of %d bytes exceeds frame limit", keyLen)
	}
	if uint64(valueLen) > math.MaxUint32 {
		return fmt.Errorf("value of %d bytes exceeds frame limit", valueLen)
	}
	return nil
}

func Encode(w io.Writer, op byte, key []byte, value []byte) error {
	if err := checkFrame(len(key), len(value)); err != nil {
		return err
	}
	header := make([]byte, 8)
	header[0] = MagicNumber
	header[1] = op
	binary.BigEndian.PutUint16(header[2:4], uint16(len(key)))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(value)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(key) > 0 {
		if _, err := w.Write(key); err != nil {
			return err
		}
	}
	if len(value) > 0 {
		if _, err := w.Write(value); err != nil {
			return err
		}
	}
	return nil
}

func Decode(r io.Reader) (*Packet, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	if header[0] != MagicNumber {
		return nil, ErrInvalidMagic
	}

	op := header[1]
	kLen := binary.BigEndian.Uint16(header[2:4])
	vLen := binary.BigEndian.Uint32(header[4:8])

	key := make([]byte, kLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}

	val := make([]byte, vLen)
	if _, err := io.ReadFull(r, val); err != nil {
		return nil, err
	}

	return &Packet{Op: op, Key: key, Value: val}, nil
}

// PutInt64s packs vs big endian, 8 bytes each.
func PutInt64s(vs ...int64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint64(b[8*i:], uint64(v))
	}
	return b
}

// Int64s unpacks n big endian int64s from the front of b.
func Int64s(b []byte, n int) ([]int64, error) {
	if len(b) < 8*n {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrShortPayload, 8*n, len(b))
	}
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(binary.BigEndian.Uint64(b[8*i:]))
	}
	return out, nil
}

func PutFloat64s(vs ...float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return b
}

func Float64s(b []byte, n int) ([]float64, error) {
	if len(b) < 8*n {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrShortPayload, 8*n, len(b))
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.BigEndian.Uint64(b[8*i:]))
	}
	return out, nil
}

// [Count 4B] + ([Len 4B] + [Tuple Bytes]) * Count
func EncodeTuples(tuples [][]byte) []byte {
	n := 4
	for _, tp := range tuples {
		n += 4 + len(tp)
	}
	buf := bytes.NewBuffer(make([]byte, 0, n))
	binary.Write(buf, binary.BigEndian, uint32(len(tuples)))
	for _, tp := range tuples {
		binary.Write(buf, binary.BigEndian, uint32(len(tp)))
		buf.Write(tp)
	}
	return buf.Bytes()
}

func DecodeTuples(data []byte) ([][]byte, error) {
	buf := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(buf, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	if int64(count)*4 > int64(buf.Len()) {
		return nil, fmt.Errorf("%w: %d tuples announced", ErrShortPayload, count)
	}

	tuples := make([][]byte, count)
	for i := range tuples {
		var n uint32
		if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		if int64(n) > int64(buf.Len()) {
			return nil, fmt.Errorf("%w: tuple %d announces %d bytes", ErrShortPayload, i, n)
		}
		tp := make([]byte, n)
		if _, err := io.ReadFull(buf, tp); err != nil {
			return nil, err
		}
		tuples[i] = tp
	}
	return tuples, nil
}
