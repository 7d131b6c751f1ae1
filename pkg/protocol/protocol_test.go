package protocol

import (
	"bytes"
	"errors"
	"io"
	"math"
	"strconv"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	buf := new(bytes.Buffer)
	key := PutInt64s(1000, 1_700_000_000_000)
	val := []byte("hello")

	if err := Encode(buf, OpIngest, key, val); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	pkg, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if pkg.Op != OpIngest {
		t.Errorf("got op %v, want %v", pkg.Op, OpIngest)
	}
	if !bytes.Equal(pkg.Key, key) {
		t.Errorf("key mismatch: got %v", pkg.Key)
	}
	if !bytes.Equal(pkg.Value, val) {
		t.Errorf("value mismatch: got %q", string(pkg.Value))
	}

	vs, err := Int64s(pkg.Key, 2)
	if err != nil || vs[0] != 1000 || vs[1] != 1_700_000_000_000 {
		t.Errorf("int64 payload: %v %v", vs, err)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, OpIngest, 0, 8, 0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'})
	_, err := Decode(buf)
	if !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("expected invalid magic error, got %v", err)
	}
}

func TestEncodeDecodeEmptyKeyValue(t *testing.T) {
	buf := new(bytes.Buffer)
	if err := Encode(buf, OpDomains, nil, nil); err != nil {
		t.Fatalf("Encode empty failed: %v", err)
	}
	pkg, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if pkg.Op != OpDomains || len(pkg.Key) != 0 || len(pkg.Value) != 0 {
		t.Errorf("unexpected result: %+v", pkg)
	}
}

func TestRoundtripAllOps(t *testing.T) {
	ops := []byte{OpIngest, OpQuery, OpClean, OpDomains, OpQueryBox}
	key := PutInt64s(-5, 5)
	val := []byte("test-value")

	for _, op := range ops {
		buf := new(bytes.Buffer)
		if err := Encode(buf, op, key, val); err != nil {
			t.Errorf("Encode op %v failed: %v", op, err)
			continue
		}
		pkg, err := Decode(buf)
		if err != nil {
			t.Errorf("Decode op %v failed: %v", op, err)
			continue
		}
		if pkg.Op != op {
			t.Errorf("op %v: got %v", op, pkg.Op)
		}
	}
}

func TestDecodeIncompleteHeader(t *testing.T) {
	r := bytes.NewReader([]byte{MagicNumber, OpIngest}) // only 2 bytes
	_, err := Decode(r)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected unexpected EOF for incomplete header, got %v", err)
	}
}

func TestShortPayloads(t *testing.T) {
	if _, err := Int64s([]byte{1, 2, 3}, 1); !errors.Is(err, ErrShortPayload) {
		t.Errorf("Int64s: got %v", err)
	}
	if _, err := Float64s(PutFloat64s(1, 2), 4); !errors.Is(err, ErrShortPayload) {
		t.Errorf("Float64s: got %v", err)
	}
	if _, err := DecodeTuples([]byte{0, 0, 0, 9}); !errors.Is(err, ErrShortPayload) {
		t.Errorf("DecodeTuples: got %v", err)
	}
}

func TestDecodeTuplesRejectsOversizedLength(t *testing.T) {
	// one tuple announcing ~4 GiB with nothing behind it
	data := []byte{0, 0, 0, 1, 0xFF, 0xFF, 0xFF, 0xF0}
	if _, err := DecodeTuples(data); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}

	data = EncodeTuples([][]byte{[]byte("ok")})
	data[3] = 2
	data = append(data, 0, 0, 0x10, 0)
	if _, err := DecodeTuples(data); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("second tuple: expected ErrShortPayload, got %v", err)
	}
}

func TestFrameLimits(t *testing.T) {
	if err := checkFrame(math.MaxUint16, 1024); err != nil {
		t.Fatalf("largest key rejected: %v", err)
	}
	if err := checkFrame(math.MaxUint16+1, 0); err == nil {
		t.Fatal("oversized key accepted")
	}
	if strconv.IntSize < 64 {
		return
	}
	n := uint64(math.MaxUint32)
	if err := checkFrame(0, int(n)); err != nil {
		t.Fatalf("largest value rejected: %v", err)
	}
	n++
	if err := checkFrame(0, int(n)); err == nil {
		t.Fatal("value over 4 GiB accepted")
	}
}

func TestTuplesRoundtrip(t *testing.T) {
	in := [][]byte{[]byte("a"), {}, []byte("tuple-three")}
	out, err := DecodeTuples(EncodeTuples(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d tuples", len(out))
	}
	for i := range in {
		if !bytes.Equal(in[i], out[i]) {
			t.Errorf("tuple %d: got %q want %q", i, out[i], in[i])
		}
	}

	fs, err := Float64s(PutFloat64s(116.25, 39.9), 2)
	if err != nil || fs[0] != 116.25 || fs[1] != 39.9 {
		t.Errorf("floats: %v %v", fs, err)
	}
}
