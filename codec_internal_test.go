package rmarshal

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

// The signed-long codec is the substrate every length and fixnum rides
// on; encode/decode must be the identity over the full 32-bit range.
func TestLongRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.Int32().Draw(t, "n")

		var d dumpState
		d.long(int64(n))

		s := loadState{data: d.buf}
		got, err := s.long()
		if err != nil {
			t.Fatalf("long(%d): %+v", n, err)
		}
		if got != int(n) {
			t.Fatalf("long round trip: %d != %d", got, n)
		}
		if s.pos != len(d.buf) {
			t.Fatalf("long(%d) left %d unread bytes", n, len(d.buf)-s.pos)
		}
	})
}

func TestLongBoundaryEncodings(t *testing.T) {
	for _, tc := range []struct {
		n   int32
		enc []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x06}},
		{122, []byte{0x7f}},
		{123, []byte{0x01, 0x7b}},
		{-1, []byte{0xfa}},
		{-123, []byte{0x80}},
		{-124, []byte{0xff, 0x84}},
		{255, []byte{0x01, 0xff}},
		{256, []byte{0x02, 0x00, 0x01}},
		{-256, []byte{0xff, 0x00}},
		{-257, []byte{0xfe, 0xff, 0xfe}},
		{math.MaxInt32, []byte{0x04, 0xff, 0xff, 0xff, 0x7f}},
		{math.MinInt32, []byte{0xfc, 0x00, 0x00, 0x00, 0x80}},
	} {
		var d dumpState
		d.long(int64(tc.n))
		if string(d.buf) != string(tc.enc) {
			t.Errorf("long(%d) = % x, want % x", tc.n, d.buf, tc.enc)
		}
	}
}

// Dumping symbols must intern: n occurrences of one name produce one
// full ':' record and n-1 ';' links to it.
func TestSymbolInterningProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 40).Draw(t, "n")

		arr := make([]any, n)
		for i := range arr {
			arr[i] = "__symbol__aaa"
		}
		raw, err := Dump(arr)
		if err != nil {
			t.Fatalf("Dump: %+v", err)
		}

		var full, links int
		for _, b := range raw {
			switch b {
			case tagSymbol:
				full++
			case tagSymlink:
				links++
			}
		}
		if full != 1 || links != n-1 {
			t.Fatalf("%d symbols dumped as %d ':' and %d ';' records", n, full, links)
		}
	})
}

func TestFloatRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := rapid.Float64().Draw(t, "f")
		if math.IsNaN(f) || math.IsInf(f, 0) {
			// Non-finite floats surface as typed objects, not numbers.
			return
		}

		raw, err := Dump(f)
		if err != nil {
			t.Fatalf("Dump(%v): %+v", f, err)
		}
		got, err := Load(raw)
		if err != nil {
			t.Fatalf("Load: %+v", err)
		}
		if got != any(f) {
			t.Fatalf("float round trip: %v != %v", got, f)
		}
	})
}

func TestFixnumRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.Int32().Draw(t, "n")

		raw, err := Dump(int64(n))
		if err != nil {
			t.Fatalf("Dump(%d): %+v", n, err)
		}
		got, err := Load(raw)
		if err != nil {
			t.Fatalf("Load: %+v", err)
		}
		if got != any(int64(n)) {
			t.Fatalf("fixnum round trip: %v != %d", got, n)
		}
	})
}

func TestDumpStabilityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		arr := rapid.SliceOfN(rapid.OneOf(
			rapid.Int64().AsAny(),
			rapid.Float64().AsAny(),
			rapid.String().AsAny(),
			rapid.Bool().AsAny(),
		), 0, 16).Draw(t, "arr")

		first, err := Dump(arr)
		if err != nil {
			t.Fatalf("Dump: %+v", err)
		}
		second, err := Dump(arr)
		if err != nil {
			t.Fatalf("Dump: %+v", err)
		}
		if string(first) != string(second) {
			t.Fatal("two dumps of the same tree differ")
		}
	})
}
