package rmarshal_test

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	rmarshal "github.com/savannstm/go-marshal"
	"github.com/savannstm/go-marshal/value"
)

func expectDump(t *testing.T, v any, raw string) {
	t.Helper()
	got, err := rmarshal.Dump(v)
	if err != nil {
		t.Fatalf("Dump: %+v", err)
	}
	want := mustHex(t, raw)
	if !bytes.Equal(got, want) {
		t.Fatalf("stream mismatch:\ngot:\n%swant:\n%s", hex.Dump(got), hex.Dump(want))
	}
}

func TestDump(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   any
		raw  string
	}{
		{"nil", nil, "04 08 30"},
		{"true", true, "04 08 54"},
		{"false", false, "04 08 46"},

		{"fixnum zero", int64(0), "04 08 69 00"},
		{"fixnum one", int64(1), "04 08 69 06"},
		{"fixnum from int", 1, "04 08 69 06"},
		{"fixnum minus one", int64(-1), "04 08 69 fa"},
		{"fixnum packed max", int64(122), "04 08 69 7f"},
		{"fixnum packed min", int64(-123), "04 08 69 80"},
		{"fixnum two bytes", int64(1000), "04 08 69 02 e8 03"},
		{"fixnum negative two bytes", int64(-1000), "04 08 69 fe 18 fc"},
		{"fixnum max int32", int64(1<<31 - 1), "04 08 69 04 ff ff ff 7f"},
		{"fixnum min int32", int64(-1 << 31), "04 08 69 fc 00 00 00 80"},

		{"int64 overflow becomes bignum", int64(1) << 32, "04 08 6c 2b 08 00 00 00 00 01 00"},
		{"negative int64 overflow", -(int64(1) << 32), "04 08 6c 2d 08 00 00 00 00 01 00"},

		{"float", 1.25, "04 08 66 09 31 2e 32 35"},
		{"float negative", -0.5, "04 08 66 09 2d 30 2e 35"},
		{"float inf token", obj(value.KeyType, value.TypeFloat, value.KeyValue, "inf"),
			"04 08 66 08 69 6e 66"},
		{"float nan token", obj(value.KeyType, value.TypeFloat, value.KeyValue, "nan"),
			"04 08 66 08 6e 61 6e"},

		{"bigint object", obj(value.KeyType, value.TypeBigInt, value.KeyValue, "65536"),
			"04 08 6c 2b 07 00 00 01 00"},
		{"bigint negative", obj(value.KeyType, value.TypeBigInt, value.KeyValue, "-1"),
			"04 08 6c 2d 06 01 00"},

		{"string", "h", "04 08 49 22 06 68 06 3a 06 45 54"},
		{"bytes object", value.Bytes{0xff, 0xfe}, "04 08 49 22 07 ff fe 00"},
		{"bytes typed object",
			obj(value.KeyType, value.TypeBytes, value.KeyBytesData, value.Bytes{104}),
			"04 08 49 22 06 68 00"},
		{"bytes typed object from json numbers",
			obj(value.KeyType, value.TypeBytes, value.KeyBytesData, []any{float64(104)}),
			"04 08 49 22 06 68 00"},

		{"symbol", "__symbol__a", "04 08 3a 06 61"},
		{"symbol array interned", []any{"__symbol__a", "__symbol__a"},
			"04 08 5b 07 3a 06 61 3b 00"},

		{"array empty", []any{}, "04 08 5b 00"},
		{"array nested", []any{int64(1), []any{nil}}, "04 08 5b 07 69 06 5b 06 30"},

		{"hash integer key", obj(value.IntegerKey(1), nil), "04 08 7b 06 69 06 30"},
		{"hash float key", obj(value.FloatKey(1.5), true), "04 08 7b 06 66 08 31 2e 35 54"},
		{"hash float inf key", obj(value.FloatPrefix+"inf", nil), "04 08 7b 06 66 08 69 6e 66 30"},
		{"hash symbol key", obj("__symbol__a", int64(1)), "04 08 7b 06 3a 06 61 69 06"},
		{"hash string key", obj("k", int64(1)),
			"04 08 7b 06 49 22 06 6b 06 3a 06 45 54 69 06"},
		{"hash with default", obj(value.IntegerKey(1), nil, value.KeyDefault, int64(2)),
			"04 08 7d 06 69 06 30 69 07"},
		{"hash nil and boolean keys",
			obj(value.NilKey, int64(1), value.TrueKey, int64(2), value.FalseKey, int64(3)),
			"04 08 7b 08 30 69 06 54 69 07 46 69 08"},

		{"regexp", obj(value.KeyType, value.TypeRegexp, value.KeyExpression, "ab", value.KeyFlags, "im"),
			"04 08 2f 07 61 62 05"},
		{"regexp no flags", obj(value.KeyType, value.TypeRegexp, value.KeyExpression, "ab", value.KeyFlags, ""),
			"04 08 2f 07 61 62 00"},

		{"object", obj(value.KeyClass, "__symbol__Foo", value.KeyType, value.TypeObject,
			"__symbol__bar", int64(1)),
			"04 08 6f 3a 08 46 6f 6f 06 3a 09 40 62 61 72 69 06"},

		{"struct", obj(value.KeyClass, "__symbol__Pt", value.KeyType, value.TypeStruct,
			"__symbol__x", int64(1), "__symbol__y", int64(2)),
			"04 08 53 3a 07 50 74 07 3a 06 78 69 06 3a 06 79 69 07"},

		{"class ref", obj(value.KeyClass, "__symbol__Foo", value.KeyType, value.TypeClass),
			"04 08 63 08 46 6f 6f"},
		{"module ref", obj(value.KeyClass, "__symbol__Bar", value.KeyType, value.TypeModule),
			"04 08 6d 08 42 61 72"},

		{"extended object", obj(value.KeyClass, "__symbol__Foo", value.KeyType, value.TypeObject,
			value.KeyExtends, []any{"__symbol__A", "__symbol__B"}),
			"04 08 65 3a 06 41 65 3a 06 42 6f 3a 08 46 6f 6f 00"},

		{"user class", obj(value.KeyClass, "__symbol__MyStr", value.KeyType, value.TypeUserClass,
			value.KeyWrapped, "h"),
			"04 08 43 3a 0a 4d 79 53 74 72 49 22 06 68 06 3a 06 45 54"},

		{"user defined", obj(value.KeyClass, "__symbol__Obj", value.KeyType, value.TypeUserDefined,
			value.KeyData, value.Bytes{1, 2, 3}),
			"04 08 75 3a 08 4f 62 6a 08 01 02 03"},

		{"user defined with ivar", obj(value.KeyClass, "__symbol__Obj", value.KeyType, value.TypeUserDefined,
			value.KeyData, value.Bytes{1}, "__symbol__x", int64(1)),
			"04 08 49 75 3a 08 4f 62 6a 06 01 06 3a 07 40 78 69 06"},

		{"user marshal", obj(value.KeyClass, "__symbol__Obj", value.KeyType, value.TypeUserMarshal,
			value.KeyData, []any{}),
			"04 08 55 3a 08 4f 62 6a 5b 00"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			expectDump(t, tc.in, tc.raw)
		})
	}
}

func TestDumpSymbolInterningAcrossContexts(t *testing.T) {
	// The class name and an ivar value share one symbol slot.
	in := obj(value.KeyClass, "__symbol__Foo", value.KeyType, value.TypeObject,
		"__symbol__bar", "__symbol__Foo")
	expectDump(t, in, "04 08 6f 3a 08 46 6f 6f 06 3a 09 40 62 61 72 3b 00")
}

func TestDumpIVarPrefix(t *testing.T) {
	d := rmarshal.Dumper{IVarPrefix: "iv_"}
	in := obj(value.KeyClass, "__symbol__Foo", value.KeyType, value.TypeObject,
		"iv_bar", int64(1))
	got, err := d.Dump(in)
	if err != nil {
		t.Fatalf("Dump: %+v", err)
	}
	want := mustHex(t, "04 08 6f 3a 08 46 6f 6f 06 3a 09 40 62 61 72 69 06")
	if !bytes.Equal(got, want) {
		t.Fatalf("stream mismatch:\ngot:\n%swant:\n%s", hex.Dump(got), hex.Dump(want))
	}
}

func TestDumpCycle(t *testing.T) {
	arr := make([]any, 1)
	arr[0] = arr
	_, err := rmarshal.Dump(arr)
	var cycErr *rmarshal.CycleError
	if !errors.As(err, &cycErr) {
		t.Fatalf("got %v, want CycleError", err)
	}

	h := value.NewObject()
	h.Set("__symbol__self", h)
	_, err = rmarshal.Dump(h)
	if !errors.As(err, &cycErr) {
		t.Fatalf("got %v, want CycleError", err)
	}
}

func TestDumpSharedValueReemitted(t *testing.T) {
	// Dump never writes link tags: the same element appears in full
	// twice.
	inner := []any{int64(1)}
	expectDump(t, []any{inner, inner}, "04 08 5b 07 5b 06 69 06 5b 06 69 06")
}

func TestDumpMalformedSentinels(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   any
	}{
		{"bigint not decimal", obj(value.KeyType, value.TypeBigInt, value.KeyValue, "xyz")},
		{"bigint missing value", obj(value.KeyType, value.TypeBigInt)},
		{"float bad token", obj(value.KeyType, value.TypeFloat, value.KeyValue, "wide")},
		{"object missing class", obj(value.KeyType, value.TypeObject)},
		{"object key without original", obj(value.ObjectPrefix + "0", nil)},
		{"extends not array", obj(value.KeyClass, "__symbol__Foo", value.KeyType, value.TypeObject,
			value.KeyExtends, "nope")},
		{"usermarshal missing data", obj(value.KeyClass, "__symbol__Foo", value.KeyType, value.TypeUserMarshal)},
		{"bytes bad data", obj(value.KeyType, value.TypeBytes, value.KeyBytesData, "nope")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rmarshal.Dump(tc.in)
			var sentErr *rmarshal.MalformedSentinelError
			if !errors.As(err, &sentErr) {
				t.Fatalf("got %v, want MalformedSentinelError", err)
			}
		})
	}
}

func TestDumpMalformedSentinelPath(t *testing.T) {
	in := []any{nil, obj(value.KeyType, value.TypeBigInt, value.KeyValue, "xyz")}
	_, err := rmarshal.Dump(in)
	var sentErr *rmarshal.MalformedSentinelError
	if !errors.As(err, &sentErr) {
		t.Fatalf("got %v, want MalformedSentinelError", err)
	}
	if sentErr.Path != "$[1]" {
		t.Fatalf("got path %q, want %q", sentErr.Path, "$[1]")
	}
}

func TestDumpUnsupportedType(t *testing.T) {
	if _, err := rmarshal.Dump(struct{}{}); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestDumpStability(t *testing.T) {
	in := obj(
		value.KeyClass, "__symbol__Foo", value.KeyType, value.TypeObject,
		"__symbol__a", []any{int64(1), "two", 3.0, "__symbol__four"},
		"__symbol__b", obj(value.IntegerKey(9), value.Bytes{0, 1}),
	)
	first, err := rmarshal.Dump(in)
	if err != nil {
		t.Fatalf("Dump: %+v", err)
	}
	second, err := rmarshal.Dump(in)
	if err != nil {
		t.Fatalf("Dump: %+v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("two dumps of the same tree differ")
	}
}
