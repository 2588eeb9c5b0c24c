package rmarshal_test

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/google/go-cmp/cmp"
	rmarshal "github.com/savannstm/go-marshal"
)

// Streams in the canonical form the dumper itself produces (strings
// ivar-wrapped with E=true, symbols interned, no object links) must
// survive load-then-dump byte for byte.
func TestRoundTripCanonicalStreams(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
	}{
		{"nil", "04 08 30"},
		{"one", "04 08 69 06"},
		{"interned symbol array", "04 08 5b 07 3a 06 61 3b 00"},
		{"encoded string", "04 08 49 22 06 68 06 3a 06 45 54"},
		{"integer keyed hash", "04 08 7b 06 69 06 30"},
		{"hash with default", "04 08 7d 06 69 06 30 69 07"},
		{"hash nil and boolean keys", "04 08 7b 08 30 69 06 54 69 07 46 69 08"},
		{"float", "04 08 66 09 31 2e 32 35"},
		{"float inf", "04 08 66 08 69 6e 66"},
		{"bignum", "04 08 6c 2b 07 00 00 01 00"},
		{"regexp", "04 08 2f 07 61 62 05"},
		{"object", "04 08 6f 3a 08 46 6f 6f 06 3a 09 40 62 61 72 69 06"},
		{"struct", "04 08 53 3a 07 50 74 07 3a 06 78 69 06 3a 06 79 69 07"},
		{"class ref", "04 08 63 08 46 6f 6f"},
		{"module ref", "04 08 6d 08 42 61 72"},
		{"extended object", "04 08 65 3a 06 4d 6f 3a 08 46 6f 6f 00"},
		{"user class", "04 08 43 3a 0a 4d 79 53 74 72 49 22 06 68 06 3a 06 45 54"},
		{"user defined", "04 08 75 3a 08 4f 62 6a 08 01 02 03"},
		{"user marshal", "04 08 55 3a 08 4f 62 6a 5b 00"},
		{"composite",
			"04 08 7b 08" + // 3-pair hash
				" 3a 06 61 5b 07 69 06 69 07" + // :a => [1, 2]
				" 3a 06 62 49 22 07 68 69 06 3a 06 45 54" + // :b => "hi"
				" 69 0a 30", // 5 => nil
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			raw := mustHex(t, tc.raw)
			tree, err := rmarshal.Load(raw)
			if err != nil {
				t.Fatalf("Load: %+v", err)
			}
			out, err := rmarshal.Dump(tree)
			if err != nil {
				t.Fatalf("Dump: %+v", err)
			}
			if !bytes.Equal(raw, out) {
				t.Fatalf("round trip diverged:\nin:\n%sout:\n%s", hex.Dump(raw), hex.Dump(out))
			}
		})
	}
}

// A tree with an object-keyed hash survives load-then-dump within one
// process: the original key value is retained alongside its
// "__object__<n>" string form.
func TestRoundTripObjectKeyedHash(t *testing.T) {
	raw := mustHex(t, "04 08 7b 06 5b 06 69 06 54")
	tree, err := rmarshal.Load(raw)
	if err != nil {
		t.Fatalf("Load: %+v", err)
	}
	out, err := rmarshal.Dump(tree)
	if err != nil {
		t.Fatalf("Dump: %+v", err)
	}
	if !bytes.Equal(raw, out) {
		t.Fatalf("round trip diverged:\nin:\n%sout:\n%s", hex.Dump(raw), hex.Dump(out))
	}
}

// The dump direction re-emits shared values in full, so dump-then-load
// of a stream with links yields an equal tree but a longer stream.
func TestRoundTripDropsLinks(t *testing.T) {
	raw := mustHex(t, "04 08 5b 07 49 22 06 68 06 3a 06 45 54 40 06")
	tree, err := rmarshal.Load(raw)
	if err != nil {
		t.Fatalf("Load: %+v", err)
	}
	out, err := rmarshal.Dump(tree)
	if err != nil {
		t.Fatalf("Dump: %+v", err)
	}
	reloaded, err := rmarshal.Load(out)
	if err != nil {
		t.Fatalf("Load(Dump): %+v", err)
	}
	if diff := cmp.Diff(tree, reloaded, treeDiff); diff != "" {
		t.Fatalf("tree mismatch after re-emission (-want +got):\n%s", diff)
	}
}

func TestRoundTripIVarPrefix(t *testing.T) {
	raw := mustHex(t, "04 08 6f 3a 08 46 6f 6f 06 3a 09 40 62 61 72 69 06")
	l := rmarshal.Loader{IVarPrefix: "iv_"}
	tree, err := l.Load(raw)
	if err != nil {
		t.Fatalf("Load: %+v", err)
	}
	d := rmarshal.Dumper{IVarPrefix: "iv_"}
	out, err := d.Dump(tree)
	if err != nil {
		t.Fatalf("Dump: %+v", err)
	}
	if !bytes.Equal(raw, out) {
		t.Fatalf("round trip diverged:\nin:\n%sout:\n%s", hex.Dump(raw), hex.Dump(out))
	}
}
