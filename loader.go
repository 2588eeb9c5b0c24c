// Package rmarshal is a bidirectional codec between the Ruby Marshal 4.8
// binary serialization format and a JSON-shaped dynamic value tree.
//
// Load walks a Marshal byte stream and produces a tree built from nil,
// bool, int64, float64, string, []any, value.Bytes and *value.Object
// nodes, using the sentinel conventions of the value package to carry
// the parts of the Marshal value space plain JSON has no shape for.
// Dump walks such a tree and produces a Marshal byte stream.
//
// Both operations are synchronous and keep all of their state (symbol
// and object tables) local to the call, so a single Loader or Dumper may
// be used from multiple goroutines concurrently.
package rmarshal

import (
	"bytes"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/savannstm/go-marshal/charset"
	"github.com/savannstm/go-marshal/value"
)

// StringMode selects how raw Marshal strings are surfaced in the value
// tree when loading.
type StringMode uint8

const (
	// StringModeUTF8 surfaces string payloads as JSON strings whenever
	// the bytes decode cleanly (via an explicit encoding ivar, or as
	// UTF-8 when there is none), falling back to a bytes object.
	StringModeUTF8 StringMode = iota

	// StringModeBinary surfaces every string payload as a bytes object,
	// ignoring encoding ivars entirely.
	StringModeBinary
)

// Loader decodes Marshal 4.8 byte streams into value trees.
//
// The zero value is ready to use: UTF-8 string mode and the default
// "__symbol__" instance-variable prefix. A Loader carries no per-call
// state and is safe for concurrent use.
type Loader struct {
	// StringMode selects how raw string payloads are surfaced.
	StringMode StringMode

	// IVarPrefix replaces the default "__symbol__" prefix on instance
	// variable keys. The leading "@" of the source name is stripped
	// before the prefix is applied.
	IVarPrefix string

	// Log, when non-nil, receives debug-level events during loading.
	Log *slog.Logger
}

// Load decodes a single Marshal 4.8 stream into a value tree using the
// default Loader configuration.
func Load(data []byte) (any, error) {
	var l Loader
	return l.Load(data)
}

// Load decodes a single Marshal 4.8 stream into a value tree.
func (l *Loader) Load(data []byte) (any, error) {
	s := loadState{
		l:      l,
		data:   data,
		prefix: l.IVarPrefix,
		log:    l.Log,
	}
	if s.prefix == "" {
		s.prefix = value.SymbolPrefix
	}

	if len(data) < 2 {
		return nil, &UnexpectedEOFError{Offset: int64(len(data)), Op: "version header"}
	}
	if data[0] != marshalMajor || data[1] != marshalMinor {
		return nil, &UnsupportedVersionError{Major: data[0], Minor: data[1]}
	}
	s.pos = 2

	v, _, err := s.value()
	if err != nil {
		return nil, err
	}
	if s.log != nil {
		s.log.Debug("rmarshal: load finished",
			"bytes", s.pos, "symbols", len(s.syms), "objects", len(s.objs))
	}
	return v, nil
}

// loadState holds the per-call cursor and tables of one Load. The symbol
// and object tables are append-only and indexed from 0 in read order;
// link tags resolve into them and never allocate new slots.
type loadState struct {
	l      *Loader
	data   []byte
	pos    int
	prefix string
	log    *slog.Logger

	syms []string // interned symbol names, without the sentinel prefix
	objs []any    // every linkable value, at its wire position
}

// reserve appends v to the object table and returns its slot index. For
// container values the slot is taken before any children are parsed, so
// a link inside the value can resolve to the value itself.
func (s *loadState) reserve(v any) int {
	s.objs = append(s.objs, v)
	return len(s.objs) - 1
}

func (s *loadState) readByte(op string) (byte, error) {
	if s.pos >= len(s.data) {
		return 0, &UnexpectedEOFError{Offset: int64(s.pos), Op: op}
	}
	b := s.data[s.pos]
	s.pos++
	return b, nil
}

func (s *loadState) bytes(n int, op string) ([]byte, error) {
	if n < 0 || s.pos+n > len(s.data) {
		return nil, &UnexpectedEOFError{Offset: int64(s.pos), Op: op}
	}
	b := s.data[s.pos : s.pos+n]
	s.pos += n
	return b, nil
}

// long reads a Marshal signed long. Values in [-123, 122] are packed into
// the length byte itself (offset by 5); anything larger spills into 1-4
// little-endian bytes, sign-extended for negatives.
func (s *loadState) long() (int, error) {
	start := s.pos
	b, err := s.readByte("integer")
	if err != nil {
		return 0, err
	}

	n := int(int8(b))
	switch {
	case n == 0:
		return 0, nil
	case 5 < n && n < 128:
		return n - 5, nil
	case -129 < n && n < -5:
		return n + 5, nil
	case n == 5 || n == -5:
		return 0, &BadIntegerError{Offset: int64(start), Reason: "length byte 5 has no encoding"}
	}

	sz := n
	if sz < 0 {
		sz = -sz
	}
	raw, err := s.bytes(sz, "integer")
	if err != nil {
		return 0, err
	}

	var v int
	if n < 0 {
		v = -1
	}
	for i := 0; i < sz; i++ {
		if v < 0 {
			v &= ^(0xff << uint(8*i))
		}
		v |= int(raw[i]) << uint(8*i)
	}
	return v, nil
}

// chunk reads a length-prefixed byte string.
func (s *loadState) chunk(op string) ([]byte, error) {
	n, err := s.long()
	if err != nil {
		return nil, err
	}
	return s.bytes(n, op)
}

// symbolName reads the next value and requires it to be a symbol,
// returning the bare (unprefixed) name. The wire grammar only permits
// symbols or symbol links in these positions (class names, ivar keys).
func (s *loadState) symbolName(op string) (string, error) {
	v, _, err := s.value()
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok || !value.IsSymbol(str) {
		return "", errors.Errorf("rmarshal: expected symbol for %s at offset %d, got %T", op, s.pos, v)
	}
	return value.SymbolName(str), nil
}

// value reads one value from the stream. The second return is the object
// table slot the value occupies, or -1 for values that never take a slot
// (nil, booleans, fixnums, symbols).
func (s *loadState) value() (any, int, error) {
	tagOff := int64(s.pos)
	tag, err := s.readByte("type tag")
	if err != nil {
		return nil, -1, err
	}
	if s.log != nil {
		s.log.Debug("rmarshal: dispatch", "tag", string(tag), "offset", tagOff)
	}

	switch tag {
	case tagNil:
		return nil, -1, nil
	case tagTrue:
		return true, -1, nil
	case tagFalse:
		return false, -1, nil

	case tagFixnum:
		n, err := s.long()
		if err != nil {
			return nil, -1, err
		}
		return int64(n), -1, nil

	case tagFloat:
		return s.float()

	case tagBignum:
		return s.bignum()

	case tagString:
		return s.rawString()

	case tagSymbol:
		raw, err := s.chunk("symbol")
		if err != nil {
			return nil, -1, err
		}
		name := string(raw)
		s.syms = append(s.syms, name)
		return value.Symbol(name), -1, nil

	case tagSymlink:
		off := int64(s.pos)
		n, err := s.long()
		if err != nil {
			return nil, -1, err
		}
		if n < 0 || n >= len(s.syms) {
			return nil, -1, &BadSymbolLinkError{Index: int64(n), TableLen: int64(len(s.syms)), Offset: off}
		}
		return value.Symbol(s.syms[n]), -1, nil

	case tagLink:
		off := int64(s.pos)
		n, err := s.long()
		if err != nil {
			return nil, -1, err
		}
		if n < 0 || n >= len(s.objs) {
			return nil, -1, &BadObjectLinkError{Index: int64(n), TableLen: int64(len(s.objs)), Offset: off}
		}
		return s.objs[n], n, nil

	case tagArray:
		n, err := s.long()
		if err != nil {
			return nil, -1, err
		}
		if n < 0 {
			return nil, -1, &BadIntegerError{Offset: tagOff, Reason: "negative array length"}
		}
		arr := make([]any, n)
		slot := s.reserve(arr)
		for i := 0; i < n; i++ {
			el, _, err := s.value()
			if err != nil {
				return nil, -1, err
			}
			arr[i] = el
		}
		return arr, slot, nil

	case tagHash, tagHashDflt:
		return s.hash(tag == tagHashDflt, tagOff)

	case tagRegexp:
		return s.regexp()

	case tagObject:
		return s.object(value.TypeObject)

	case tagStruct:
		return s.object(value.TypeStruct)

	case tagClass:
		return s.classRef(value.TypeClass)
	case tagModule, tagModuleOld:
		return s.classRef(value.TypeModule)

	case tagExtended:
		return s.extended()

	case tagUsrClass:
		return s.userClass()

	case tagUsrDefined:
		return s.userDefined()

	case tagUsrMarshal:
		return s.userMarshal()

	case tagIVar:
		return s.ivar()
	}

	return nil, -1, &UnknownTagError{Tag: tag, Offset: tagOff}
}

// float reads a float byte string. The tokens "inf", "-inf" and "nan"
// denote the non-finite values and surface as a typed object so they
// survive a trip through JSON. Ruby appends mantissa-fixup bytes after a
// NUL separator in some historical streams; everything from the first
// NUL on is discarded.
func (s *loadState) float() (any, int, error) {
	off := int64(s.pos)
	raw, err := s.chunk("float")
	if err != nil {
		return nil, -1, err
	}
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	text := string(raw)

	switch text {
	case "inf", "-inf", "nan":
		obj := value.NewObject()
		obj.Set(value.KeyType, value.TypeFloat)
		obj.Set(value.KeyValue, text)
		return obj, s.reserve(obj), nil
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, -1, &BadFloatError{Offset: off, Text: text}
	}
	return f, s.reserve(f), nil
}

// bignum reads a sign byte, a half-word count and the little-endian
// magnitude, surfacing the result as a decimal string under a typed
// object.
func (s *loadState) bignum() (any, int, error) {
	off := int64(s.pos)
	sign, err := s.readByte("bignum sign")
	if err != nil {
		return nil, -1, err
	}
	if sign != signPositive && sign != signNegative {
		return nil, -1, &BadBigIntError{Offset: off, Reason: "sign byte is not '+' or '-'"}
	}

	halves, err := s.long()
	if err != nil {
		return nil, -1, err
	}
	if halves < 0 {
		return nil, -1, &BadBigIntError{Offset: off, Reason: "negative length"}
	}
	raw, err := s.bytes(halves*2, "bignum")
	if err != nil {
		return nil, -1, err
	}

	be := make([]byte, len(raw))
	copy(be, raw)
	reverseBytes(be)

	var n big.Int
	n.SetBytes(be)
	if sign == signNegative {
		n.Neg(&n)
	}

	obj := value.NewObject()
	obj.Set(value.KeyType, value.TypeBigInt)
	obj.Set(value.KeyValue, n.String())
	return obj, s.reserve(obj), nil
}

// rawString reads a '"' payload and surfaces it per the string mode.
// When the string sits inside an ivar wrapper, ivar() re-decides the
// surface form once the encoding ivar is known and patches the slot.
func (s *loadState) rawString() (any, int, error) {
	raw, err := s.chunk("string")
	if err != nil {
		return nil, -1, err
	}
	v := s.surfaceString(raw)
	return v, s.reserve(v), nil
}

func (s *loadState) surfaceString(raw []byte) any {
	if s.l.StringMode == StringModeUTF8 && utf8.Valid(raw) {
		return string(raw)
	}
	b := make(value.Bytes, len(raw))
	copy(b, raw)
	return b
}

// hash reads a '{' or '}' payload. Keys are read as full values and
// projected to strings; later duplicates keep the latest value but the
// original insertion position.
func (s *loadState) hash(withDefault bool, tagOff int64) (any, int, error) {
	n, err := s.long()
	if err != nil {
		return nil, -1, err
	}
	if n < 0 {
		return nil, -1, &BadIntegerError{Offset: tagOff, Reason: "negative hash length"}
	}

	obj := value.NewObject()
	slot := s.reserve(obj)

	for i := 0; i < n; i++ {
		kv, kslot, err := s.value()
		if err != nil {
			return nil, -1, err
		}
		vv, _, err := s.value()
		if err != nil {
			return nil, -1, err
		}

		key, keep := stringifyKey(kv, kslot)
		obj.Set(key, vv)
		if keep {
			obj.SetKeyValue(key, kv)
		}
	}

	if withDefault {
		dv, _, err := s.value()
		if err != nil {
			return nil, -1, err
		}
		obj.Set(value.KeyDefault, dv)
	}
	return obj, slot, nil
}

// stringifyKey projects a hash key value onto its string form. The
// second return reports whether the original value must be retained on
// the object so a later dump can reconstruct it (true only for keys with
// no self-describing string form). Nil and boolean keys own no table
// slot, so each gets its own literal rather than a slot index -
// otherwise {nil=>.., true=>.., false=>..} entries would collide.
func stringifyKey(kv any, kslot int) (string, bool) {
	switch k := kv.(type) {
	case nil:
		return value.NilKey, false
	case bool:
		if k {
			return value.TrueKey, false
		}
		return value.FalseKey, false
	case string:
		return k, false
	case int64:
		return value.IntegerKey(k), false
	case float64:
		return value.FloatKey(k), false
	case *value.Object:
		if t, ok := k.Type(); ok && t == value.TypeFloat {
			if tok, ok := k.Get(value.KeyValue); ok {
				if str, ok := tok.(string); ok {
					return value.FloatPrefix + str, false
				}
			}
		}
	}
	return value.ObjectKey(kslot), true
}

// regexp reads a '/' payload: source byte string plus a one-byte flag
// mask, surfaced as "i"/"x"/"m" flag characters.
func (s *loadState) regexp() (any, int, error) {
	raw, err := s.chunk("regexp")
	if err != nil {
		return nil, -1, err
	}
	mask, err := s.readByte("regexp flags")
	if err != nil {
		return nil, -1, err
	}

	var flags strings.Builder
	if mask&regexpIgnoreCase != 0 {
		flags.WriteByte('i')
	}
	if mask&regexpExtended != 0 {
		flags.WriteByte('x')
	}
	if mask&regexpMultiline != 0 {
		flags.WriteByte('m')
	}

	obj := value.NewObject()
	obj.Set(value.KeyType, value.TypeRegexp)
	obj.Set(value.KeyExpression, string(raw))
	obj.Set(value.KeyFlags, flags.String())
	return obj, s.reserve(obj), nil
}

// object reads an 'o' or 'S' payload: class symbol, member count, then
// (symbol, value) pairs. Struct members follow the same ivar-key naming
// as instance variables.
func (s *loadState) object(typ string) (any, int, error) {
	class, err := s.symbolName("class name")
	if err != nil {
		return nil, -1, err
	}

	obj := value.NewObject()
	obj.Set(value.KeyClass, value.Symbol(class))
	obj.Set(value.KeyType, typ)
	slot := s.reserve(obj)

	n, err := s.long()
	if err != nil {
		return nil, -1, err
	}
	for i := 0; i < n; i++ {
		name, err := s.symbolName("instance variable name")
		if err != nil {
			return nil, -1, err
		}
		vv, _, err := s.value()
		if err != nil {
			return nil, -1, err
		}
		obj.Set(s.ivarKey(name), vv)
	}
	return obj, slot, nil
}

// ivarKey renames a source instance-variable name into its value-tree
// key: the leading "@" is stripped and the caller's prefix applied.
func (s *loadState) ivarKey(name string) string {
	name = strings.TrimPrefix(name, "@")
	return s.prefix + name
}

// classRef reads a 'c', 'm' or 'M' payload: the class/module name as a
// plain byte string.
func (s *loadState) classRef(typ string) (any, int, error) {
	raw, err := s.chunk("class name")
	if err != nil {
		return nil, -1, err
	}
	obj := value.NewObject()
	obj.Set(value.KeyClass, value.Symbol(string(raw)))
	obj.Set(value.KeyType, typ)
	return obj, s.reserve(obj), nil
}

// extended reads an 'e' wrap: module symbol, then the wrapped value.
// Stacked wraps unwind innermost-first; prepending at each layer leaves
// the outermost module at position 0, matching the order the dumper
// re-emits them in.
func (s *loadState) extended() (any, int, error) {
	mod, err := s.symbolName("extended module")
	if err != nil {
		return nil, -1, err
	}
	inner, slot, err := s.value()
	if err != nil {
		return nil, -1, err
	}

	if obj, ok := inner.(*value.Object); ok {
		var mods []any
		if cur, ok := obj.Get(value.KeyExtends); ok {
			if list, ok := cur.([]any); ok {
				mods = list
			}
		}
		mods = append([]any{value.Symbol(mod)}, mods...)
		obj.Set(value.KeyExtends, mods)
	}
	return inner, slot, nil
}

// userClass reads a 'C' wrap: class symbol, then the wrapped builtin
// (a subclassed string, array, hash or regexp). The wrapper itself takes
// no object slot; links resolve to the inner value.
func (s *loadState) userClass() (any, int, error) {
	class, err := s.symbolName("user class name")
	if err != nil {
		return nil, -1, err
	}
	inner, slot, err := s.value()
	if err != nil {
		return nil, -1, err
	}

	obj := value.NewObject()
	obj.Set(value.KeyClass, value.Symbol(class))
	obj.Set(value.KeyType, value.TypeUserClass)
	obj.Set(value.KeyWrapped, inner)
	return obj, slot, nil
}

// userDefined reads a 'u' payload: class symbol plus an opaque byte
// string produced by the class's _dump callback. The payload is
// surfaced, never executed.
func (s *loadState) userDefined() (any, int, error) {
	class, err := s.symbolName("user-defined class name")
	if err != nil {
		return nil, -1, err
	}
	raw, err := s.chunk("user-defined data")
	if err != nil {
		return nil, -1, err
	}

	data := make(value.Bytes, len(raw))
	copy(data, raw)

	obj := value.NewObject()
	obj.Set(value.KeyClass, value.Symbol(class))
	obj.Set(value.KeyType, value.TypeUserDefined)
	obj.Set(value.KeyData, data)
	return obj, s.reserve(obj), nil
}

// userMarshal reads a 'U' payload: class symbol plus the value returned
// by the class's marshal_dump callback. The slot is taken before the
// inner value is parsed so the payload may link back to its wrapper.
func (s *loadState) userMarshal() (any, int, error) {
	class, err := s.symbolName("user-marshal class name")
	if err != nil {
		return nil, -1, err
	}

	obj := value.NewObject()
	obj.Set(value.KeyClass, value.Symbol(class))
	obj.Set(value.KeyType, value.TypeUserMarshal)
	slot := s.reserve(obj)

	inner, _, err := s.value()
	if err != nil {
		return nil, -1, err
	}
	obj.Set(value.KeyData, inner)
	return obj, slot, nil
}

// ivar reads an 'I' wrap: the inner value followed by (symbol, value)
// pairs. Strings consume their encoding ivar to pick a surface form and
// drop the rest; values with an object representation have the pairs
// merged in under the caller's prefix naming; everything else drops
// them.
func (s *loadState) ivar() (any, int, error) {
	inner, slot, err := s.value()
	if err != nil {
		return nil, -1, err
	}

	n, err := s.long()
	if err != nil {
		return nil, -1, err
	}

	type pair struct {
		name string
		val  any
	}
	pairs := make([]pair, 0, n)
	for i := 0; i < n; i++ {
		name, err := s.symbolName("instance variable name")
		if err != nil {
			return nil, -1, err
		}
		vv, _, err := s.value()
		if err != nil {
			return nil, -1, err
		}
		pairs = append(pairs, pair{name, vv})
	}

	switch iv := inner.(type) {
	case string, value.Bytes:
		var raw []byte
		if str, ok := iv.(string); ok {
			raw = []byte(str)
		} else {
			raw = iv.(value.Bytes)
		}
		var encName string
		var encShort, hasEnc bool
		for _, p := range pairs {
			switch p.name {
			case encodingShortIVar:
				hasEnc, encShort = true, true
			case encodingLongIVar:
				hasEnc = true
				switch ev := p.val.(type) {
				case string:
					encName = ev
				case value.Bytes:
					encName = string(ev)
				}
			}
			if hasEnc {
				break
			}
		}

		v, err := s.decodeString(raw, hasEnc, encShort, encName)
		if err != nil {
			return nil, -1, err
		}
		if slot >= 0 {
			s.objs[slot] = v
		}
		return v, slot, nil

	case *value.Object:
		for _, p := range pairs {
			iv.Set(s.ivarKey(p.name), p.val)
		}
		return inner, slot, nil
	}

	// Arrays and other carriers have no home for ivars in the tree.
	return inner, slot, nil
}

// decodeString applies the string decoding rule: an explicit encoding
// ivar decodes the bytes with that encoding, otherwise UTF-8 mode
// surfaces valid UTF-8 as a string. Binary mode always surfaces bytes.
// Unknown encoding names fail; bytes merely invalid for a known encoding
// fall back to the bytes form.
func (s *loadState) decodeString(raw []byte, hasEnc, encShort bool, encName string) (any, error) {
	if s.l.StringMode == StringModeBinary {
		b := make(value.Bytes, len(raw))
		copy(b, raw)
		return b, nil
	}

	if hasEnc && !encShort {
		if _, err := charset.Lookup(encName); err != nil {
			return nil, &BadEncodingError{Offset: int64(s.pos), Name: encName, Cause: err}
		}
		decoded, err := charset.Decode(encName, raw)
		if err != nil {
			b := make(value.Bytes, len(raw))
			copy(b, raw)
			return b, nil
		}
		return decoded, nil
	}

	// The short "E" ivar and the no-ivar default both mean the payload
	// is already UTF-8 (or its US-ASCII subset).
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	b := make(value.Bytes, len(raw))
	copy(b, raw)
	return b, nil
}
