package rmarshal

import (
	"log/slog"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/savannstm/go-marshal/value"
)

// fixnumMin and fixnumMax bound what Marshal encodes as a fixnum;
// integers outside the range are emitted as bignums.
const (
	fixnumMin = math.MinInt32
	fixnumMax = math.MaxInt32
)

// Dumper encodes value trees into Marshal 4.8 byte streams.
//
// The zero value is ready to use. A Dumper carries no per-call state and
// is safe for concurrent use.
type Dumper struct {
	// IVarPrefix is the prefix instance-variable keys carry in the input
	// tree, "__symbol__" by default. It must match the prefix the tree
	// was loaded with.
	IVarPrefix string

	// Log, when non-nil, receives debug-level events during dumping.
	Log *slog.Logger
}

// Dump encodes a value tree into a Marshal 4.8 stream using the default
// Dumper configuration.
func Dump(v any) ([]byte, error) {
	var d Dumper
	return d.Dump(v)
}

// Dump encodes a value tree into a Marshal 4.8 stream. The tree is not
// mutated. Every shared reference is re-emitted in full; a tree that
// refers back to itself fails with a CycleError rather than recursing
// forever.
func (d *Dumper) Dump(v any) ([]byte, error) {
	s := dumpState{
		buf:    make([]byte, 0, 128),
		prefix: d.IVarPrefix,
		log:    d.Log,
	}
	if s.prefix == "" {
		s.prefix = value.SymbolPrefix
	}

	s.buf = append(s.buf, marshalMajor, marshalMinor)
	if err := s.value(v); err != nil {
		return nil, err
	}
	if s.log != nil {
		s.log.Debug("rmarshal: dump finished", "bytes", len(s.buf), "symbols", len(s.syms))
	}
	return s.buf, nil
}

// dumpState holds the per-call output buffer, the symbol interning
// table, the JSON path to the node being emitted, and the identity set
// of containers on the emission stack (for cycle detection).
type dumpState struct {
	buf    []byte
	prefix string
	log    *slog.Logger

	syms  []string
	path  []string
	stack map[uintptr]struct{}
}

// Path formats the JSON path to the current node, for errors.
func (s *dumpState) Path() string {
	if len(s.path) == 0 {
		return "$"
	}
	return "$" + strings.Join(s.path, "")
}

func (s *dumpState) pushPath(seg string) { s.path = append(s.path, seg) }
func (s *dumpState) popPath()            { s.path = s.path[:len(s.path)-1] }

// enter registers a container on the emission stack, failing if it is
// already there. The returned release func must be called on exit.
func (s *dumpState) enter(v any) (func(), error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Ptr:
	default:
		return func() {}, nil
	}
	id := rv.Pointer()
	if s.stack == nil {
		s.stack = make(map[uintptr]struct{})
	}
	if _, on := s.stack[id]; on {
		return nil, &CycleError{Path: s.Path()}
	}
	s.stack[id] = struct{}{}
	return func() { delete(s.stack, id) }, nil
}

// long emits a Marshal signed long.
func (s *dumpState) long(n int64) {
	switch {
	case n == 0:
		s.buf = append(s.buf, 0)
		return
	case 0 < n && n < 0x7B:
		s.buf = append(s.buf, byte(n+5))
		return
	case -0x7C < n && n < 0:
		s.buf = append(s.buf, byte((n-5)&0xFF))
		return
	}

	var scratch [5]byte
	for i := 1; i < 5; i++ {
		scratch[i] = byte(n & 0xFF)
		n >>= 8
		if n == 0 {
			scratch[0] = byte(i)
			s.buf = append(s.buf, scratch[:i+1]...)
			return
		}
		if n == -1 {
			scratch[0] = byte(-i)
			s.buf = append(s.buf, scratch[:i+1]...)
			return
		}
	}
	panic("rmarshal: signed long out of 32-bit range")
}

// chunk emits a length-prefixed byte string.
func (s *dumpState) chunk(b []byte) {
	s.long(int64(len(b)))
	s.buf = append(s.buf, b...)
}

// sym emits a symbol, interning the name: the first occurrence writes
// the full ':' form, every later one a ';' link to the same slot.
func (s *dumpState) sym(name string) {
	for i, known := range s.syms {
		if known == name {
			s.buf = append(s.buf, tagSymlink)
			s.long(int64(i))
			return
		}
	}
	s.buf = append(s.buf, tagSymbol)
	s.chunk([]byte(name))
	s.syms = append(s.syms, name)
}

// value emits one value-tree node.
func (s *dumpState) value(v any) error {
	switch t := v.(type) {
	case nil:
		s.buf = append(s.buf, tagNil)
		return nil

	case bool:
		if t {
			s.buf = append(s.buf, tagTrue)
		} else {
			s.buf = append(s.buf, tagFalse)
		}
		return nil

	case int64:
		return s.integer(t)
	case int:
		return s.integer(int64(t))

	case float64:
		s.float(t)
		return nil

	case string:
		if value.IsSymbol(t) {
			s.sym(value.SymbolName(t))
			return nil
		}
		s.str([]byte(t), true)
		return nil

	case value.Bytes:
		s.str(t, false)
		return nil

	case []any:
		release, err := s.enter(t)
		if err != nil {
			return err
		}
		defer release()

		s.buf = append(s.buf, tagArray)
		s.long(int64(len(t)))
		for i, el := range t {
			s.pushPath("[" + strconv.Itoa(i) + "]")
			if err := s.value(el); err != nil {
				return err
			}
			s.popPath()
		}
		return nil

	case *value.Object:
		release, err := s.enter(t)
		if err != nil {
			return err
		}
		defer release()
		return s.object(t)
	}

	return errors.Errorf("rmarshal: unsupported value of type %T at %s", v, s.Path())
}

func (s *dumpState) integer(n int64) error {
	if n < fixnumMin || n > fixnumMax {
		var bn big.Int
		bn.SetInt64(n)
		s.bignum(&bn)
		return nil
	}
	s.buf = append(s.buf, tagFixnum)
	s.long(n)
	return nil
}

// float emits a float as its shortest decimal text, with the non-finite
// values spelled as their wire tokens.
func (s *dumpState) float(f float64) {
	switch {
	case math.IsNaN(f):
		s.floatToken("nan")
		return
	case math.IsInf(f, 1):
		s.floatToken("inf")
		return
	case math.IsInf(f, -1):
		s.floatToken("-inf")
		return
	}
	s.buf = append(s.buf, tagFloat)
	s.chunk(strconv.AppendFloat(nil, f, 'g', -1, 64))
}

func (s *dumpState) floatToken(tok string) {
	s.buf = append(s.buf, tagFloat)
	s.chunk([]byte(tok))
}

// bignum emits the sign byte, the half-word count, and the little-endian
// magnitude padded with a trailing zero to an even byte length.
func (s *dumpState) bignum(n *big.Int) {
	s.buf = append(s.buf, tagBignum)
	if n.Sign() < 0 {
		s.buf = append(s.buf, signNegative)
	} else {
		s.buf = append(s.buf, signPositive)
	}

	mag := n.Bytes()
	reverseBytes(mag)
	if len(mag)&1 == 1 {
		mag = append(mag, 0)
	}
	s.long(int64(len(mag) / 2))
	s.buf = append(s.buf, mag...)
}

// str emits a string payload. Encoded strings carry the canonical UTF-8
// marker (ivar E=true); raw bytes are ivar-wrapped with no encoding ivar
// at all.
func (s *dumpState) str(raw []byte, encoded bool) {
	s.buf = append(s.buf, tagIVar, tagString)
	s.chunk(raw)
	if encoded {
		s.long(1)
		s.sym(encodingShortIVar)
		s.buf = append(s.buf, tagTrue)
	} else {
		s.long(0)
	}
}

// object classifies a *value.Object node by its "__type" discriminator,
// falling back to a plain hash, and emits it.
func (s *dumpState) object(obj *value.Object) error {
	if err := s.extends(obj); err != nil {
		return err
	}

	typ, ok := obj.Type()
	if !ok || !value.IsRecognizedType(typ) {
		return s.hash(obj)
	}

	switch typ {
	case value.TypeBigInt:
		return s.bigintObject(obj)
	case value.TypeFloat:
		return s.floatObject(obj)
	case value.TypeBytes:
		raw, err := s.bytesData(obj, value.KeyBytesData)
		if err != nil {
			return err
		}
		s.str(raw, false)
		return nil
	case value.TypeRegexp:
		return s.regexpObject(obj)
	case value.TypeObject:
		return s.instance(obj, tagObject)
	case value.TypeStruct:
		return s.instance(obj, tagStruct)
	case value.TypeClass:
		return s.classRef(obj, tagClass)
	case value.TypeModule:
		return s.classRef(obj, tagModule)
	case value.TypeUserDefined:
		return s.userDefined(obj)
	case value.TypeUserMarshal:
		return s.userMarshal(obj)
	case value.TypeUserClass:
		return s.userClass(obj)
	}
	return s.hash(obj)
}

// extends emits one 'e' wrap per "__extends" element, outermost first.
func (s *dumpState) extends(obj *value.Object) error {
	v, ok := obj.Get(value.KeyExtends)
	if !ok {
		return nil
	}
	mods, ok := v.([]any)
	if !ok {
		return &MalformedSentinelError{Path: s.Path(), Key: value.KeyExtends, Want: "array of symbol strings"}
	}
	for _, m := range mods {
		name, ok := m.(string)
		if !ok || !value.IsSymbol(name) {
			return &MalformedSentinelError{Path: s.Path(), Key: value.KeyExtends, Want: "array of symbol strings"}
		}
		s.buf = append(s.buf, tagExtended)
		s.sym(value.SymbolName(name))
	}
	return nil
}

// className resolves the "__class" key to its bare symbol name.
func (s *dumpState) className(obj *value.Object) (string, error) {
	v, ok := obj.Get(value.KeyClass)
	if ok {
		if str, ok := v.(string); ok && value.IsSymbol(str) {
			return value.SymbolName(str), nil
		}
	}
	return "", &MalformedSentinelError{Path: s.Path(), Key: value.KeyClass, Want: "symbol string"}
}

func (s *dumpState) bigintObject(obj *value.Object) error {
	v, _ := obj.Get(value.KeyValue)
	text, ok := v.(string)
	if !ok {
		return &MalformedSentinelError{Path: s.Path(), Key: value.KeyValue, Want: "decimal string"}
	}
	var n big.Int
	if _, ok := n.SetString(text, 10); !ok {
		return &MalformedSentinelError{Path: s.Path(), Key: value.KeyValue, Want: "decimal string"}
	}
	s.bignum(&n)
	return nil
}

func (s *dumpState) floatObject(obj *value.Object) error {
	v, _ := obj.Get(value.KeyValue)
	tok, ok := v.(string)
	if !ok {
		return &MalformedSentinelError{Path: s.Path(), Key: value.KeyValue, Want: `"inf", "-inf" or "nan"`}
	}
	switch tok {
	case "inf", "-inf", "nan":
		s.floatToken(tok)
		return nil
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return &MalformedSentinelError{Path: s.Path(), Key: value.KeyValue, Want: `"inf", "-inf", "nan" or decimal text`}
	}
	s.float(f)
	return nil
}

// bytesData resolves a byte-array payload under key. Trees assembled in
// process carry value.Bytes; trees re-hydrated from JSON text carry a
// []any of numbers.
func (s *dumpState) bytesData(obj *value.Object, key string) ([]byte, error) {
	v, ok := obj.Get(key)
	if !ok {
		return nil, &MalformedSentinelError{Path: s.Path(), Key: key, Want: "byte array"}
	}
	switch data := v.(type) {
	case value.Bytes:
		return data, nil
	case []any:
		out := make([]byte, len(data))
		for i, el := range data {
			switch n := el.(type) {
			case int64:
				out[i] = byte(n)
			case float64:
				out[i] = byte(int64(n))
			case int:
				out[i] = byte(n)
			default:
				return nil, &MalformedSentinelError{Path: s.Path(), Key: key, Want: "byte array"}
			}
		}
		return out, nil
	}
	return nil, &MalformedSentinelError{Path: s.Path(), Key: key, Want: "byte array"}
}

func (s *dumpState) regexpObject(obj *value.Object) error {
	v, _ := obj.Get(value.KeyExpression)
	expr, ok := v.(string)
	if !ok {
		return &MalformedSentinelError{Path: s.Path(), Key: value.KeyExpression, Want: "string"}
	}

	var mask byte
	if fv, ok := obj.Get(value.KeyFlags); ok {
		flags, ok := fv.(string)
		if !ok {
			return &MalformedSentinelError{Path: s.Path(), Key: value.KeyFlags, Want: "flag string"}
		}
		if strings.ContainsRune(flags, 'i') {
			mask |= regexpIgnoreCase
		}
		if strings.ContainsRune(flags, 'x') {
			mask |= regexpExtended
		}
		if strings.ContainsRune(flags, 'm') {
			mask |= regexpMultiline
		}
	}

	s.buf = append(s.buf, tagRegexp)
	s.chunk([]byte(expr))
	s.buf = append(s.buf, mask)
	return nil
}

// reservedKeys are the sentinel keys excluded when emitting an object's
// instance variables or a hash's pairs.
var reservedKeys = map[string]bool{
	value.KeyClass:   true,
	value.KeyType:    true,
	value.KeyData:    true,
	value.KeyWrapped: true,
	value.KeyExtends: true,
	value.KeyDefault: true,
}

// ivarNames returns the object's non-reserved keys in insertion order.
func (s *dumpState) ivarNames(obj *value.Object) []string {
	names := make([]string, 0, obj.Len())
	for _, k := range obj.Keys() {
		if !reservedKeys[k] {
			names = append(names, k)
		}
	}
	return names
}

// ivarSym converts a value-tree ivar key back into its source symbol:
// the caller's prefix is dropped and a leading "@" restored. Struct
// members are plain identifiers on the wire, so they only drop the
// prefix.
func (s *dumpState) ivarSym(key string, addAt bool) string {
	name := strings.TrimPrefix(key, s.prefix)
	if !addAt || strings.HasPrefix(name, "@") {
		return name
	}
	return "@" + name
}

// instance emits an 'o' or 'S' payload: class symbol, member count, then
// (symbol, value) pairs for every non-reserved key.
func (s *dumpState) instance(obj *value.Object, tag byte) error {
	class, err := s.className(obj)
	if err != nil {
		return err
	}

	s.buf = append(s.buf, tag)
	s.sym(class)

	names := s.ivarNames(obj)
	s.long(int64(len(names)))
	for _, key := range names {
		s.sym(s.ivarSym(key, tag == tagObject))
		v, _ := obj.Get(key)
		s.pushPath("." + key)
		if err := s.value(v); err != nil {
			return err
		}
		s.popPath()
	}
	return nil
}

// classRef emits a 'c' or 'm' payload with the unprefixed name as a
// plain byte string.
func (s *dumpState) classRef(obj *value.Object, tag byte) error {
	class, err := s.className(obj)
	if err != nil {
		return err
	}
	s.buf = append(s.buf, tag)
	s.chunk([]byte(class))
	return nil
}

// userDefined emits a 'u' payload: class symbol plus the opaque byte
// string. Non-reserved keys ride along as an ivar wrap, matching how the
// reference emitter attaches encodings to _dump payloads.
func (s *dumpState) userDefined(obj *value.Object) error {
	class, err := s.className(obj)
	if err != nil {
		return err
	}
	raw, err := s.bytesData(obj, value.KeyData)
	if err != nil {
		return err
	}

	names := s.ivarNames(obj)
	if len(names) > 0 {
		s.buf = append(s.buf, tagIVar)
	}

	s.buf = append(s.buf, tagUsrDefined)
	s.sym(class)
	s.chunk(raw)

	if len(names) > 0 {
		s.long(int64(len(names)))
		for _, key := range names {
			s.sym(s.ivarSym(key, true))
			v, _ := obj.Get(key)
			s.pushPath("." + key)
			if err := s.value(v); err != nil {
				return err
			}
			s.popPath()
		}
	}
	return nil
}

// userMarshal emits a 'U' payload: class symbol plus the recursively
// emitted marshal_dump value.
func (s *dumpState) userMarshal(obj *value.Object) error {
	class, err := s.className(obj)
	if err != nil {
		return err
	}
	data, ok := obj.Get(value.KeyData)
	if !ok {
		return &MalformedSentinelError{Path: s.Path(), Key: value.KeyData, Want: "present"}
	}

	s.buf = append(s.buf, tagUsrMarshal)
	s.sym(class)
	s.pushPath("." + value.KeyData)
	defer s.popPath()
	return s.value(data)
}

// userClass emits a 'C' wrap: class symbol plus the wrapped builtin.
func (s *dumpState) userClass(obj *value.Object) error {
	class, err := s.className(obj)
	if err != nil {
		return err
	}
	wrapped, ok := obj.Get(value.KeyWrapped)
	if !ok {
		return &MalformedSentinelError{Path: s.Path(), Key: value.KeyWrapped, Want: "present"}
	}

	s.buf = append(s.buf, tagUsrClass)
	s.sym(class)
	s.pushPath("." + value.KeyWrapped)
	defer s.popPath()
	return s.value(wrapped)
}

// hash emits a '{' payload, or '}' when a "__default" key is present (in
// which case the default value trails the pairs). Keys are reconstructed
// from their typed prefixes; anything unrecognized goes out as a UTF-8
// string.
func (s *dumpState) hash(obj *value.Object) error {
	dflt, hasDflt := obj.Get(value.KeyDefault)
	if hasDflt {
		s.buf = append(s.buf, tagHashDflt)
	} else {
		s.buf = append(s.buf, tagHash)
	}

	keys := s.ivarNames(obj)
	s.long(int64(len(keys)))

	for _, key := range keys {
		if err := s.hashKey(obj, key); err != nil {
			return err
		}
		v, _ := obj.Get(key)
		s.pushPath("." + key)
		if err := s.value(v); err != nil {
			return err
		}
		s.popPath()
	}

	if hasDflt {
		s.pushPath("." + value.KeyDefault)
		defer s.popPath()
		return s.value(dflt)
	}
	return nil
}

// hashKey reconstructs and emits a single hash key from its stringified
// form.
func (s *dumpState) hashKey(obj *value.Object, key string) error {
	switch {
	case strings.HasPrefix(key, value.IntegerPrefix):
		text := key[len(value.IntegerPrefix):]
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return &MalformedSentinelError{Path: s.Path(), Key: key, Want: "decimal integer after prefix"}
		}
		return s.integer(n)

	case strings.HasPrefix(key, value.FloatPrefix):
		text := key[len(value.FloatPrefix):]
		switch text {
		case "inf", "-inf", "nan":
			s.floatToken(text)
			return nil
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return &MalformedSentinelError{Path: s.Path(), Key: key, Want: "decimal float after prefix"}
		}
		s.float(f)
		return nil

	case key == value.NilKey:
		s.buf = append(s.buf, tagNil)
		return nil
	case key == value.TrueKey:
		s.buf = append(s.buf, tagTrue)
		return nil
	case key == value.FalseKey:
		s.buf = append(s.buf, tagFalse)
		return nil

	case strings.HasPrefix(key, value.ObjectPrefix):
		orig, ok := obj.KeyValue(key)
		if !ok {
			return &MalformedSentinelError{Path: s.Path(), Key: key, Want: "original key value recorded by Load in this process"}
		}
		s.pushPath("." + key)
		defer s.popPath()
		return s.value(orig)
	}

	// Symbol keys fall through to the plain string path, which already
	// understands the symbol prefix.
	return s.value(key)
}
