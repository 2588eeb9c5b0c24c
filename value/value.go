// Package value defines the JSON-shaped dynamic value tree that the
// Marshal codec loads into and dumps from. It reserves a small set of
// string and key prefixes ("sentinels") to represent the parts of the
// Marshal value space that plain JSON has no native shape for: symbols,
// big integers, regular expressions, raw byte strings, and hashes keyed
// by something other than a string.
//
// The tree itself is built from ordinary Go values - nil, bool, int64,
// float64, string, []any, Bytes and *Object - so that any JSON library
// able to walk those (or able to go through the json.Marshaler /
// json.Unmarshaler methods of Object and Bytes) can realize it as text.
// Besides the shape and the insertion-order guarantee on object keys,
// the package offers Marshal and Unmarshal, built on goccy/go-json, as
// one such realization.
package value

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Sentinel prefixes and reserved keys, per the wire/value-tree mapping.
const (
	SymbolPrefix  = "__symbol__"
	IntegerPrefix = "__integer__"
	FloatPrefix   = "__float__"
	ObjectPrefix  = "__object__"

	KeyType    = "__type"
	KeyClass   = "__class"
	KeyData    = "__data"
	KeyWrapped = "__wrapped"
	KeyExtends = "__extends"
	KeyDefault = "__default"

	// Keys inside typed objects. Bigints and non-finite floats carry their
	// payload under "value"; bytes objects under "data"; regexps under
	// "expression" and "flags".
	KeyValue      = "value"
	KeyBytesData  = "data"
	KeyExpression = "expression"
	KeyFlags      = "flags"

	// Hash-key forms of the three values the wire assigns no
	// object-table slot. They are self-describing, so dumping them needs
	// no recorded original key value.
	NilKey   = ObjectPrefix + "nil"
	TrueKey  = ObjectPrefix + "true"
	FalseKey = ObjectPrefix + "false"

	TypeBigInt      = "bigint"
	TypeBytes       = "bytes"
	TypeRegexp      = "regexp"
	TypeFloat       = "float"
	TypeObject      = "object"
	TypeStruct      = "struct"
	TypeClass       = "class"
	TypeModule      = "module"
	TypeUserDefined = "userdef"
	TypeUserMarshal = "usermarshal"
	TypeUserClass   = "userclass"
)

// recognizedTypes is the closed set of "__type" discriminators the dumper
// classifies on. "float" only ever carries the non-finite values; finite
// floats are plain JSON numbers.
var recognizedTypes = map[string]bool{
	TypeBigInt:      true,
	TypeBytes:       true,
	TypeRegexp:      true,
	TypeFloat:       true,
	TypeObject:      true,
	TypeStruct:      true,
	TypeClass:       true,
	TypeModule:      true,
	TypeUserDefined: true,
	TypeUserMarshal: true,
	TypeUserClass:   true,
}

// IsRecognizedType reports whether t is one of the "__type" values the
// dumper knows how to classify a plain JSON object as.
func IsRecognizedType(t string) bool {
	return recognizedTypes[t]
}

// Symbol wraps a bare symbol name (without the leading "__symbol__") into
// its value-tree string form.
func Symbol(name string) string {
	return SymbolPrefix + name
}

// IsSymbol reports whether s carries the symbol sentinel prefix.
func IsSymbol(s string) bool {
	return strings.HasPrefix(s, SymbolPrefix)
}

// SymbolName strips the symbol sentinel prefix, returning the bare name.
// It is a no-op (returns s unchanged) if s is not a symbol string.
func SymbolName(s string) string {
	if IsSymbol(s) {
		return s[len(SymbolPrefix):]
	}
	return s
}

// Bytes represents a raw, non-UTF-8 (or binary-mode) Marshal string.
// It marshals to JSON as an array of byte values, matching the
// `{ "__type": "bytes", "data": [u8...] }` convention, rather than the
// base64 string encoding/json would otherwise choose for a []byte.
type Bytes []byte

// MarshalJSON implements json.Marshaler, emitting the bytes as a JSON
// array of integers, the shape the "data" key of a bytes object holds.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	nums := make([]int, len(b))
	for i, c := range b {
		nums[i] = int(c)
	}
	return json.Marshal(nums)
}

// UnmarshalJSON implements json.Unmarshaler, accepting a JSON array of
// integers.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	out := make(Bytes, len(nums))
	for i, n := range nums {
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// Object is a string-keyed, insertion-ordered JSON object. It is the
// carrier for every Marshal concept that maps onto a JSON object: big
// integers, regexps, instances, structs, class/module references,
// user-defined/user-marshal payloads, and ordinary hashes.
type Object struct {
	keys []string
	vals map[string]any

	// keyValues holds the original (non-string) key value behind an
	// "__object__<n>" hash key produced during Load, so that a Dump of
	// the same in-process tree can reconstruct it. A best-effort,
	// same-process affordance, not part of the wire contract.
	keyValues map[string]any
}

// NewObject returns an empty, ready to use Object.
func NewObject() *Object {
	return &Object{vals: make(map[string]any)}
}

// Len returns the number of keys in o.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Keys returns the object's keys in insertion order. The caller must not
// mutate the returned slice.
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	return o.keys
}

// Get returns the value stored under key and whether it was present.
func (o *Object) Get(key string) (any, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.vals[key]
	return v, ok
}

// Has reports whether key is present in o.
func (o *Object) Has(key string) bool {
	_, ok := o.Get(key)
	return ok
}

// Set assigns value to key, appending key to the insertion order the
// first time it is seen and overwriting in place on subsequent calls.
func (o *Object) Set(key string, val any) {
	if o.vals == nil {
		o.vals = make(map[string]any)
	}
	if _, exists := o.vals[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.vals[key] = val
}

// Delete removes key from o, if present.
func (o *Object) Delete(key string) {
	if o == nil {
		return
	}
	if _, ok := o.vals[key]; !ok {
		return
	}
	delete(o.vals, key)
	if o.keyValues != nil {
		delete(o.keyValues, key)
	}
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// SetKeyValue records the original (pre-stringification) key value for a
// hash entry whose key was mapped to key (typically an "__object__<n>"
// sentinel). See the keyValues field doc.
func (o *Object) SetKeyValue(key string, original any) {
	if o.keyValues == nil {
		o.keyValues = make(map[string]any)
	}
	o.keyValues[key] = original
}

// KeyValue returns the original key value recorded via SetKeyValue, if
// any.
func (o *Object) KeyValue(key string) (any, bool) {
	if o == nil || o.keyValues == nil {
		return nil, false
	}
	v, ok := o.keyValues[key]
	return v, ok
}

// Type returns the object's "__type" discriminator, if any.
func (o *Object) Type() (string, bool) {
	v, ok := o.Get(KeyType)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IntegerKey formats an integer hash key.
func IntegerKey(n int64) string {
	return IntegerPrefix + strconv.FormatInt(n, 10)
}

// FloatKey formats a float hash key, including the non-finite textual
// tokens.
func FloatKey(f float64) string {
	return FloatPrefix + formatFloatToken(f)
}

func formatFloatToken(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
}

// ObjectKey formats a hash key for a value that isn't a string, integer,
// float or symbol.
func ObjectKey(slotIndex int) string {
	return ObjectPrefix + strconv.Itoa(slotIndex)
}

// MarshalJSON implements json.Marshaler, emitting keys in insertion
// order.
func (o *Object) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("null"), nil
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		vb, err := json.Marshal(o.vals[k])
		if err != nil {
			return nil, err
		}
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// UnmarshalJSON implements json.Unmarshaler, preserving the order keys
// appear in the input text, at every nesting level.
func (o *Object) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return fmt.Errorf("value: expected JSON object, got %v", tok)
	}

	obj, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*o = *obj
	return nil
}

// decodeObject consumes an object body whose opening '{' has already
// been read, tracking key insertion order.
func decodeObject(dec *json.Decoder) (*Object, error) {
	o := NewObject()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("value: expected string key, got %v", keyTok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		o.Set(key, v)
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return nil, err
	}
	return o, nil
}

// decodeValue consumes one JSON value, realizing objects as *Object and
// arrays as []any.
func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch delim {
	case '{':
		return decodeObject(dec)
	case '[':
		arr := []any{}
		for dec.More() {
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if _, err := dec.Token(); err != nil { // closing ']'
			return nil, err
		}
		return arr, nil
	}
	return nil, fmt.Errorf("value: unexpected delimiter %v", delim)
}

// Marshal serializes a value-tree node to JSON text via goccy/go-json.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal parses JSON text into a value-tree node, preserving object
// key order at every nesting level. Numbers come back as float64, the
// ordinary JSON-decode convention.
func Unmarshal(data []byte) (any, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	return decodeValue(dec)
}
