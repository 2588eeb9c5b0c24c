package rmarshal

import "fmt"

// The error taxonomy is a closed set, one struct per failure shape.
// Every loader error except UnsupportedVersionError carries the byte
// offset where it was detected; UnsupportedVersionError carries only the
// two header bytes, which sit at offsets 0 and 1. Every dumper error
// carries the JSON path.

// UnsupportedVersionError reports a Marshal header outside {4, 8}.
type UnsupportedVersionError struct {
	Major, Minor byte
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("rmarshal: unsupported Marshal version %d.%d, want 4.8", e.Major, e.Minor)
}

// UnexpectedEOFError reports a cursor that ran past the end of the input
// while expecting more bytes.
type UnexpectedEOFError struct {
	Offset int64
	Op     string
}

func (e *UnexpectedEOFError) Error() string {
	return fmt.Sprintf("rmarshal: unexpected end of input while reading %s (offset=%d)", e.Op, e.Offset)
}

// UnknownTagError reports a type tag byte outside the wire grammar.
type UnknownTagError struct {
	Tag    byte
	Offset int64
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("rmarshal: unknown type tag %q (0x%02x) at offset %d", e.Tag, e.Tag, e.Offset)
}

// BadSymbolLinkError reports a ';' symbol-link index outside the bounds
// of the symbol table at the moment it was read.
type BadSymbolLinkError struct {
	Index, TableLen int64
	Offset          int64
}

func (e *BadSymbolLinkError) Error() string {
	return fmt.Sprintf("rmarshal: symbol link %d out of range (table has %d entries) at offset %d", e.Index, e.TableLen, e.Offset)
}

// BadObjectLinkError reports an '@' object-link index outside the bounds
// of the object table at the moment it was read.
type BadObjectLinkError struct {
	Index, TableLen int64
	Offset          int64
}

func (e *BadObjectLinkError) Error() string {
	return fmt.Sprintf("rmarshal: object link %d out of range (table has %d entries) at offset %d", e.Index, e.TableLen, e.Offset)
}

// BadIntegerError reports a malformed signed-long encoding.
type BadIntegerError struct {
	Offset int64
	Reason string
}

func (e *BadIntegerError) Error() string {
	return fmt.Sprintf("rmarshal: malformed integer at offset %d: %s", e.Offset, e.Reason)
}

// BadFloatError reports float byte-string text that didn't parse.
type BadFloatError struct {
	Offset int64
	Text   string
}

func (e *BadFloatError) Error() string {
	return fmt.Sprintf("rmarshal: malformed float %q at offset %d", e.Text, e.Offset)
}

// BadBigIntError reports a malformed bignum sign byte or magnitude.
type BadBigIntError struct {
	Offset int64
	Reason string
}

func (e *BadBigIntError) Error() string {
	return fmt.Sprintf("rmarshal: malformed bignum at offset %d: %s", e.Offset, e.Reason)
}

// BadEncodingError reports a string ivar naming an encoding this codec
// cannot resolve. Bytes that fail to decode under a resolved encoding do
// not raise it; they load in the bytes form.
type BadEncodingError struct {
	Offset int64
	Name   string
	Cause  error
}

func (e *BadEncodingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rmarshal: bad encoding %q at offset %d: %s", e.Name, e.Offset, e.Cause)
	}
	return fmt.Sprintf("rmarshal: bad encoding %q at offset %d", e.Name, e.Offset)
}

func (e *BadEncodingError) Unwrap() error { return e.Cause }

// MalformedSentinelError reports a reserved value-tree key or prefix
// with a shape the dumper didn't expect (e.g. a non-decimal bigint
// string, or an "__object__<n>" hash key with no recoverable original
// key value).
type MalformedSentinelError struct {
	Path string
	Key  string
	Want string
}

func (e *MalformedSentinelError) Error() string {
	return fmt.Sprintf("rmarshal: malformed sentinel %q at %s: %s", e.Key, e.Path, e.Want)
}

// CycleError reports a value tree that refers back to itself somewhere on
// the dump emission stack. The dumper re-emits every shared reference in
// full, so a cyclic tree can never terminate; it is rejected instead.
type CycleError struct {
	Path string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("rmarshal: cyclic value at %s cannot be dumped", e.Path)
}
