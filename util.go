package rmarshal

// reverseBytes reverses b in place. Bignum magnitudes are little-endian
// on the wire but math/big.Int.SetBytes/Bytes wants big-endian, so both
// the loader and dumper reach for this.
func reverseBytes(b []byte) {
	for i := len(b)/2 - 1; i >= 0; i-- {
		opp := len(b) - 1 - i
		b[i], b[opp] = b[opp], b[i]
	}
}
