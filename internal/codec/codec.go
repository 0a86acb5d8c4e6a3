// Package codec implements the obfuscated wire format the relay speaks:
// a permuted-alphabet base64 layer wrapping a tag-length-value record
// format with a magic length bias and injected random-padding fields.
//
// None of this is cryptographic. The permutation defeats a casual glance
// at the HTTP body; the length bias and padding vary the byte distribution
// for otherwise-identical logical messages.
package codec

import (
	"encoding/base64"
	"fmt"
	"math/rand"

	"github.com/dianwoshishi/neo-reGeorg-go/internal/relayerr"
)

// Field tags recognized by the TLV layer. Unknown tags are preserved on
// decode but otherwise ignored by the dispatcher.
const (
	FieldRandomA Tag = 0
	FieldData    Tag = 1
	FieldCmd     Tag = 2
	FieldMark    Tag = 3
	FieldStatus  Tag = 4
	FieldError   Tag = 5
	FieldIP      Tag = 6
	FieldPort    Tag = 7
	FieldRandomB Tag = 39
)

// Tag is a frame field key.
type Tag int32

// LenBias is added to every TLV length field on encode and subtracted on
// decode. Bit-exact and compatibility critical: changing it breaks the
// wire format.
const LenBias int32 = 1966546385

// stdAlphabet is the standard base64 alphabet, in encode order.
const stdAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// customAlphabet is a fixed permutation of stdAlphabet used to obscure the
// base64 text from a passive scanner.
const customAlphabet = "dhULNVGsuAk/MxH6ibjcEfRqDWYznXBe9Pl7+SKoZ8pJaICgrQO0mF21yv345wtT"

// helloEncoded is the on-wire (obfuscated) form of the cover page served
// whenever a request does not decode as a valid command. Its decoded form
// must be byte-identical across implementations for wire compatibility, so
// it is kept in its original obfuscated form and run through Decode like
// any other payload rather than transcribed by hand.
const helloEncoded = "6UNI/jhLR7X7fqPmY+m0BofOMNXNbVV2XNbiEVEODRxUbshHWKXC/mQWx0SNYVDFx1bKY0VDjcS3RcS/nGIOzVA0XOdI/cy="

// Frame is a tag -> value mapping. Tags are unique within a frame.
type Frame map[Tag][]byte

// Codec holds the precomputed encode/decode byte maps for the permuted
// alphabet.
type Codec struct {
	encodeMap [256]byte
	decodeMap [256]byte
}

// New builds a Codec with the permutation tables initialized for identity
// passthrough on any byte outside the alphabet (padding '=' and anything
// stray included).
func New() *Codec {
	c := &Codec{}
	for i := 0; i < 256; i++ {
		c.encodeMap[i] = byte(i)
		c.decodeMap[i] = byte(i)
	}
	if len(stdAlphabet) != len(customAlphabet) {
		panic("codec: alphabet length mismatch")
	}
	for i := 0; i < len(stdAlphabet); i++ {
		c.encodeMap[stdAlphabet[i]] = customAlphabet[i]
		c.decodeMap[customAlphabet[i]] = stdAlphabet[i]
	}
	return c
}

// Hello returns the decoded cover page bytes, computed from the obfuscated
// constant via the same Decode path used for client requests.
func (c *Codec) Hello() []byte {
	decoded, err := c.Base64Decode([]byte(helloEncoded))
	if err != nil {
		// The constant is fixed at compile time; a failure here means the
		// binary itself is corrupt, not a runtime condition to recover from.
		panic(fmt.Sprintf("codec: hello constant failed to decode: %v", err))
	}
	return decoded
}

// Base64Encode standard-base64-encodes raw, then substitutes each output
// byte present in the standard alphabet with its customAlphabet
// counterpart. Padding and any other byte pass through unchanged.
func (c *Codec) Base64Encode(raw []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(raw)
	out := make([]byte, len(encoded))
	for i := 0; i < len(encoded); i++ {
		out[i] = c.encodeMap[encoded[i]]
	}
	return out
}

// Base64Decode reverses the alphabet substitution and standard-decodes the
// result. A structural base64 violation is reported as a *relayerr.DecodeError
// so callers can classify it without string-matching.
func (c *Codec) Base64Decode(obf []byte) ([]byte, error) {
	mapped := make([]byte, len(obf))
	for i := 0; i < len(obf); i++ {
		mapped[i] = c.decodeMap[obf[i]]
	}
	decoded, err := base64.StdEncoding.DecodeString(string(mapped))
	if err != nil {
		return nil, &relayerr.DecodeError{Err: err}
	}
	return decoded, nil
}

// randPadding returns a random byte string whose length is a uniform
// integer in the half-open range [5, 20).
func randPadding() []byte {
	n := 5 + rand.Intn(15)
	buf := make([]byte, n)
	rand.Read(buf) //nolint:errcheck // math/rand.Read never errors
	return buf
}

// TLVEncode serializes fields as a sequence of <tag:1><length-biased:4
// big-endian><value> records, after inserting two random-padding fields at
// tags 0 and 39 (overwriting any caller-supplied values at those tags).
// Record order is unspecified; callers must not rely on it.
func (c *Codec) TLVEncode(fields Frame) []byte {
	out := make(Frame, len(fields)+2)
	for t, v := range fields {
		out[t] = v
	}
	out[FieldRandomA] = randPadding()
	out[FieldRandomB] = randPadding()

	buf := make([]byte, 0, 64*len(out))
	for t, v := range out {
		buf = append(buf, byte(t&0xFF))
		length := int32(len(v)) + LenBias
		buf = append(buf,
			byte(length>>24),
			byte(length>>16),
			byte(length>>8),
			byte(length),
		)
		buf = append(buf, v...)
	}
	return buf
}

// TLVDecode parses buf as a sequence of TLV records, stopping gracefully
// (returning whatever was parsed so far) the moment a record's declared
// length would run past the end of the buffer, or the declared length is
// negative. It never errors.
func (c *Codec) TLVDecode(buf []byte) Frame {
	out := make(Frame)
	cursor := 0
	for cursor+5 <= len(buf) {
		tag := Tag(buf[cursor])
		cursor++

		length := int32(buf[cursor])<<24 | int32(buf[cursor+1])<<16 | int32(buf[cursor+2])<<8 | int32(buf[cursor+3])
		length -= LenBias
		cursor += 4

		if length < 0 || cursor+int(length) > len(buf) {
			break
		}

		value := make([]byte, length)
		copy(value, buf[cursor:cursor+int(length)])
		cursor += int(length)

		out[tag] = value
	}
	return out
}
