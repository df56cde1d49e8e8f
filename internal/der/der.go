// Package der is a small typed builder for ASN.1 DER structures.
//
// Nodes are composed into a tree and serialised with Marshal, which walks
// the tree through a cryptobyte.Builder. Every constructor returns a value
// that owns its input, so partially built structures (a TBSCertList, a
// CRLDistributionPoints extension value) can be encoded and compared in
// isolation from any signing step.
package der

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ErrInvalidInput is returned by Marshal when a node cannot be represented
// in DER (negative bit counts, out-of-range times, and so on).
var ErrInvalidInput = errors.New("der: invalid input")

// utcTimeCutoff is the first year that must be written as GeneralizedTime
// (RFC 5280 section 4.1.2.5).
const utcTimeCutoff = 2050

// Node is a single encodable ASN.1 element.
type Node interface {
	build(b *cryptobyte.Builder)
}

type nodeFunc func(b *cryptobyte.Builder)

func (f nodeFunc) build(b *cryptobyte.Builder) { f(b) }

// Marshal serialises n to DER.
func Marshal(n Node) ([]byte, error) {
	if n == nil {
		return nil, fmt.Errorf("%w: nil node", ErrInvalidInput)
	}
	var b cryptobyte.Builder
	n.build(&b)
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return out, nil
}

// Sequence encodes a SEQUENCE of the given children.
func Sequence(children ...Node) Node {
	return constructed(cryptobyte_asn1.SEQUENCE, children)
}

// Set encodes a SET of the given children. Children are written in the
// order given; callers producing SET OF values with more than one member
// are responsible for DER ordering.
func Set(children ...Node) Node {
	return constructed(cryptobyte_asn1.SET, children)
}

// Explicit wraps child in a constructed context-specific [tag].
func Explicit(tag uint8, child Node) Node {
	return constructed(cryptobyte_asn1.Tag(tag).ContextSpecific().Constructed(), []Node{child})
}

// ContextConstructed encodes an IMPLICIT constructed [tag] whose content is
// the concatenation of children (for example GeneralNames inside fullName).
func ContextConstructed(tag uint8, children ...Node) Node {
	return constructed(cryptobyte_asn1.Tag(tag).ContextSpecific().Constructed(), children)
}

// ContextPrimitive encodes an IMPLICIT primitive [tag] holding raw content
// octets, as used by GeneralName alternatives such as uniformResourceIdentifier [6].
func ContextPrimitive(tag uint8, content []byte) Node {
	c := clone(content)
	return nodeFunc(func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.Tag(tag).ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddBytes(c)
		})
	})
}

func constructed(tag cryptobyte_asn1.Tag, children []Node) Node {
	kids := append([]Node(nil), children...)
	return nodeFunc(func(b *cryptobyte.Builder) {
		b.AddASN1(tag, func(b *cryptobyte.Builder) {
			for _, k := range kids {
				if k != nil {
					k.build(b)
				}
			}
		})
	})
}

// Integer encodes an arbitrary precision INTEGER.
func Integer(v *big.Int) Node {
	n := new(big.Int)
	if v != nil {
		n.Set(v)
	}
	return nodeFunc(func(b *cryptobyte.Builder) { b.AddASN1BigInt(n) })
}

// Int encodes a small INTEGER.
func Int(v int64) Node {
	return nodeFunc(func(b *cryptobyte.Builder) { b.AddASN1Int64(v) })
}

// Enumerated encodes an ENUMERATED value.
func Enumerated(v int64) Node {
	return nodeFunc(func(b *cryptobyte.Builder) { b.AddASN1Enum(v) })
}

// Boolean encodes a BOOLEAN.
func Boolean(v bool) Node {
	return nodeFunc(func(b *cryptobyte.Builder) { b.AddASN1Boolean(v) })
}

// Null encodes NULL.
func Null() Node {
	return nodeFunc(func(b *cryptobyte.Builder) { b.AddASN1NULL() })
}

// OID encodes an OBJECT IDENTIFIER.
func OID(oid asn1.ObjectIdentifier) Node {
	o := append(asn1.ObjectIdentifier(nil), oid...)
	return nodeFunc(func(b *cryptobyte.Builder) { b.AddASN1ObjectIdentifier(o) })
}

// OctetString encodes an OCTET STRING.
func OctetString(data []byte) Node {
	c := clone(data)
	return nodeFunc(func(b *cryptobyte.Builder) { b.AddASN1OctetString(c) })
}

// BitString encodes a BIT STRING holding bitLength bits from data. Unused
// trailing bits in the final octet are cleared.
func BitString(data []byte, bitLength int) Node {
	c := clone(data)
	return nodeFunc(func(b *cryptobyte.Builder) {
		if bitLength < 0 || bitLength > len(c)*8 || (len(c)*8-bitLength) >= 8 {
			b.SetError(fmt.Errorf("bit length %d does not fit %d octets", bitLength, len(c)))
			return
		}
		unused := len(c)*8 - bitLength
		if unused > 0 {
			c[len(c)-1] &^= byte(1<<unused) - 1
		}
		b.AddASN1(cryptobyte_asn1.BIT_STRING, func(b *cryptobyte.Builder) {
			b.AddUint8(uint8(unused))
			b.AddBytes(c)
		})
	})
}

// Bytes is shorthand for a whole-octet BIT STRING such as a signature value.
func Bytes(data []byte) Node {
	return BitString(data, len(data)*8)
}

// UTF8String encodes a UTF8String.
func UTF8String(s string) Node {
	return stringNode(cryptobyte_asn1.UTF8String, s)
}

// PrintableString encodes a PrintableString.
func PrintableString(s string) Node {
	return stringNode(cryptobyte_asn1.PrintableString, s)
}

// IA5String encodes an IA5String.
func IA5String(s string) Node {
	return nodeFunc(func(b *cryptobyte.Builder) {
		for i := 0; i < len(s); i++ {
			if s[i] > 0x7f {
				b.SetError(fmt.Errorf("%q is not a valid IA5String", s))
				return
			}
		}
		b.AddASN1(cryptobyte_asn1.IA5String, func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(s))
		})
	})
}

func stringNode(tag cryptobyte_asn1.Tag, s string) Node {
	return nodeFunc(func(b *cryptobyte.Builder) {
		b.AddASN1(tag, func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(s))
		})
	})
}

// Time encodes t as UTCTime when the year is before 2050 and as
// GeneralizedTime otherwise. t is converted to UTC and truncated to seconds.
func Time(t time.Time) Node {
	t = t.UTC().Truncate(time.Second)
	if t.Year() < utcTimeCutoff {
		return UTCTime(t)
	}
	return GeneralizedTime(t)
}

// UTCTime encodes t as UTCTime. Years outside 1950-2049 fail at Marshal.
func UTCTime(t time.Time) Node {
	t = t.UTC()
	return nodeFunc(func(b *cryptobyte.Builder) { b.AddASN1UTCTime(t) })
}

// GeneralizedTime encodes t as GeneralizedTime.
func GeneralizedTime(t time.Time) Node {
	t = t.UTC()
	return nodeFunc(func(b *cryptobyte.Builder) { b.AddASN1GeneralizedTime(t) })
}

// Raw inserts pre-encoded DER verbatim.
func Raw(encoded []byte) Node {
	c := clone(encoded)
	return nodeFunc(func(b *cryptobyte.Builder) { b.AddBytes(c) })
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
