package der

import (
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceOfPrimitives(t *testing.T) {
	out, err := Marshal(Sequence(Int(1), Boolean(true), Null()))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0x08, 0x02, 0x01, 0x01, 0x01, 0x01, 0xff, 0x05, 0x00}, out)
}

func TestIntegerMatchesEncodingASN1(t *testing.T) {
	for _, v := range []int64{0, 1, 127, 128, 255, 256, 1 << 40} {
		want, err := asn1.Marshal(big.NewInt(v))
		require.NoError(t, err)
		got, err := Marshal(Integer(big.NewInt(v)))
		require.NoError(t, err)
		assert.Equal(t, want, got, "value %d", v)
	}
}

func TestOID(t *testing.T) {
	oid := asn1.ObjectIdentifier{2, 5, 29, 31}
	want, err := asn1.Marshal(oid)
	require.NoError(t, err)
	got, err := Marshal(OID(oid))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestBitStringPadding(t *testing.T) {
	// digitalSignature | keyEncipherment -> bits 0 and 2 -> 0xa0, 5 unused bits.
	got, err := Marshal(BitString([]byte{0xa0}, 3))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x02, 0x05, 0xa0}, got)

	// Bits past bitLength are cleared.
	got, err = Marshal(BitString([]byte{0xff}, 1))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x02, 0x07, 0x80}, got)

	_, err = Marshal(BitString([]byte{0xff}, 9))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTimeSwitchesToGeneralized(t *testing.T) {
	utc, err := Marshal(Time(time.Date(2049, 12, 31, 23, 59, 59, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, byte(0x17), utc[0])
	assert.Equal(t, "491231235959Z", string(utc[2:]))

	gen, err := Marshal(Time(time.Date(2050, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, byte(0x18), gen[0])
	assert.Equal(t, "20500101000000Z", string(gen[2:]))
}

func TestContextTags(t *testing.T) {
	uri := "http://crl.example.com/a.crl"
	got, err := Marshal(Sequence(Explicit(0, ContextConstructed(0, ContextPrimitive(6, []byte(uri))))))
	require.NoError(t, err)

	require.Equal(t, byte(0x30), got[0])
	assert.Equal(t, byte(0xa0), got[2])
	assert.Equal(t, byte(0xa0), got[4])
	assert.Equal(t, byte(0x86), got[6])
	assert.Equal(t, uri, string(got[8:]))
}

func TestIA5StringRejectsNonASCII(t *testing.T) {
	_, err := Marshal(IA5String("héllo"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRawIsVerbatim(t *testing.T) {
	inner, err := Marshal(OctetString([]byte{1, 2, 3}))
	require.NoError(t, err)
	got, err := Marshal(Sequence(Raw(inner)))
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0x30, byte(len(inner))}, inner...), got)
}

func TestMarshalNil(t *testing.T) {
	_, err := Marshal(nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
