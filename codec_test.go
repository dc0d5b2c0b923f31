/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Tests for the wire codec: container headers, typed values, and
 * property lists
 */

package mtpusb

import (
	"reflect"
	"testing"
)

// Command/response containers round-trip through Encode/DecodeCommand
// with their header fields and parameters intact.
func TestCommandRoundTrip(t *testing.T) {
	testData := []struct {
		typ    ContainerType
		code   uint16
		txID   uint32
		params []uint32
	}{
		{ContainerCommand, 0x1009, 1, nil},
		{ContainerCommand, 0x1009, 2, []uint32{1}},
		{ContainerResponse, RCOk, 3, []uint32{0x11223344, 0xAABBCCDD}},
		{ContainerCommand, 0x1014, 4, []uint32{1, 2, 3, 4, 5}},
	}

	for _, data := range testData {
		encoded := EncodeCommand(data.typ, data.code, data.txID, data.params)

		got, err := DecodeCommand(encoded)
		if err != nil {
			t.Fatalf("DecodeCommand(%+v): %s", data, err)
		}
		if got.Type != data.typ || got.Code != data.code || got.TransactionID != data.txID {
			t.Errorf("DecodeCommand(%+v): got type=%v code=%#x txID=%d", data, got.Type, got.Code, got.TransactionID)
		}
		want := data.params
		if len(want) > MaxParams {
			want = want[:MaxParams]
		}
		if !reflect.DeepEqual(got.Params, want) && !(len(want) == 0 && len(got.Params) == 0) {
			t.Errorf("DecodeCommand(%+v): params = %v, want %v", data, got.Params, want)
		}
	}
}

// Every scalar, array, and string DataType round-trips through
// Encode/DecodeTypedValue with its value preserved and its exact
// encoded length consumed.
func TestTypedValueRoundTrip(t *testing.T) {
	testData := []struct {
		name string
		v    TypedValue
	}{
		{"uint8", TypedValue{Type: TypeUint8, Uint: 0xAB}},
		{"int8", TypedValue{Type: TypeInt8, Int: -12}},
		{"uint16", TypedValue{Type: TypeUint16, Uint: 0xBEEF}},
		{"int16", TypedValue{Type: TypeInt16, Int: -1000}},
		{"uint32", TypedValue{Type: TypeUint32, Uint: 0xDEADBEEF}},
		{"int32", TypedValue{Type: TypeInt32, Int: -100000}},
		{"uint64", TypedValue{Type: TypeUint64, Uint: 0x0123456789ABCDEF}},
		{"int64", TypedValue{Type: TypeInt64, Int: -9000000000}},
		{"uint128", TypedValue{Type: TypeUint128, Bytes: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}}},
		{"array uint32", TypedValue{Type: TypeAUint32, Uints: []uint64{1, 2, 3, 4}}},
		{"array int16", TypedValue{Type: TypeAInt16, Ints: []int64{-1, 0, 1, 32000}}},
		{"empty array", TypedValue{Type: TypeAUint8, Uints: nil}},
		{"string", TypedValue{Type: TypeStringCodeReal, Str: "hello mtp"}},
		{"empty string", TypedValue{Type: TypeStringCodeReal, Str: ""}},
		{"non-ascii string", TypedValue{Type: TypeStringCodeReal, Str: "café"}},
		{"undefined", TypedValue{Type: TypeUndefined}},
	}

	for _, data := range testData {
		encoded := EncodeTypedValue(data.v)

		got, n, err := DecodeTypedValue(data.v.Type, encoded)
		if err != nil {
			t.Fatalf("%s: DecodeTypedValue: %s", data.name, err)
		}
		if n != len(encoded) {
			t.Errorf("%s: DecodeTypedValue consumed %d bytes, encoded was %d", data.name, n, len(encoded))
		}
		if !reflect.DeepEqual(got, data.v) {
			t.Errorf("%s: round trip = %+v, want %+v", data.name, got, data.v)
		}
	}
}

// A DataType code with no scalar/array/string mapping is reported as
// CodecBadType rather than silently decoding as zero bytes.
func TestDecodeTypedValueBadType(t *testing.T) {
	_, _, err := DecodeTypedValue(DataType(0x9999), []byte{1, 2, 3, 4})
	if err == nil {
		t.Fatalf("expected an error for an unrecognized data type")
	}
	ce, ok := err.(*CodecError)
	if !ok || ce.Kind != CodecBadType {
		t.Errorf("expected a CodecBadType error, got %#v", err)
	}
}

// Property lists round-trip through Encode/DecodePropList, including
// rows whose value is a string or an array.
func TestPropListRoundTrip(t *testing.T) {
	elems := []PropElement{
		{Handle: 1, PropCode: 0xDC01, DataType: TypeUint32, Value: TypedValue{Type: TypeUint32, Uint: 42}},
		{Handle: 2, PropCode: 0xDC07, DataType: TypeStringCodeReal, Value: TypedValue{Type: TypeStringCodeReal, Str: "photo.jpg"}},
		{Handle: 3, PropCode: 0xDC0B, DataType: TypeAUint16, Value: TypedValue{Type: TypeAUint16, Uints: []uint64{1, 2, 3}}},
	}

	encoded := EncodePropList(elems)

	got, err := DecodePropList(encoded)
	if err != nil {
		t.Fatalf("DecodePropList: %s", err)
	}
	if !reflect.DeepEqual(got, elems) {
		t.Errorf("PropList round trip = %+v, want %+v", got, elems)
	}
}

// DecodePropList on an empty list (count 0) returns an empty, non-nil
// slice rather than erroring.
func TestPropListRoundTripEmpty(t *testing.T) {
	encoded := EncodePropList(nil)
	got, err := DecodePropList(encoded)
	if err != nil {
		t.Fatalf("DecodePropList: %s", err)
	}
	if len(got) != 0 {
		t.Errorf("expected an empty proplist, got %+v", got)
	}
}

// Truncation safety: every decoder must report CodecTruncated on a
// short input rather than panicking or silently misreading past the
// end of the slice.
func TestDecodeTruncationSafety(t *testing.T) {
	full := EncodeHeader(ContainerHeaderSize+8, ContainerCommand, 0x1009, 7)
	full = append(full, []byte{1, 2, 3, 4, 5, 6, 7, 8}...)

	for n := 0; n < len(full); n++ {
		if _, _, _, _, err := DecodeHeader(full[:n]); n < ContainerHeaderSize && err == nil {
			t.Errorf("DecodeHeader(%d bytes): expected a truncation error", n)
		}
		if _, err := DecodeCommand(full[:n]); n < ContainerHeaderSize+8 {
			if err == nil {
				t.Errorf("DecodeCommand(%d bytes): expected a truncation error", n)
			}
		}
	}

	scalarCases := []DataType{TypeUint8, TypeUint16, TypeUint32, TypeUint64, TypeUint128}
	for _, typ := range scalarCases {
		full := EncodeTypedValue(TypedValue{Type: typ, Uint: 1})
		for n := 0; n < len(full); n++ {
			if _, _, err := DecodeTypedValue(typ, full[:n]); err == nil {
				t.Errorf("DecodeTypedValue(%v, %d bytes): expected a truncation error", typ, n)
			}
		}
	}

	arr := EncodeTypedValue(TypedValue{Type: TypeAUint32, Uints: []uint64{1, 2, 3}})
	for n := 0; n < len(arr); n++ {
		if _, _, err := DecodeTypedValue(TypeAUint32, arr[:n]); err == nil {
			t.Errorf("DecodeTypedValue(array, %d bytes): expected a truncation error", n)
		}
	}

	str := EncodeTypedValue(TypedValue{Type: TypeStringCodeReal, Str: "abc"})
	for n := 0; n < len(str); n++ {
		if _, _, err := DecodeTypedValue(TypeStringCodeReal, str[:n]); err == nil {
			t.Errorf("DecodeTypedValue(string, %d bytes): expected a truncation error", n)
		}
	}

	propList := EncodePropList([]PropElement{
		{Handle: 1, PropCode: 0xDC01, DataType: TypeUint32, Value: TypedValue{Type: TypeUint32, Uint: 1}},
	})
	for n := 0; n < len(propList); n++ {
		if _, err := DecodePropList(propList[:n]); err == nil {
			t.Errorf("DecodePropList(%d bytes): expected a truncation error", n)
		}
	}
}

// A malformed string whose declared unit count runs past the buffer
// is reported as CodecBadString, not a panic.
func TestDecodeMTPStringShortBody(t *testing.T) {
	_, _, err := DecodeTypedValue(TypeStringCodeReal, []byte{5, 'h', 0})
	if err == nil {
		t.Fatalf("expected an error for a truncated string body")
	}
	ce, ok := err.(*CodecError)
	if !ok || (ce.Kind != CodecBadString && ce.Kind != CodecTruncated) {
		t.Errorf("expected a CodecBadString/CodecTruncated error, got %#v", err)
	}
}

func TestResponseCodeName(t *testing.T) {
	if got := ResponseCodeName(RCOk); got != "OK" {
		t.Errorf("ResponseCodeName(RCOk) = %q, want %q", got, "OK")
	}
	if got := ResponseCodeName(0x9999); got != "0x9999" {
		t.Errorf("ResponseCodeName(unknown) = %q, want hex fallback", got)
	}
}
