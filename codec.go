/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Wire codec: container headers, typed MTP values, property lists
 */

package mtpusb

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// ContainerType classifies a PTPContainer (spec §3/§4.A).
type ContainerType uint16

const (
	ContainerCommand  ContainerType = 1
	ContainerData     ContainerType = 2
	ContainerResponse ContainerType = 3
	ContainerEvent    ContainerType = 4
)

// ContainerHeaderSize is the fixed 12-byte container header.
const ContainerHeaderSize = 12

// MaxParams is the maximum number of u32 parameters a container carries.
const MaxParams = 5

// PTPContainer is the wire-level command/data/response/event frame.
type PTPContainer struct {
	Length        uint32
	Type          ContainerType
	Code          uint16
	TransactionID uint32
	Params        []uint32 // command/response only
	Payload       []byte   // data containers only
}

// CodecErrorKind enumerates the ways decode can fail. Decode never
// panics; every malformed input is reported through CodecError.
type CodecErrorKind int

const (
	CodecTruncated CodecErrorKind = iota
	CodecBadType
	CodecBadString
)

// CodecError reports a decode failure.
type CodecError struct {
	Kind CodecErrorKind
	Detail string
}

func (e *CodecError) Error() string {
	switch e.Kind {
	case CodecTruncated:
		return "codec: truncated input" + suffix(e.Detail)
	case CodecBadType:
		return "codec: bad type" + suffix(e.Detail)
	case CodecBadString:
		return "codec: bad string" + suffix(e.Detail)
	default:
		return "codec: decode error" + suffix(e.Detail)
	}
}

func suffix(detail string) string {
	if detail == "" {
		return ""
	}
	return ": " + detail
}

var byteOrder = binary.LittleEndian

// EncodeHeader writes a 12-byte container header (length, type, code,
// transaction id) per spec §4.A.
func EncodeHeader(length uint32, typ ContainerType, code uint16, txID uint32) []byte {
	buf := make([]byte, ContainerHeaderSize)
	byteOrder.PutUint32(buf[0:4], length)
	byteOrder.PutUint16(buf[4:6], uint16(typ))
	byteOrder.PutUint16(buf[6:8], code)
	byteOrder.PutUint32(buf[8:12], txID)
	return buf
}

// DecodeHeader parses a 12-byte container header.
func DecodeHeader(b []byte) (length uint32, typ ContainerType, code uint16, txID uint32, err error) {
	if len(b) < ContainerHeaderSize {
		return 0, 0, 0, 0, &CodecError{Kind: CodecTruncated, Detail: "header"}
	}
	length = byteOrder.Uint32(b[0:4])
	typ = ContainerType(byteOrder.Uint16(b[4:6]))
	code = byteOrder.Uint16(b[6:8])
	txID = byteOrder.Uint32(b[8:12])
	return length, typ, code, txID, nil
}

// EncodeCommand builds a command/response-shaped container: header
// plus up to MaxParams little-endian u32 parameters.
func EncodeCommand(typ ContainerType, code uint16, txID uint32, params []uint32) []byte {
	if len(params) > MaxParams {
		params = params[:MaxParams]
	}
	length := uint32(ContainerHeaderSize + 4*len(params))
	buf := EncodeHeader(length, typ, code, txID)
	for _, p := range params {
		var pbuf [4]byte
		byteOrder.PutUint32(pbuf[:], p)
		buf = append(buf, pbuf[:]...)
	}
	return buf
}

// DecodeCommand parses a full command/response container (header plus
// trailing u32 parameters), never panicking on a short slice.
func DecodeCommand(b []byte) (*PTPContainer, error) {
	length, typ, code, txID, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	if length < ContainerHeaderSize {
		return nil, &CodecError{Kind: CodecTruncated, Detail: "length < header size"}
	}
	if int64(length) > int64(len(b)) {
		return nil, &CodecError{Kind: CodecTruncated, Detail: "container shorter than its declared length"}
	}
	rest := b[ContainerHeaderSize:]
	nParams := (len(rest)) / 4
	if nParams > MaxParams {
		nParams = MaxParams
	}
	params := make([]uint32, 0, nParams)
	for i := 0; i < nParams; i++ {
		off := i * 4
		if off+4 > len(rest) {
			return nil, &CodecError{Kind: CodecTruncated, Detail: "param"}
		}
		params = append(params, byteOrder.Uint32(rest[off:off+4]))
	}
	return &PTPContainer{Length: length, Type: typ, Code: code, TransactionID: txID, Params: params}, nil
}

// EncodeDataHeader builds the header of a Data container whose payload
// length is known up front (spec §4.C streaming: header, then chunks).
func EncodeDataHeader(code uint16, txID uint32, payloadLen int) []byte {
	return EncodeHeader(uint32(ContainerHeaderSize+payloadLen), ContainerData, code, txID)
}

// --- Typed values (spec §4.A) ---

// DataType identifies an MTP typed-value's wire representation.
// TypeStringCodeReal (0xFFFF) collides with bit 14 set on some
// vendor-extended codes on one observed device, so dispatch below is
// by explicit type-table lookup, never a bitmask test on bit 14.
type DataType uint16

const (
	TypeUndefined DataType = 0x0000
	TypeInt8      DataType = 0x0001
	TypeUint8     DataType = 0x0002
	TypeInt16     DataType = 0x0003
	TypeUint16    DataType = 0x0004
	TypeInt32     DataType = 0x0005
	TypeUint32    DataType = 0x0006
	TypeInt64     DataType = 0x0007
	TypeUint64    DataType = 0x0008
	TypeInt128    DataType = 0x0009
	TypeUint128   DataType = 0x000A
	TypeAInt8     DataType = 0x4001
	TypeAUint8    DataType = 0x4002
	TypeAInt16    DataType = 0x4003
	TypeAUint16   DataType = 0x4004
	TypeAInt32    DataType = 0x4005
	TypeAUint32   DataType = 0x4006
	TypeAInt64    DataType = 0x4007
	TypeAUint64   DataType = 0x4008
	TypeAInt128   DataType = 0x4009
	TypeAUint128  DataType = 0x400A

	// TypeStringCodeReal is MTP's STRING data type code.
	TypeStringCodeReal DataType = 0xFFFF
)

// TypedValue is a decoded MTP value tagged with its wire DataType.
type TypedValue struct {
	Type DataType
	// Exactly one of the following is populated, selected by Type.
	Int   int64
	Uint  uint64
	Bytes []byte   // Int128/Uint128: 16 raw little-endian bytes
	Ints  []int64  // array types, signed
	Uints []uint64 // array types, unsigned
	Str   string
}

// sizeOfScalar returns the byte width of a fixed-size scalar type, or
// 0 if typ is not a fixed-size scalar (array/string/undefined).
func sizeOfScalar(typ DataType) int {
	switch typ {
	case TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32:
		return 4
	case TypeInt64, TypeUint64:
		return 8
	case TypeInt128, TypeUint128:
		return 16
	default:
		return 0
	}
}

func isSigned(typ DataType) bool {
	switch typ {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64, TypeInt128,
		TypeAInt8, TypeAInt16, TypeAInt32, TypeAInt64, TypeAInt128:
		return true
	default:
		return false
	}
}

func arrayElemType(typ DataType) (DataType, bool) {
	switch typ {
	case TypeAInt8:
		return TypeInt8, true
	case TypeAUint8:
		return TypeUint8, true
	case TypeAInt16:
		return TypeInt16, true
	case TypeAUint16:
		return TypeUint16, true
	case TypeAInt32:
		return TypeInt32, true
	case TypeAUint32:
		return TypeUint32, true
	case TypeAInt64:
		return TypeInt64, true
	case TypeAUint64:
		return TypeUint64, true
	case TypeAInt128:
		return TypeInt128, true
	case TypeAUint128:
		return TypeUint128, true
	default:
		return 0, false
	}
}

// EncodeTypedValue encodes v per its Type tag (spec §4.A).
func EncodeTypedValue(v TypedValue) []byte {
	switch v.Type {
	case TypeUndefined:
		return nil
	case TypeStringCodeReal:
		return encodeMTPString(v.Str)
	}
	if elemTyp, ok := arrayElemType(v.Type); ok {
		return encodeArray(elemTyp, v)
	}
	if n := sizeOfScalar(v.Type); n > 0 {
		return encodeScalar(v.Type, v)
	}
	return nil
}

func encodeScalar(typ DataType, v TypedValue) []byte {
	n := sizeOfScalar(typ)
	buf := make([]byte, n)
	if typ == TypeInt128 || typ == TypeUint128 {
		copy(buf, v.Bytes)
		return buf
	}
	if isSigned(typ) {
		putSignedN(buf, v.Int, n)
	} else {
		putUnsignedN(buf, v.Uint, n)
	}
	return buf
}

func encodeArray(elemTyp DataType, v TypedValue) []byte {
	var count int
	if isSigned(elemTyp) {
		count = len(v.Ints)
	} else {
		count = len(v.Uints)
	}
	buf := make([]byte, 4)
	byteOrder.PutUint32(buf, uint32(count))
	n := sizeOfScalar(elemTyp)
	for i := 0; i < count; i++ {
		elem := make([]byte, n)
		if isSigned(elemTyp) {
			putSignedN(elem, v.Ints[i], n)
		} else {
			putUnsignedN(elem, v.Uints[i], n)
		}
		buf = append(buf, elem...)
	}
	return buf
}

func putUnsignedN(buf []byte, val uint64, n int) {
	switch n {
	case 1:
		buf[0] = byte(val)
	case 2:
		byteOrder.PutUint16(buf, uint16(val))
	case 4:
		byteOrder.PutUint32(buf, uint32(val))
	case 8:
		byteOrder.PutUint64(buf, val)
	}
}

func putSignedN(buf []byte, val int64, n int) {
	putUnsignedN(buf, uint64(val), n)
}

// encodeMTPString encodes s as a u8 character count (including the
// trailing NUL) followed by that many UTF-16LE code units. An empty
// string is a single zero byte (spec §4.A).
func encodeMTPString(s string) []byte {
	if s == "" {
		return []byte{0}
	}
	units := utf16Encode(s)
	units = append(units, 0) // trailing NUL counted in the length byte
	if len(units) > 255 {
		units = units[:255]
	}
	buf := make([]byte, 1, 1+2*len(units))
	buf[0] = byte(len(units))
	for _, u := range units {
		var ubuf [2]byte
		byteOrder.PutUint16(ubuf[:], u)
		buf = append(buf, ubuf[:]...)
	}
	return buf
}

// DecodeTypedValue decodes one value of the given type from b,
// returning the value and the number of bytes consumed. Never panics;
// malformed input yields a CodecError.
func DecodeTypedValue(typ DataType, b []byte) (TypedValue, int, error) {
	if typ == TypeUndefined {
		return TypedValue{Type: typ}, 0, nil
	}
	if typ == TypeStringCodeReal {
		return decodeMTPString(b)
	}
	if elemTyp, ok := arrayElemType(typ); ok {
		return decodeArray(typ, elemTyp, b)
	}
	if n := sizeOfScalar(typ); n > 0 {
		return decodeScalar(typ, n, b)
	}
	return TypedValue{}, 0, &CodecError{Kind: CodecBadType, Detail: fmt.Sprintf("0x%04x", uint16(typ))}
}

func decodeScalar(typ DataType, n int, b []byte) (TypedValue, int, error) {
	if len(b) < n {
		return TypedValue{}, 0, &CodecError{Kind: CodecTruncated, Detail: "scalar"}
	}
	if typ == TypeInt128 || typ == TypeUint128 {
		raw := make([]byte, 16)
		copy(raw, b[:16])
		return TypedValue{Type: typ, Bytes: raw}, n, nil
	}
	if isSigned(typ) {
		return TypedValue{Type: typ, Int: getSignedN(b, n)}, n, nil
	}
	return TypedValue{Type: typ, Uint: getUnsignedN(b, n)}, n, nil
}

func decodeArray(typ, elemTyp DataType, b []byte) (TypedValue, int, error) {
	if len(b) < 4 {
		return TypedValue{}, 0, &CodecError{Kind: CodecTruncated, Detail: "array count"}
	}
	count := int(byteOrder.Uint32(b[:4]))
	off := 4
	n := sizeOfScalar(elemTyp)
	v := TypedValue{Type: typ}
	for i := 0; i < count; i++ {
		if off+n > len(b) {
			return TypedValue{}, 0, &CodecError{Kind: CodecTruncated, Detail: "array element"}
		}
		if isSigned(elemTyp) {
			v.Ints = append(v.Ints, getSignedN(b[off:], n))
		} else {
			v.Uints = append(v.Uints, getUnsignedN(b[off:], n))
		}
		off += n
	}
	return v, off, nil
}

// decodeMTPString decodes a u8-count-prefixed UTF-16LE string in the
// standard form only: the count is in UTF-16 units and includes the
// trailing NUL. Strings that omit the NUL or carry a byte count are
// not recognized, and no quirk option changes how strings decode.
func decodeMTPString(b []byte) (TypedValue, int, error) {
	if len(b) < 1 {
		return TypedValue{}, 0, &CodecError{Kind: CodecTruncated, Detail: "string count"}
	}
	count := int(b[0])
	need := 1 + 2*count
	if len(b) < need {
		return TypedValue{}, 0, &CodecError{Kind: CodecBadString, Detail: "short string body"}
	}
	if count == 0 {
		return TypedValue{Type: TypeStringCodeReal, Str: ""}, 1, nil
	}
	units := make([]uint16, count)
	for i := 0; i < count; i++ {
		off := 1 + 2*i
		units[i] = byteOrder.Uint16(b[off : off+2])
	}
	// strip a single trailing NUL unit, if present
	if units[len(units)-1] == 0 {
		units = units[:len(units)-1]
	}
	s := utf16Decode(units)
	return TypedValue{Type: TypeStringCodeReal, Str: s}, need, nil
}

func getUnsignedN(b []byte, n int) uint64 {
	switch n {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(byteOrder.Uint16(b))
	case 4:
		return uint64(byteOrder.Uint32(b))
	case 8:
		return byteOrder.Uint64(b)
	}
	return 0
}

func getSignedN(b []byte, n int) int64 {
	u := getUnsignedN(b, n)
	switch n {
	case 1:
		return int64(int8(u))
	case 2:
		return int64(int16(u))
	case 4:
		return int64(int32(u))
	case 8:
		return int64(u)
	}
	return int64(u)
}

// --- Property list (spec §4.A "fast enumeration") ---

// PropElement is one row of a decoded property list:
// { handle: u32, propCode: u16, dataType: u16, value: typed }.
type PropElement struct {
	Handle   uint32
	PropCode uint16
	DataType DataType
	Value    TypedValue
}

// DecodePropList decodes `count: u32` followed by that many
// PropElement rows. Total: never panics, reports CodecError on any
// malformed prefix.
func DecodePropList(b []byte) ([]PropElement, error) {
	if len(b) < 4 {
		return nil, &CodecError{Kind: CodecTruncated, Detail: "proplist count"}
	}
	count := int(byteOrder.Uint32(b[:4]))
	off := 4
	elems := make([]PropElement, 0, count)
	for i := 0; i < count; i++ {
		if off+8 > len(b) {
			return nil, &CodecError{Kind: CodecTruncated, Detail: "proplist row header"}
		}
		handle := byteOrder.Uint32(b[off : off+4])
		propCode := byteOrder.Uint16(b[off+4 : off+6])
		dataType := DataType(byteOrder.Uint16(b[off+6 : off+8]))
		off += 8
		val, n, err := DecodeTypedValue(dataType, b[off:])
		if err != nil {
			return nil, err
		}
		off += n
		elems = append(elems, PropElement{Handle: handle, PropCode: propCode, DataType: dataType, Value: val})
	}
	return elems, nil
}

// EncodePropList is the inverse of DecodePropList, used by the
// virtual-link test double to script device responses.
func EncodePropList(elems []PropElement) []byte {
	buf := make([]byte, 4)
	byteOrder.PutUint32(buf, uint32(len(elems)))
	for _, e := range elems {
		row := make([]byte, 8)
		byteOrder.PutUint32(row[0:4], e.Handle)
		byteOrder.PutUint16(row[4:6], e.PropCode)
		byteOrder.PutUint16(row[6:8], uint16(e.DataType))
		buf = append(buf, row...)
		buf = append(buf, EncodeTypedValue(e.Value)...)
	}
	return buf
}

// --- Response codes recognized specially by the core (spec §6) ---

const (
	RCOk                   uint16 = 0x2001
	RCOperationNotSupported uint16 = 0x2005
	RCInvalidStorageID     uint16 = 0x2008
	RCInvalidObjectHandle  uint16 = 0x2009
	RCDeviceBusy           uint16 = 0x2019
	RCStoreFull            uint16 = 0x200C
	RCObjectWriteProtected uint16 = 0x200D
	RCAccessDenied         uint16 = 0x200F
	RCSessionAlreadyOpen   uint16 = 0x201E
)

// Event codes routed by the Device Session's event pump (spec §4.F).
const (
	EventObjectAdded        uint16 = 0x4002
	EventObjectRemoved      uint16 = 0x4003
	EventObjectMoved        uint16 = 0x4004
	EventStorageInfoChanged uint16 = 0x400C
)

var responseCodeNames = map[uint16]string{
	RCOk:                    "OK",
	RCOperationNotSupported: "OperationNotSupported",
	RCInvalidStorageID:      "InvalidStorageID",
	RCInvalidObjectHandle:   "InvalidObjectHandle",
	RCDeviceBusy:            "DeviceBusy",
	RCStoreFull:             "StoreFull",
	RCObjectWriteProtected:  "ObjectWriteProtected",
	RCAccessDenied:          "AccessDenied",
	RCSessionAlreadyOpen:    "SessionAlreadyOpen",
}

// ResponseCodeName renders a response code for logs/errors, falling
// back to its hex form when unrecognized.
func ResponseCodeName(code uint16) string {
	if name, ok := responseCodeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", code)
}

func utf16Encode(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

func utf16Decode(units []uint16) string {
	return string(utf16.Decode(units))
}
