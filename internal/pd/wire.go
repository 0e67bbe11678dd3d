// Package pd implements OCR's policy-domain message pump: a fixed 32-byte
// wire header, marshal/unmarshal of type-specific bodies, two selectable
// transports (direct in-process dispatch and a real network platform), and
// the back-pressure / at-most-one-in-flight-response machinery a cross-PD
// pump needs.
package pd

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/OneOfOne/xxhash"
	"github.com/pierrec/lz4/v3"
	"github.com/tinylib/msgp/msgp"

	"github.com/ocr-runtime/ocr/internal/cmn"
)

// MsgType is a PD message's type: request / response / one-way /
// request-response.
type MsgType uint32

const (
	MsgTypeRequest MsgType = iota
	MsgTypeResponse
	MsgTypeOneWay
	MsgTypeRequestResponse
)

// MsgKind tags the type-specific body carried after the header, one entry
// per operation that can cross a PD boundary.
type MsgKind uint32

const (
	MsgKindReadyEDT MsgKind = iota
	MsgKindCloneReq
	MsgKindCloneResp
	MsgKindDBAcquireReq
	MsgKindDBAcquireResp
	MsgKindDBWriteback
	MsgKindEventSatisfy
)

func (k MsgKind) String() string {
	switch k {
	case MsgKindReadyEDT:
		return "ready-edt"
	case MsgKindCloneReq:
		return "clone-req"
	case MsgKindCloneResp:
		return "clone-resp"
	case MsgKindDBAcquireReq:
		return "db-acquire-req"
	case MsgKindDBAcquireResp:
		return "db-acquire-resp"
	case MsgKindDBWriteback:
		return "db-writeback"
	case MsgKindEventSatisfy:
		return "event-satisfy"
	default:
		return "unknown"
	}
}

// HeaderFlags is the header's flags bitfield. FlagCompressed marks an
// lz4-compressed body; FlagDigest(reserved) is implicit since every
// message on the wire always carries its xxhash digest.
type HeaderFlags uint32

const FlagCompressed HeaderFlags = 1 << 0

// HeaderSize is the fixed size of every message's header: 32 bytes.
const HeaderSize = 4 + 4 + 8 + 8 + 8

// Header is `{u32 type, u32 flags, u64 srcLoc, u64 dstLoc, u64 msgId}`. It
// is encoded with fixed-width big-endian fields (not msgp's variable-length
// encoding) specifically so it lands on the wire at exactly 32 bytes;
// msgp's append/read helpers are used below for the variable-length
// trailer instead, where the body has no fixed size to hit.
type Header struct {
	Type   MsgType
	Flags  HeaderFlags
	SrcLoc uint64
	DstLoc uint64
	MsgID  uint64
}

func (h Header) marshal() []byte {
	b := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(b[0:4], uint32(h.Type))
	binary.BigEndian.PutUint32(b[4:8], uint32(h.Flags))
	binary.BigEndian.PutUint64(b[8:16], h.SrcLoc)
	binary.BigEndian.PutUint64(b[16:24], h.DstLoc)
	binary.BigEndian.PutUint64(b[24:32], h.MsgID)
	return b
}

func unmarshalHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, cmn.WrapProtocol(cmn.ErrInvalid, "pd: short header (%d bytes)", len(b))
	}
	return Header{
		Type:   MsgType(binary.BigEndian.Uint32(b[0:4])),
		Flags:  HeaderFlags(binary.BigEndian.Uint32(b[4:8])),
		SrcLoc: binary.BigEndian.Uint64(b[8:16]),
		DstLoc: binary.BigEndian.Uint64(b[16:24]),
		MsgID:  binary.BigEndian.Uint64(b[24:32]),
	}, nil
}

// AppendGuid appends the multi-GUID payload encoding
// `{u64 hi, u64 lo, u32 kind, u32 reserved}` in that field order. OCR's Guid
// is 64 bits, so hi is always 0; kind is carried redundantly (it's also
// encoded in g's own high bits). Each field is msgpack-encoded, so its width
// on the wire varies with its value rather than being fixed at 24 bytes.
func AppendGuid(b []byte, g cmn.Guid) []byte {
	b = msgp.AppendUint64(b, 0)
	b = msgp.AppendUint64(b, uint64(g))
	kind, _, _ := g.Decode()
	b = msgp.AppendUint32(b, uint32(kind))
	b = msgp.AppendUint32(b, 0)
	return b
}

// ReadGuid consumes one wire-encoded GUID and returns the remaining bytes.
func ReadGuid(b []byte) (cmn.Guid, []byte, error) {
	_, b, err := msgp.ReadUint64Bytes(b)
	if err != nil {
		return cmn.NullGuid, b, cmn.WrapProtocol(err, "pd: read guid hi")
	}
	lo, b, err := msgp.ReadUint64Bytes(b)
	if err != nil {
		return cmn.NullGuid, b, cmn.WrapProtocol(err, "pd: read guid lo")
	}
	_, b, err = msgp.ReadUint32Bytes(b) // kind, redundant with lo's own bits
	if err != nil {
		return cmn.NullGuid, b, cmn.WrapProtocol(err, "pd: read guid kind")
	}
	_, b, err = msgp.ReadUint32Bytes(b) // reserved
	if err != nil {
		return cmn.NullGuid, b, cmn.WrapProtocol(err, "pd: read guid reserved")
	}
	return cmn.Guid(lo), b, nil
}

// AppendVarBytes appends a variable-length field encoding: `{u32 count,
// bytes…}` plus zero padding. count is msgpack-encoded (1 to 5 bytes); the
// padding is computed as if count took 4 bytes, so the field is not
// necessarily a multiple of 8 long.
func AppendVarBytes(b []byte, data []byte) []byte {
	b = msgp.AppendUint32(b, uint32(len(data)))
	b = append(b, data...)
	pad := (8 - (len(data)+4)%8) % 8
	for i := 0; i < pad; i++ {
		b = append(b, 0)
	}
	return b
}

// ReadVarBytes consumes one variable-length field, skipping its alignment
// padding, and returns the remaining bytes.
func ReadVarBytes(b []byte) (data []byte, rest []byte, err error) {
	n, rest, err := msgp.ReadUint32Bytes(b)
	if err != nil {
		return nil, rest, cmn.WrapProtocol(err, "pd: read var-bytes count")
	}
	if uint32(len(rest)) < n {
		return nil, rest, cmn.WrapProtocol(cmn.ErrInvalid, "pd: var-bytes count %d exceeds remaining %d", n, len(rest))
	}
	data = rest[:n]
	rest = rest[n:]
	pad := (8 - (int(n)+4)%8) % 8
	if len(rest) < pad {
		return nil, rest, cmn.WrapProtocol(cmn.ErrInvalid, "pd: var-bytes padding truncated")
	}
	return data, rest[pad:], nil
}

// Message is one PD message: the header plus its already-marshaled,
// kind-tagged body.
type Message struct {
	Header Header
	Kind   MsgKind
	Body   []byte
}

// lz4Threshold is the body size past which Encode opportunistically
// compresses — control messages are typically tiny (a guid or two), so
// most traffic skips lz4 entirely; only bulk DB write-back payloads
// routinely cross it.
const lz4Threshold = 512

// Encode serializes m to the wire, compressing the body with lz4 when it's
// larger than lz4Threshold and stamping every message with an xxhash
// digest of its (possibly compressed) body — wire corruption has no error
// category of its own, so a digest mismatch on Decode is folded into the
// existing protocol category.
func Encode(m Message) []byte {
	body := m.Body
	flags := m.Header.Flags
	if len(body) > lz4Threshold {
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(body); err == nil && w.Close() == nil {
			body = buf.Bytes()
			flags |= FlagCompressed
		}
	}
	digest := xxhash.Checksum64(body)
	h := m.Header
	h.Flags = flags
	out := make([]byte, 0, HeaderSize+4+8+len(body))
	out = append(out, h.marshal()...)
	out = msgp.AppendUint32(out, uint32(m.Kind))
	out = msgp.AppendUint64(out, digest)
	out = append(out, body...)
	return out
}

// Decode parses a wire-encoded message, verifying its digest and
// transparently decompressing the body if FlagCompressed is set.
func Decode(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return Message{}, cmn.WrapProtocol(cmn.ErrInvalid, "pd: short message (%d bytes)", len(b))
	}
	h, err := unmarshalHeader(b[:HeaderSize])
	if err != nil {
		return Message{}, err
	}
	rest := b[HeaderSize:]
	kindU32, rest, err := msgp.ReadUint32Bytes(rest)
	if err != nil {
		return Message{}, cmn.WrapProtocol(err, "pd: read kind")
	}
	digest, rest, err := msgp.ReadUint64Bytes(rest)
	if err != nil {
		return Message{}, cmn.WrapProtocol(err, "pd: read digest")
	}
	body := rest
	if h.Flags&FlagCompressed != 0 {
		r := lz4.NewReader(bytes.NewReader(body))
		decompressed, derr := io.ReadAll(r)
		if derr != nil {
			return Message{}, cmn.WrapProtocol(derr, "pd: lz4 decompress")
		}
		body = decompressed
	}
	if xxhash.Checksum64(body) != digest {
		return Message{}, cmn.WrapProtocol(cmn.ErrInvalid, "pd: digest mismatch on msgId %d", h.MsgID)
	}
	return Message{Header: h, Kind: MsgKind(kindU32), Body: body}, nil
}
