package p2p

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/multiformats/go-varint"
)

// ResponseCode is the one-byte code a Req/Resp response chunk opens with.
type ResponseCode byte

const (
	CodeSuccess             ResponseCode = 0
	CodeInvalidRequest      ResponseCode = 1
	CodeServerError         ResponseCode = 2
	CodeResourceUnavailable ResponseCode = 3

	maxValidResponseCode = CodeResourceUnavailable
)

func (c ResponseCode) String() string {
	switch c {
	case CodeSuccess:
		return "Success"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeServerError:
		return "ServerError"
	case CodeResourceUnavailable:
		return "ResourceUnavailable"
	default:
		return fmt.Sprintf("ResponseCode(%d)", byte(c))
	}
}

// maxErrorMessageSize bounds the SSZ-encoded byte-list error message that
// follows a non-Success response code.
const maxErrorMessageSize = 256

// snappyMaxBlockSize is the largest single snappy block this codec will
// stream; it bounds the scratch buffer used while chunking output on encode.
const snappyMaxBlockSize = 64 << 10

// MessageSizer reports the maximum allowed uncompressed wire size for a
// given SSZ message type. Each Req/Resp message type provides one; the
// codec never decompresses past this bound.
type MessageSizer interface {
	ChunkMaxSize() uint64
}

// ContextBytesProvider reports whether a message type is fork-polymorphic
// and therefore carries a 4-byte fork-digest context prefix.
type ContextBytesProvider interface {
	HasContextBytes() bool
}

// EncodeChunk serializes one chunk: optional response code, optional 4-byte
// context bytes, LEB128 uncompressed length, then framed-snappy payload.
// Request chunks pass code=nil; an empty payload with code=nil produces an
// empty chunk (requests with no body are omitted entirely).
func EncodeChunk(w io.Writer, code *ResponseCode, contextBytes []byte, payload []byte) error {
	if code == nil && len(payload) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if code != nil {
		buf.WriteByte(byte(*code))
	}
	if len(contextBytes) > 0 {
		if len(contextBytes) != 4 {
			return newCodecErr(InvalidContextBytes, fmt.Errorf("context bytes must be 4, got %d", len(contextBytes)))
		}
		buf.Write(contextBytes)
	}
	buf.Write(varint.ToUvarint(uint64(len(payload))))
	if err := encodeFramedSnappy(&buf, payload); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// snappy stream framing constants (the "framed snappy" container format,
// distinct from the raw snappy block format).
var snappyStreamMagic = []byte{0xff, 0x06, 0x00, 0x00, 0x73, 0x4e, 0x61, 0x50, 0x70, 0x59}

const (
	snappyChunkCompressed   = 0x00
	snappyChunkUncompressed = 0x01
	snappyChunkPadding      = 0xfe
	snappyChunkStreamID     = 0xff
)

func encodeFramedSnappy(buf *bytes.Buffer, payload []byte) error {
	buf.Write(snappyStreamMagic)
	for off := 0; off < len(payload) || (len(payload) == 0 && off == 0); {
		end := off + snappyMaxBlockSize
		if end > len(payload) {
			end = len(payload)
		}
		block := payload[off:end]
		compressed := snappy.Encode(nil, block)
		crc := maskedCRC(block)
		if len(compressed) < len(block) {
			writeSubFrame(buf, snappyChunkCompressed, crc, compressed)
		} else {
			writeSubFrame(buf, snappyChunkUncompressed, crc, block)
		}
		if len(payload) == 0 {
			break
		}
		off = end
	}
	return nil
}

func writeSubFrame(buf *bytes.Buffer, id byte, crc uint32, data []byte) {
	length := len(data) + 4
	buf.WriteByte(id)
	buf.WriteByte(byte(length))
	buf.WriteByte(byte(length >> 8))
	buf.WriteByte(byte(length >> 16))
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	buf.Write(crcBuf[:])
	buf.Write(data)
}

// maskedCRC implements the snappy framing format's masked CRC-32C, i.e.
// ((crc32c(data) >> 15) | (crc32c(data) << 17)) + 0xa282ead8, computed with
// the Castagnoli polynomial used throughout the framing spec.
func maskedCRC(data []byte) uint32 {
	c := crc32cChecksum(data)
	return ((c >> 15) | (c << 17)) + 0xa282ead8
}

// DecodedChunk is the result of decoding one response chunk.
type DecodedChunk struct {
	Code ResponseCode
	// ContextBytes is the raw 4-byte fork-digest prefix, present only when
	// the message type carries one (see MessageType.HasContext). Callers
	// that need fork-polymorphic decoding use it to pick a schema version
	// before touching Payload.
	ContextBytes []byte
	Payload      []byte
}

// DecodeResponseChunk reads exactly one response chunk from r. maxSize
// bounds the declared uncompressed payload length (chunk_max_size(T));
// hasContext tells the decoder whether to expect a 4-byte fork-digest
// prefix ahead of the length field.
func DecodeResponseChunk(r io.Reader, maxSize uint64, hasContext bool) (*DecodedChunk, error) {
	var codeByte [1]byte
	if _, err := io.ReadFull(r, codeByte[:]); err != nil {
		return nil, wrapReadErr(err)
	}
	code := ResponseCode(codeByte[0])
	if code > maxValidResponseCode {
		return nil, newCodecErr(InvalidResponseCode, fmt.Errorf("code %d", code))
	}
	if code != CodeSuccess {
		msg, err := readErrorMessage(r)
		if err != nil {
			return nil, err
		}
		return nil, &CodecError{Kind: InvalidResponseCode, Cause: &ReceivedErrorResponse{Code: code, Message: msg}}
	}

	var contextBytes []byte
	if hasContext {
		var ctx [4]byte
		if _, err := io.ReadFull(r, ctx[:]); err != nil {
			return nil, wrapReadErr(err)
		}
		contextBytes = ctx[:]
	}

	payload, err := decodeLengthPrefixedSnappy(r, maxSize)
	if err != nil {
		return nil, err
	}
	return &DecodedChunk{Code: code, ContextBytes: contextBytes, Payload: payload}, nil
}

// DecodeRequestChunk reads the single request chunk of a Req/Resp call.
// Requests never carry a response code; zero-length requests omit the
// chunk entirely, which the caller detects by EOF before any byte is read.
func DecodeRequestChunk(r io.Reader, maxSize uint64) ([]byte, error) {
	payload, err := decodeLengthPrefixedSnappy(r, maxSize)
	if err != nil {
		if KindOf(err) == UnexpectedEOF {
			return nil, nil
		}
		return nil, err
	}
	return payload, nil
}

func decodeLengthPrefixedSnappy(r io.Reader, maxSize uint64) ([]byte, error) {
	length, err := readUvarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, newCodecErr(UnexpectedEOF, err)
		}
		return nil, newCodecErr(InvalidSizePrefix, err)
	}
	if length == 0 {
		return nil, newCodecErr(ZeroSizePrefix, nil)
	}
	if length > maxSize {
		return nil, newCodecErr(SizePrefixOverflow, fmt.Errorf("declared %d exceeds max %d", length, maxSize))
	}
	out := make([]byte, length)
	if err := decodeFramedSnappyInto(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeFramedSnappyInto fills out completely from the framed-snappy stream
// read from r, enforcing the container's sub-frame size and identifier rules.
func decodeFramedSnappyInto(r io.Reader, out []byte) error {
	var header [10]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return wrapReadErr(err)
	}
	if !bytes.Equal(header[:], snappyStreamMagic) {
		return newCodecErr(InvalidSnappyBytes, fmt.Errorf("bad stream magic"))
	}

	filled := 0
	for filled < len(out) {
		var fh [4]byte
		if _, err := io.ReadFull(r, fh[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return newCodecErr(UnexpectedEOF, err)
			}
			return wrapReadErr(err)
		}
		chunkID := fh[0]
		frameLen := int(fh[1]) | int(fh[2])<<8 | int(fh[3])<<16

		switch {
		case chunkID == snappyChunkCompressed:
			if frameLen < 6 {
				return newCodecErr(InvalidSnappyBytes, fmt.Errorf("compressed sub-frame too short"))
			}
			data := make([]byte, frameLen)
			if _, err := io.ReadFull(r, data); err != nil {
				return wrapReadErr(err)
			}
			crc := binary.LittleEndian.Uint32(data[:4])
			decoded, err := snappyDecodeInto(out[filled:], data[4:])
			if err != nil {
				return newCodecErr(InvalidSnappyBytes, err)
			}
			if maskedCRC(decoded) != crc {
				return newCodecErr(InvalidSnappyBytes, fmt.Errorf("crc mismatch"))
			}
			filled += len(decoded)
		case chunkID == snappyChunkUncompressed:
			if frameLen < 5 {
				return newCodecErr(InvalidSnappyBytes, fmt.Errorf("uncompressed sub-frame too short"))
			}
			data := make([]byte, frameLen)
			if _, err := io.ReadFull(r, data); err != nil {
				return wrapReadErr(err)
			}
			crc := binary.LittleEndian.Uint32(data[:4])
			payload := data[4:]
			if maskedCRC(payload) != crc {
				return newCodecErr(InvalidSnappyBytes, fmt.Errorf("crc mismatch"))
			}
			n := copy(out[filled:], payload)
			if n != len(payload) {
				return newCodecErr(ResponseChunkOverflow, fmt.Errorf("uncompressed sub-frame overruns declared length"))
			}
			filled += n
		case chunkID < 0x80:
			return newCodecErr(InvalidSnappyBytes, fmt.Errorf("unskippable reserved chunk id %#x", chunkID))
		default:
			if _, err := io.CopyN(io.Discard, r, int64(frameLen)); err != nil {
				return wrapReadErr(err)
			}
		}
		if filled > len(out) {
			return newCodecErr(ResponseChunkOverflow, fmt.Errorf("decoded more than declared length"))
		}
	}
	return nil
}

func snappyDecodeInto(dst []byte, src []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if n > len(dst) {
		return nil, fmt.Errorf("decoded block of %d exceeds remaining space %d", n, len(dst))
	}
	decoded, err := snappy.Decode(dst[:n], src)
	if err != nil {
		return nil, err
	}
	return decoded, nil
}

func readUvarint(r io.Reader) (uint64, error) {
	return varint.ReadUvarint(asByteReader(r))
}

type byteReader struct{ io.Reader }

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.Reader, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func asByteReader(r io.Reader) io.ByteReader {
	if br, ok := r.(io.ByteReader); ok {
		return br
	}
	return byteReader{r}
}

// readErrorMessage reads a bounded SSZ byte-list error message following a
// non-Success response code and renders it per errorMessageString.
func readErrorMessage(r io.Reader) (string, error) {
	length, err := readUvarint(r)
	if err != nil {
		if err == io.EOF {
			return "", nil
		}
		return "", newCodecErr(InvalidSizePrefix, err)
	}
	if length > maxErrorMessageSize {
		return "", newCodecErr(SizePrefixOverflow, fmt.Errorf("error message length %d exceeds %d", length, maxErrorMessageSize))
	}
	raw := make([]byte, length)
	if err := decodeFramedSnappyInto(r, raw); err != nil {
		// Some implementations send the error string uncompressed/raw;
		// callers only use this for display, so fall back rather than
		// failing the whole response on a malformed error body.
		return errorMessageString(raw), nil
	}
	return errorMessageString(raw), nil
}

// errorMessageString renders an error payload as printable ASCII when every
// byte is printable, or as hex otherwise. A raw UTF-8-or-fail decode is
// explicitly wrong here (see design notes): operators need to see *some*
// rendering even for binary garbage.
func errorMessageString(b []byte) string {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%x", b)
		}
	}
	return string(b)
}

func wrapReadErr(err error) error {
	if err == io.EOF {
		return newCodecErr(PotentiallyExpectedEOF, err)
	}
	if err == io.ErrUnexpectedEOF {
		return newCodecErr(UnexpectedEOF, err)
	}
	return newCodecErr(BrokenConnection, err)
}
