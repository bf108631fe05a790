package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/meshtalk/meshcore/core"
)

// tag identifies a single TLV field. Unknown tags on decode are
// skipped using their length prefix, which is how a node running an
// older build stays forward-compatible with packets carrying fields
// it doesn't understand yet.
type tag uint8

const (
	tagPacketID tag = iota + 1
	tagVersion
	tagKind
	tagSenderID
	tagSenderName
	tagDestination
	tagHopCount
	tagMaxHops
	tagTimestampMs
	tagPreviousHop
	tagRoutePath
	tagContentKind
	tagContent
	tagMediaInfo
	tagAckForPacketID
)

var (
	// ErrTruncated is returned when the buffer ends mid-field.
	ErrTruncated = errors.New("packet: truncated frame")
	// ErrTooLarge is returned when a decoded or pre-encode content
	// payload exceeds the size cap for its kind.
	ErrTooLarge = errors.New("packet: content exceeds size limit")
	// ErrMissingField is returned when a required field never appeared.
	ErrMissingField = errors.New("packet: missing required field")
)

// maxContentFor returns the size cap that applies to p's content,
// MEDIA_CHUNK packets get a larger budget than everything else.
func maxContentFor(k Kind) int {
	if k == KindMediaChunk {
		return MaxMediaChunkPayload
	}
	return MaxCorePayload
}

// Encode serializes p as a length-prefixed TLV frame.
func Encode(p *MeshPacket) ([]byte, error) {
	if len(p.Content) > maxContentFor(p.Kind) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(p.Content))
	}

	var buf bytes.Buffer

	writeField(&buf, tagPacketID, p.PacketID[:])
	writeField(&buf, tagVersion, []byte{p.Version})
	writeField(&buf, tagKind, []byte{byte(p.Kind)})
	writeField(&buf, tagSenderID, []byte(p.SenderID))
	writeField(&buf, tagSenderName, []byte(p.SenderName))
	writeField(&buf, tagDestination, []byte(p.Destination))
	writeField(&buf, tagHopCount, []byte{p.HopCount})
	writeField(&buf, tagMaxHops, []byte{p.MaxHops})

	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(p.TimestampMs))
	writeField(&buf, tagTimestampMs, ts[:])

	if !p.PreviousHop.IsZero() {
		writeField(&buf, tagPreviousHop, []byte(p.PreviousHop))
	}
	if len(p.RoutePath) > 0 {
		writeField(&buf, tagRoutePath, encodeRoutePath(p.RoutePath))
	}

	writeField(&buf, tagContentKind, []byte{byte(p.ContentKind)})
	writeField(&buf, tagContent, p.Content)

	if p.MediaInfo != nil {
		writeField(&buf, tagMediaInfo, encodeMediaInfo(p.MediaInfo))
	}
	if p.AckForPacketID != nil {
		writeField(&buf, tagAckForPacketID, p.AckForPacketID[:])
	}

	return buf.Bytes(), nil
}

// Decode parses a TLV frame produced by Encode. Tags it doesn't
// recognize are skipped rather than rejected, so that packets from a
// newer build degrade gracefully instead of failing to parse.
func Decode(raw []byte) (*MeshPacket, error) {
	p := &MeshPacket{}
	var haveID, haveKind bool

	r := bytes.NewReader(raw)
	for r.Len() > 0 {
		// tolerate whitespace padding after the last field, which some
		// line-oriented carriers append in transit
		if isAllWhitespace(raw[len(raw)-r.Len():]) {
			break
		}
		t, value, err := readField(r)
		if err != nil {
			return nil, err
		}
		switch tag(t) {
		case tagPacketID:
			if len(value) != 16 {
				return nil, ErrTruncated
			}
			copy(p.PacketID[:], value)
			haveID = true
		case tagVersion:
			if len(value) != 1 {
				return nil, ErrTruncated
			}
			p.Version = value[0]
		case tagKind:
			if len(value) != 1 {
				return nil, ErrTruncated
			}
			p.Kind = Kind(value[0])
			haveKind = true
		case tagSenderID:
			p.SenderID = core.MeshID(value)
		case tagSenderName:
			p.SenderName = string(value)
		case tagDestination:
			p.Destination = core.MeshID(value)
		case tagHopCount:
			if len(value) != 1 {
				return nil, ErrTruncated
			}
			p.HopCount = value[0]
		case tagMaxHops:
			if len(value) != 1 {
				return nil, ErrTruncated
			}
			p.MaxHops = value[0]
		case tagTimestampMs:
			if len(value) != 8 {
				return nil, ErrTruncated
			}
			p.TimestampMs = int64(binary.LittleEndian.Uint64(value))
		case tagPreviousHop:
			p.PreviousHop = core.MeshID(value)
		case tagRoutePath:
			path, err := decodeRoutePath(value)
			if err != nil {
				return nil, err
			}
			p.RoutePath = path
		case tagContentKind:
			if len(value) != 1 {
				return nil, ErrTruncated
			}
			p.ContentKind = ContentKind(value[0])
		case tagContent:
			p.Content = append([]byte{}, value...)
		case tagMediaInfo:
			mi, err := decodeMediaInfo(value)
			if err != nil {
				return nil, err
			}
			p.MediaInfo = mi
		case tagAckForPacketID:
			if len(value) != 16 {
				return nil, ErrTruncated
			}
			var id uuid.UUID
			copy(id[:], value)
			p.AckForPacketID = &id
		default:
			// unknown tag, already consumed by readField, skip it
		}
	}

	if !haveID {
		return nil, fmt.Errorf("%w: packet_id", ErrMissingField)
	}
	if !haveKind {
		return nil, fmt.Errorf("%w: kind", ErrMissingField)
	}
	if len(p.Content) > maxContentFor(p.Kind) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(p.Content))
	}
	return p, nil
}

func isAllWhitespace(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
		default:
			return false
		}
	}
	return true
}

func writeField(buf *bytes.Buffer, t tag, value []byte) {
	buf.WriteByte(byte(t))
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(value)))
	buf.Write(length[:])
	buf.Write(value)
}

func readField(r *bytes.Reader) (tag byte, value []byte, err error) {
	t, err := r.ReadByte()
	if err != nil {
		return 0, nil, fmt.Errorf("%w: tag", ErrTruncated)
	}
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return 0, nil, fmt.Errorf("%w: length", ErrTruncated)
	}
	n := binary.LittleEndian.Uint32(length[:])
	if n > MaxMediaChunkPayload*2 {
		return 0, nil, fmt.Errorf("%w: field length %d", ErrTooLarge, n)
	}
	value = make([]byte, n)
	if _, err := io.ReadFull(r, value); err != nil {
		return 0, nil, fmt.Errorf("%w: value", ErrTruncated)
	}
	return t, value, nil
}

func encodeRoutePath(path []core.MeshID) []byte {
	var buf bytes.Buffer
	var count [2]byte
	binary.LittleEndian.PutUint16(count[:], uint16(len(path)))
	buf.Write(count[:])
	for _, hop := range path {
		var l [2]byte
		binary.LittleEndian.PutUint16(l[:], uint16(len(hop)))
		buf.Write(l[:])
		buf.WriteString(string(hop))
	}
	return buf.Bytes()
}

func decodeRoutePath(raw []byte) ([]core.MeshID, error) {
	r := bytes.NewReader(raw)
	var count [2]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, fmt.Errorf("%w: route_path count", ErrTruncated)
	}
	n := binary.LittleEndian.Uint16(count[:])
	path := make([]core.MeshID, 0, n)
	for i := uint16(0); i < n; i++ {
		var l [2]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return nil, fmt.Errorf("%w: route_path hop length", ErrTruncated)
		}
		hopLen := binary.LittleEndian.Uint16(l[:])
		hop := make([]byte, hopLen)
		if _, err := io.ReadFull(r, hop); err != nil {
			return nil, fmt.Errorf("%w: route_path hop", ErrTruncated)
		}
		path = append(path, core.MeshID(hop))
	}
	return path, nil
}

func encodeMediaInfo(mi *MediaInfo) []byte {
	var buf bytes.Buffer
	writeString(&buf, mi.FileName)
	writeString(&buf, mi.MimeType)
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], mi.TotalSize)
	buf.Write(sizeBuf[:])
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], mi.ChunkIndex)
	buf.Write(idx[:])
	var total [4]byte
	binary.LittleEndian.PutUint32(total[:], mi.TotalChunks)
	buf.Write(total[:])
	writeString(&buf, mi.Checksum)
	return buf.Bytes()
}

func decodeMediaInfo(raw []byte) (*MediaInfo, error) {
	r := bytes.NewReader(raw)
	mi := &MediaInfo{}
	var err error
	if mi.FileName, err = readString(r); err != nil {
		return nil, err
	}
	if mi.MimeType, err = readString(r); err != nil {
		return nil, err
	}
	var sizeBuf [8]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: media_info total_size", ErrTruncated)
	}
	mi.TotalSize = binary.LittleEndian.Uint64(sizeBuf[:])
	var idx [4]byte
	if _, err := io.ReadFull(r, idx[:]); err != nil {
		return nil, fmt.Errorf("%w: media_info chunk_index", ErrTruncated)
	}
	mi.ChunkIndex = binary.LittleEndian.Uint32(idx[:])
	var total [4]byte
	if _, err := io.ReadFull(r, total[:]); err != nil {
		return nil, fmt.Errorf("%w: media_info total_chunks", ErrTruncated)
	}
	mi.TotalChunks = binary.LittleEndian.Uint32(total[:])
	if mi.Checksum, err = readString(r); err != nil {
		return nil, err
	}
	return mi, nil
}

func writeString(buf *bytes.Buffer, s string) {
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", fmt.Errorf("%w: string length", ErrTruncated)
	}
	n := binary.LittleEndian.Uint16(l[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("%w: string value", ErrTruncated)
		}
	}
	return string(b), nil
}
