// Package announce builds and parses the PeerAnnouncement payload
// carried as the content of a PEER_ANNOUNCE packet.
//
// Optional fields sit behind a leading flags byte, so a receiver only
// pays for the fields actually present (location, battery, capability
// list, embedded public key, signature). The display name is always
// written.
package announce

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/meshtalk/meshcore/core"
)

// flag bits select which optional fields are present in the payload.
const (
	flagLocation uint8 = 1 << iota
	flagBatteryLevel
	flagCapabilities
	flagPublicKey
	flagSignature
)

// ErrTruncated is returned when the payload ends before a flagged field does.
var ErrTruncated = errors.New("announce: truncated payload")

// PeerAnnouncement is the content of a PEER_ANNOUNCE packet.
type PeerAnnouncement struct {
	MeshID             core.MeshID
	DisplayName        string
	DeviceName         string
	ProtocolVersion    uint8
	ConnectedPeerCount uint16

	HasLocation bool
	Latitude    float64
	Longitude   float64

	HasBatteryLevel bool
	BatteryLevel    uint8

	Capabilities []string

	// PublicKey, when present, is the originating node's 32-byte
	// Ed25519 public key, embedded so a receiver can verify Signature
	// on first contact without a prior key exchange (trust-on-first-use).
	// It falls within the signed portion, so it cannot be swapped
	// without invalidating Signature.
	PublicKey []byte

	// Signature, when present, is an Ed25519 signature over Encode's
	// output with Signature itself omitted, produced by core/identity.
	Signature []byte
}

// Encode serializes a into its wire form. If a.Signature is set it is
// appended last and excluded from what a signer/verifier hashes.
func Encode(a *PeerAnnouncement) []byte {
	var flags uint8
	if a.HasLocation {
		flags |= flagLocation
	}
	if a.HasBatteryLevel {
		flags |= flagBatteryLevel
	}
	if len(a.Capabilities) > 0 {
		flags |= flagCapabilities
	}
	if len(a.PublicKey) > 0 {
		flags |= flagPublicKey
	}
	if len(a.Signature) > 0 {
		flags |= flagSignature
	}

	var buf bytes.Buffer
	buf.WriteByte(flags)
	buf.WriteByte(a.ProtocolVersion)

	var peerCount [2]byte
	binary.LittleEndian.PutUint16(peerCount[:], a.ConnectedPeerCount)
	buf.Write(peerCount[:])

	writeString(&buf, string(a.MeshID))
	writeString(&buf, a.DisplayName)
	writeString(&buf, a.DeviceName)

	if a.HasLocation {
		writeFloat64(&buf, a.Latitude)
		writeFloat64(&buf, a.Longitude)
	}
	if a.HasBatteryLevel {
		buf.WriteByte(a.BatteryLevel)
	}
	if len(a.Capabilities) > 0 {
		buf.WriteByte(uint8(len(a.Capabilities)))
		for _, c := range a.Capabilities {
			writeString(&buf, c)
		}
	}
	if len(a.PublicKey) > 0 {
		buf.WriteByte(uint8(len(a.PublicKey)))
		buf.Write(a.PublicKey)
	}
	if len(a.Signature) > 0 {
		buf.WriteByte(uint8(len(a.Signature)))
		buf.Write(a.Signature)
	}

	return buf.Bytes()
}

// SignedPortion returns the bytes of raw that its signature covers:
// the payload as the signer encoded it, before the signature field and
// its flag bit were added. Used by callers to re-derive the bytes
// identity.Verify should check against PeerAnnouncement.Signature.
func SignedPortion(raw []byte) ([]byte, error) {
	_, sigLen, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if sigLen == 0 {
		return raw, nil
	}
	portion := append([]byte{}, raw[:len(raw)-sigLen-1]...)
	portion[0] &^= flagSignature
	return portion, nil
}

// Decode parses a PeerAnnouncement from its wire form.
func Decode(raw []byte) (*PeerAnnouncement, error) {
	a, _, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func decode(raw []byte) (*PeerAnnouncement, int, error) {
	r := bytes.NewReader(raw)
	flags, err := r.ReadByte()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: flags", ErrTruncated)
	}
	version, err := r.ReadByte()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: protocol_version", ErrTruncated)
	}

	var peerCount [2]byte
	if _, err := io.ReadFull(r, peerCount[:]); err != nil {
		return nil, 0, fmt.Errorf("%w: connected_peer_count", ErrTruncated)
	}

	meshID, err := readString(r)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: mesh_id", err)
	}
	displayName, err := readString(r)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: display_name", err)
	}
	deviceName, err := readString(r)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: device_name", err)
	}

	a := &PeerAnnouncement{
		MeshID:             core.MeshID(meshID),
		DisplayName:        displayName,
		DeviceName:         deviceName,
		ProtocolVersion:    version,
		ConnectedPeerCount: binary.LittleEndian.Uint16(peerCount[:]),
	}

	if flags&flagLocation != 0 {
		a.HasLocation = true
		if a.Latitude, err = readFloat64(r); err != nil {
			return nil, 0, fmt.Errorf("%w: latitude", err)
		}
		if a.Longitude, err = readFloat64(r); err != nil {
			return nil, 0, fmt.Errorf("%w: longitude", err)
		}
	}
	if flags&flagBatteryLevel != 0 {
		a.HasBatteryLevel = true
		level, err := r.ReadByte()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: battery_level", ErrTruncated)
		}
		a.BatteryLevel = level
	}
	if flags&flagCapabilities != 0 {
		count, err := r.ReadByte()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: capabilities count", ErrTruncated)
		}
		a.Capabilities = make([]string, 0, count)
		for i := uint8(0); i < count; i++ {
			cap, err := readString(r)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: capability", err)
			}
			a.Capabilities = append(a.Capabilities, cap)
		}
	}

	if flags&flagPublicKey != 0 {
		n, err := r.ReadByte()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: public key length", ErrTruncated)
		}
		pub := make([]byte, n)
		if _, err := io.ReadFull(r, pub); err != nil {
			return nil, 0, fmt.Errorf("%w: public key", ErrTruncated)
		}
		a.PublicKey = pub
	}

	sigLen := 0
	if flags&flagSignature != 0 {
		n, err := r.ReadByte()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: signature length", ErrTruncated)
		}
		sig := make([]byte, n)
		if _, err := io.ReadFull(r, sig); err != nil {
			return nil, 0, fmt.Errorf("%w: signature", ErrTruncated)
		}
		a.Signature = sig
		sigLen = int(n)
	}

	return a, sigLen, nil
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
		return "", ErrTruncated
	}
	n := binary.LittleEndian.Uint16(l[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", ErrTruncated
		}
	}
	return string(b), nil
}

func writeFloat64(buf *bytes.Buffer, f float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(f))
	buf.Write(b[:])
}

func readFloat64(r *bytes.Reader) (float64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrTruncated
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b[:])), nil
}
