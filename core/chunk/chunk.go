// Package chunk splits and reassembles encoded packets for the
// PairedRadio transport, whose serial link has a small MTU and no
// native framing of its own.
//
// Reassembly state is keyed per sending endpoint: a point-to-point
// serial link only ever carries one logical stream at a time per
// remote device.
package chunk

import (
	"encoding/binary"
	"errors"
	"time"
)

const (
	// Size is the maximum payload carried by a single fragment, chosen
	// to stay well under typical serial link MTUs.
	Size = 500

	// DefaultSilenceTimeout discards an in-progress reassembly if no
	// new fragment for it arrives within this window.
	DefaultSilenceTimeout = 30 * time.Second

	headerLen = 4 // index uint16 LE, total uint16 LE
)

// ErrFragmentTooShort is returned when a fragment is missing its header.
var ErrFragmentTooShort = errors.New("chunk: fragment shorter than header")

// Split breaks data into a sequence of fragments, each carrying an
// index/total header so the receiver can reassemble them in order
// regardless of arrival order.
func Split(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{encodeFragment(0, 1, nil)}
	}

	total := (len(data) + Size - 1) / Size
	fragments := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * Size
		end := start + Size
		if end > len(data) {
			end = len(data)
		}
		fragments = append(fragments, encodeFragment(uint16(i), uint16(total), data[start:end]))
	}
	return fragments
}

func encodeFragment(index, total uint16, data []byte) []byte {
	frame := make([]byte, headerLen+len(data))
	binary.LittleEndian.PutUint16(frame[0:2], index)
	binary.LittleEndian.PutUint16(frame[2:4], total)
	copy(frame[headerLen:], data)
	return frame
}

func decodeFragment(frame []byte) (index, total uint16, data []byte, err error) {
	if len(frame) < headerLen {
		return 0, 0, nil, ErrFragmentTooShort
	}
	index = binary.LittleEndian.Uint16(frame[0:2])
	total = binary.LittleEndian.Uint16(frame[2:4])
	data = frame[headerLen:]
	return index, total, data, nil
}

type reassembly struct {
	parts    map[uint16][]byte
	total    uint16
	lastSeen time.Time
}

// Reassembler collects fragments per remote endpoint and emits the
// reassembled payload once every expected index has arrived.
type Reassembler struct {
	pending map[string]*reassembly
	timeout time.Duration
	now     func() time.Time
}

// NewReassembler creates a Reassembler with the default silence timeout.
func NewReassembler() *Reassembler {
	return NewReassemblerWithTimeout(DefaultSilenceTimeout)
}

// NewReassemblerWithTimeout creates a Reassembler with a custom silence timeout.
func NewReassemblerWithTimeout(timeout time.Duration) *Reassembler {
	return &Reassembler{
		pending: make(map[string]*reassembly),
		timeout: timeout,
		now:     time.Now,
	}
}

// HandleFragment feeds one fragment received from endpoint. It returns
// the reassembled payload and true once the final fragment for that
// endpoint's in-progress message arrives, or (nil, false) while more
// fragments are still expected.
func (r *Reassembler) HandleFragment(endpoint string, frame []byte) ([]byte, bool, error) {
	r.expire()

	index, total, data, err := decodeFragment(frame)
	if err != nil {
		return nil, false, err
	}

	state, ok := r.pending[endpoint]
	if !ok || state.total != total {
		state = &reassembly{
			parts: make(map[uint16][]byte, total),
			total: total,
		}
		r.pending[endpoint] = state
	}
	state.lastSeen = r.now()
	state.parts[index] = append([]byte{}, data...)

	if uint16(len(state.parts)) < state.total {
		return nil, false, nil
	}

	delete(r.pending, endpoint)
	payload := make([]byte, 0, int(state.total)*Size)
	for i := uint16(0); i < state.total; i++ {
		payload = append(payload, state.parts[i]...)
	}
	return payload, true, nil
}

// expire drops reassemblies that have gone quiet for longer than the
// configured silence timeout.
func (r *Reassembler) expire() {
	now := r.now()
	for endpoint, state := range r.pending {
		if now.Sub(state.lastSeen) > r.timeout {
			delete(r.pending, endpoint)
		}
	}
}

// PendingCount reports the number of endpoints with an in-progress reassembly.
func (r *Reassembler) PendingCount() int {
	return len(r.pending)
}
