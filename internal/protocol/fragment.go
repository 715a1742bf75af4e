package protocol

import (
	"fmt"
)

const (
	// FragmentHeaderSize is the sub-header inside a fragment body:
	// messageID:8 | index:1 | total:1.
	FragmentHeaderSize = MessageIDSize + 2
	// MaxFragments is the hard fragment count limit; index is one byte.
	MaxFragments = 255
)

// Fragment is one slice of an oversized frame, carried in the body of a
// fragment-type packet.
type Fragment struct {
	MessageID MessageID
	Index     uint8
	Total     uint8
	Chunk     []byte
}

// Encode serializes the fragment into a packet body.
func (f *Fragment) Encode() []byte {
	buf := make([]byte, FragmentHeaderSize+len(f.Chunk))
	copy(buf, f.MessageID[:])
	buf[MessageIDSize] = f.Index
	buf[MessageIDSize+1] = f.Total
	copy(buf[FragmentHeaderSize:], f.Chunk)
	return buf
}

// DecodeFragment parses a fragment body. Chunk is copied out of body.
func DecodeFragment(body []byte) (Fragment, error) {
	if len(body) <= FragmentHeaderSize {
		return Fragment{}, fmt.Errorf("%w: fragment body %d bytes", ErrMalformedPacket, len(body))
	}
	var f Fragment
	copy(f.MessageID[:], body)
	f.Index = body[MessageIDSize]
	f.Total = body[MessageIDSize+1]
	if f.Total == 0 || f.Index >= f.Total {
		return Fragment{}, fmt.Errorf("%w: fragment %d/%d", ErrMalformedPacket, f.Index, f.Total)
	}
	f.Chunk = append([]byte(nil), body[FragmentHeaderSize:]...)
	return f, nil
}

// SplitMessage carves data into fragments with chunks of at most chunkSize
// bytes, all tagged with the same message identifier.
func SplitMessage(id MessageID, data []byte, chunkSize int) ([]Fragment, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d", ErrMessageTooLarge, chunkSize)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedPacket)
	}
	total := (len(data) + chunkSize - 1) / chunkSize
	if total > MaxFragments {
		return nil, fmt.Errorf("%w: %d fragments exceed limit %d", ErrMessageTooLarge, total, MaxFragments)
	}
	out := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > len(data) {
			hi = len(data)
		}
		out = append(out, Fragment{
			MessageID: id,
			Index:     uint8(i),
			Total:     uint8(total),
			Chunk:     append([]byte(nil), data[lo:hi]...),
		})
	}
	return out, nil
}
