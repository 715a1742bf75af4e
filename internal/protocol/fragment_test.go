package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestFragmentRoundTrip(t *testing.T) {
	id := MessageID{1, 2, 3, 4, 5, 6, 7, 8}
	f := Fragment{MessageID: id, Index: 3, Total: 9, Chunk: []byte("chunk-data")}
	body := f.Encode()
	got, err := DecodeFragment(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MessageID != id || got.Index != 3 || got.Total != 9 {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Chunk, f.Chunk) {
		t.Fatalf("chunk mismatch: %q", got.Chunk)
	}
}

func TestDecodeFragmentRejects(t *testing.T) {
	id := MessageID{9}
	cases := []struct {
		name string
		body []byte
	}{
		{"empty", nil},
		{"header only", (&Fragment{MessageID: id, Index: 0, Total: 1}).Encode()},
		{"zero total", append(append(id[:], 0, 0), 'x')},
		{"index past total", append(append(id[:], 5, 5), 'x')},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeFragment(tc.body); !errors.Is(err, ErrMalformedPacket) {
				t.Fatalf("got %v", err)
			}
		})
	}
}

func TestSplitMessageReassembles(t *testing.T) {
	id, err := NewMessageID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	data := bytes.Repeat([]byte("0123456789"), 101) // 1010 bytes
	frags, err := SplitMessage(id, data, 128)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if want := 8; len(frags) != want {
		t.Fatalf("fragments %d, want %d", len(frags), want)
	}
	var joined []byte
	for i, f := range frags {
		if f.MessageID != id {
			t.Fatalf("fragment %d: wrong message id", i)
		}
		if int(f.Index) != i || int(f.Total) != len(frags) {
			t.Fatalf("fragment %d: index %d total %d", i, f.Index, f.Total)
		}
		if len(f.Chunk) > 128 {
			t.Fatalf("fragment %d: chunk %d bytes", i, len(f.Chunk))
		}
		joined = append(joined, f.Chunk...)
	}
	if !bytes.Equal(joined, data) {
		t.Fatal("joined chunks differ from input")
	}
}

func TestSplitMessageBounds(t *testing.T) {
	id := MessageID{1}
	if _, err := SplitMessage(id, make([]byte, 10), 0); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("zero chunk size: %v", err)
	}
	if _, err := SplitMessage(id, nil, 16); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("empty input: %v", err)
	}
	if _, err := SplitMessage(id, make([]byte, MaxFragments*16+1), 16); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("fragment count overflow: %v", err)
	}
	frags, err := SplitMessage(id, make([]byte, MaxFragments*16), 16)
	if err != nil {
		t.Fatalf("split at limit: %v", err)
	}
	if len(frags) != MaxFragments {
		t.Fatalf("fragments %d", len(frags))
	}
}
