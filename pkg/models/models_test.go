package models

import (
	"bytes"
	"strings"
	"testing"
)

func TestValueTransferValidate(t *testing.T) {
	good := ValueTransfer{ID: "m1", Amount: 5, Unit: "sat", Token: "cashuAtest"}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid transfer rejected: %v", err)
	}
	memoOnly := ValueTransfer{ID: "m2", Memo: "hello"}
	if err := memoOnly.Validate(); err != nil {
		t.Fatalf("memo-only transfer rejected: %v", err)
	}

	cases := []struct {
		name string
		vt   ValueTransfer
	}{
		{"missing id", ValueTransfer{Memo: "x"}},
		{"amount without token", ValueTransfer{ID: "m", Amount: 5, Unit: "sat"}},
		{"amount without unit", ValueTransfer{ID: "m", Amount: 5, Token: "cashuAtest"}},
		{"empty payload", ValueTransfer{ID: "m"}},
		{"memo too long", ValueTransfer{ID: "m", Memo: strings.Repeat("x", MaxMemoLength+1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.vt.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestAnnouncementValidate(t *testing.T) {
	good := IdentityAnnouncement{PeerID: "0102030405060708", Nickname: "ok", StaticKey: []byte{1}, SigningKey: []byte{2}}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid announcement rejected: %v", err)
	}
	bad := good
	bad.Nickname = "line\nbreak"
	if err := bad.Validate(); err == nil {
		t.Fatal("nickname with line break accepted")
	}
	bad = good
	bad.Nickname = strings.Repeat("n", MaxNicknameLength+1)
	if err := bad.Validate(); err == nil {
		t.Fatal("oversized nickname accepted")
	}
}

func TestAnnouncementSigningBytes(t *testing.T) {
	a := IdentityAnnouncement{PeerID: "p", Nickname: "n", StaticKey: []byte{1}, SigningKey: []byte{2}, Nonce: 7}
	first := a.SigningBytes()
	second := a.SigningBytes()
	if !bytes.Equal(first, second) {
		t.Fatal("signing bytes not stable")
	}
	a.Nonce = 8
	if bytes.Equal(first, a.SigningBytes()) {
		t.Fatal("nonce change did not change signing bytes")
	}
	a.Nonce = 7
	a.Nickname = "other"
	if bytes.Equal(first, a.SigningBytes()) {
		t.Fatal("nickname change did not change signing bytes")
	}
}

func TestSyncRequestKnows(t *testing.T) {
	s := SyncRequest{KnownPeers: []string{"a", "b"}}
	if !s.Knows("a") || s.Knows("c") {
		t.Fatal("Knows lookup wrong")
	}
}
