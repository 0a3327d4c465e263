package tds

import (
	"bytes"
	"testing"
)

func TestHeader_WriteReadRoundTrip(t *testing.T) {
	h := Header{Type: PacketSQLBatch, Status: StatusEOM, Length: 42, SPID: 7, PacketID: 3, Window: 0}
	var buf bytes.Buffer
	if err := h.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got != h {
		t.Errorf("got %+v, want %+v", got, h)
	}
}

func TestHeader_Validate(t *testing.T) {
	tests := []struct {
		name    string
		length  uint16
		wantErr bool
	}{
		{"too small", 4, true},
		{"bare header", HeaderSize, false},
		{"normal", 512, false},
		{"at max", MaxPacketSize, false},
	}
	for _, tt := range tests {
		h := Header{Length: tt.length}
		err := h.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestHeader_PayloadLength(t *testing.T) {
	h := Header{Length: HeaderSize + 100}
	if got := h.PayloadLength(); got != 100 {
		t.Errorf("got %d, want 100", got)
	}
	h2 := Header{Length: 2}
	if got := h2.PayloadLength(); got != 0 {
		t.Errorf("got %d, want 0 for an undersized header", got)
	}
}

func TestHeader_IsLastPacket(t *testing.T) {
	if !(Header{Status: StatusEOM}).IsLastPacket() {
		t.Errorf("expected StatusEOM to mark the last packet")
	}
	if (Header{Status: StatusNormal}).IsLastPacket() {
		t.Errorf("did not expect StatusNormal to mark the last packet")
	}
}

func TestPacketIDSequencer_WrapsSkippingZero(t *testing.T) {
	s := NewPacketIDSequencer()
	if got := s.Next(); got != 1 {
		t.Fatalf("first id = %d, want 1", got)
	}
	for i := uint8(2); i <= 255; i++ {
		if got := s.Next(); got != i {
			t.Fatalf("id = %d, want %d", got, i)
		}
	}
	if got := s.Next(); got != 1 {
		t.Errorf("expected wraparound to skip 0 and return 1, got %d", got)
	}
}
