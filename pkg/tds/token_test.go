package tds

import "testing"

func int4RowBytes(v int32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func TestParser_SkipRows_DiscardsRowToken(t *testing.T) {
	p := NewParser()
	schema := []Column{{Name: "n", Type: TypeInt4}}
	p.schema = schema

	buf := append([]byte{tokenRow}, int4RowBytes(42)...)
	p.Feed(buf)
	p.SetSkipRows(true)

	tok, err := p.TryParseNext()
	if err != nil {
		t.Fatalf("TryParseNext: %v", err)
	}
	if tok.Kind != KindRow {
		t.Fatalf("got kind %v, want KindRow", tok.Kind)
	}
	if tok.Row != nil {
		t.Errorf("expected a skipped row to carry no decoded values, got %v", tok.Row)
	}
	if len(p.buf) != 0 {
		t.Errorf("expected the row body to be fully consumed, %d bytes left", len(p.buf))
	}
}

func TestParser_SkipRows_DiscardsNbcRowToken(t *testing.T) {
	p := NewParser()
	schema := []Column{{Name: "a", Type: TypeInt4}, {Name: "b", Type: TypeInt4}}
	p.schema = schema

	// bitmap byte 0x02: column 0 present, column 1 null.
	buf := []byte{tokenNbcRow, 0x02}
	buf = append(buf, int4RowBytes(7)...)
	p.Feed(buf)
	p.SetSkipRows(true)

	tok, err := p.TryParseNext()
	if err != nil {
		t.Fatalf("TryParseNext: %v", err)
	}
	if tok.Kind != KindNbcRow {
		t.Fatalf("got kind %v, want KindNbcRow", tok.Kind)
	}
	if tok.Row != nil {
		t.Errorf("expected a skipped NBCROW to carry no decoded values, got %v", tok.Row)
	}
	if len(p.buf) != 0 {
		t.Errorf("expected the row body to be fully consumed, %d bytes left", len(p.buf))
	}
}

func TestParser_SkipRows_FalseStillDecodes(t *testing.T) {
	p := NewParser()
	schema := []Column{{Name: "n", Type: TypeInt4}}
	p.schema = schema

	buf := append([]byte{tokenRow}, int4RowBytes(99)...)
	p.Feed(buf)

	tok, err := p.TryParseNext()
	if err != nil {
		t.Fatalf("TryParseNext: %v", err)
	}
	if len(tok.Row) != 1 || tok.Row[0] != int32(99) {
		t.Errorf("expected a fully decoded row [99], got %v", tok.Row)
	}
}

func TestParser_Reset_ClearsSkipRows(t *testing.T) {
	p := NewParser()
	p.SetSkipRows(true)
	p.Reset()
	if p.shouldSkipRows() {
		t.Errorf("expected Reset to clear skip-rows mode")
	}
}
