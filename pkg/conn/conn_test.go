package conn

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/tdscatalog/mssqlclient/pkg/tds"
)

// newPipeConn wires a *Conn to one end of an in-memory net.Pipe, with srv
// left as the other end for a test to write a scripted response onto.
func newPipeConn(t *testing.T) (c *Conn, srv net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	return &Conn{
		rawConn:    client,
		activeConn: client,
		reader:     bufio.NewReader(client),
		writer:     bufio.NewWriter(client),
		parser:     tds.NewParser(),
		packetSize: tds.DefaultPacketSize,
		state:      StateExecuting,
	}, server
}

func writeDonePacket(t *testing.T, srv net.Conn) {
	t.Helper()
	body := make([]byte, 13)
	body[0] = tds.TokenDone
	binary.LittleEndian.PutUint16(body[1:3], 0) // status: final, no DoneMore
	binary.LittleEndian.PutUint16(body[3:5], 0) // curCmd
	binary.LittleEndian.PutUint64(body[5:13], 0)

	hdr := tds.Header{
		Type:     tds.PacketReply,
		Status:   tds.StatusEOM,
		Length:   uint16(tds.HeaderSize + len(body)),
		PacketID: 1,
	}
	if err := hdr.Write(srv); err != nil {
		t.Fatalf("writing header: %v", err)
	}
	if _, err := srv.Write(body); err != nil {
		t.Fatalf("writing body: %v", err)
	}
}

// TestDrainUntilDone_NilOnTokenDoesNotPanic is the regression test for the
// review-flagged bug: a nil onToken (as pkg/pool's idle-connection validation
// query used to pass) must not panic the first time the parser hands back a
// token — drainUntilDone substitutes a no-op.
func TestDrainUntilDone_NilOnTokenDoesNotPanic(t *testing.T) {
	c, srv := newPipeConn(t)

	done := make(chan struct{})
	go func() {
		writeDonePacket(t, srv)
		close(done)
	}()

	err := c.drainUntilDone(context.Background(), nil)
	<-done
	if err != nil {
		t.Fatalf("drainUntilDone with nil onToken returned an error: %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want Idle after a final DONE", c.State())
	}
}

func TestDrainUntilDone_InvokesOnToken(t *testing.T) {
	c, srv := newPipeConn(t)

	go writeDonePacket(t, srv)

	var gotDone bool
	err := c.drainUntilDone(context.Background(), func(tok tds.Token) error {
		if tok.Kind == tds.KindDone {
			gotDone = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("drainUntilDone: %v", err)
	}
	if !gotDone {
		t.Error("expected onToken to observe the DONE token")
	}
}

func TestConn_PinUnpin(t *testing.T) {
	c := &Conn{}
	if c.Pinned() {
		t.Fatal("new Conn should not be pinned")
	}
	c.Pin()
	if !c.Pinned() {
		t.Error("expected Pinned() true after Pin()")
	}
	c.Unpin()
	if c.Pinned() {
		t.Error("expected Pinned() false after Unpin()")
	}
}

func TestConn_LastUsed(t *testing.T) {
	c := &Conn{}
	before := time.Now()
	c.lastUsed = before
	if !c.LastUsed().Equal(before) {
		t.Errorf("LastUsed() = %v, want %v", c.LastUsed(), before)
	}
}
