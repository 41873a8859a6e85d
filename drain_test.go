package cwndlab

import (
	"net"
	"testing"
	"time"
)

// newLoopbackDrain creates a [DrainServer] listening on the loopback.
func newLoopbackDrain(t *testing.T) *DrainServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return NewDrainServer(listener, &NullLogger{})
}

// waitForBytes waits until the drain has received at least count bytes.
func waitForBytes(t *testing.T, ds *DrainServer, count int64) {
	deadline := time.Now().Add(5 * time.Second)
	for ds.BytesReceived() < count {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for", count, "bytes; got", ds.BytesReceived())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDrainServer(t *testing.T) {
	t.Run("we count and reset the received bytes", func(t *testing.T) {
		ds := newLoopbackDrain(t)
		defer ds.Close()

		conn, err := net.Dial("tcp", ds.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()

		if _, err := conn.Write(make([]byte, 4096)); err != nil {
			t.Fatal(err)
		}
		waitForBytes(t, ds, 4096)
		if got := ds.BytesReceived(); got != 4096 {
			t.Fatal("expected 4096 bytes, got", got)
		}

		ds.ResetBytesReceived()
		if _, err := conn.Write(make([]byte, 100)); err != nil {
			t.Fatal(err)
		}
		waitForBytes(t, ds, 100)
		if got := ds.BytesReceived(); got != 100 {
			t.Fatal("expected 100 bytes, got", got)
		}
	})

	t.Run("we serve several connections", func(t *testing.T) {
		ds := newLoopbackDrain(t)
		defer ds.Close()
		for idx := 0; idx < 3; idx++ {
			conn, err := net.Dial("tcp", ds.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			if _, err := conn.Write(make([]byte, 1000)); err != nil {
				t.Fatal(err)
			}
			conn.Close()
		}
		waitForBytes(t, ds, 3000)
	})

	t.Run("Close closes active connections and is idempotent", func(t *testing.T) {
		ds := newLoopbackDrain(t)
		conn, err := net.Dial("tcp", ds.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		if _, err := conn.Write([]byte("x")); err != nil {
			t.Fatal(err)
		}
		waitForBytes(t, ds, 1)

		ds.Close()
		ds.Close()

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Read(make([]byte, 1)); err == nil {
			t.Fatal("expected the drain to close the connection")
		}
	})
}
