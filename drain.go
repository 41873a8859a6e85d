package cwndlab

//
// Drain server
//

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

// ReceivedBytesCounter counts the bytes received by a drain.
type ReceivedBytesCounter interface {
	// BytesReceived returns the bytes received since the last reset.
	BytesReceived() int64

	// ResetBytesReceived sets the counter to zero.
	ResetBytesReceived()
}

// DrainServer accepts TCP connections and discards whatever they send. It
// serves connections until you call Close. The zero value is invalid; please,
// use [NewDrainServer] to construct.
type DrainServer struct {
	// closeOnce provides "once" semantics for Close.
	closeOnce sync.Once

	// conns contains the active connections.
	conns map[net.Conn]bool

	// listener is the listening socket.
	listener net.Listener

	// logger is the logger to use.
	logger Logger

	// mu protects conns.
	mu sync.Mutex

	// received counts the received bytes.
	received atomic.Int64

	// wg tracks the background goroutines.
	wg sync.WaitGroup
}

var _ ReceivedBytesCounter = &DrainServer{}

// NewDrainServer creates a [DrainServer] serving the given listener in
// background goroutines. The [DrainServer] owns the listener.
func NewDrainServer(listener net.Listener, logger Logger) *DrainServer {
	ds := &DrainServer{
		closeOnce: sync.Once{},
		conns:     map[net.Conn]bool{},
		listener:  listener,
		logger:    logger,
		mu:        sync.Mutex{},
		received:  atomic.Int64{},
		wg:        sync.WaitGroup{},
	}
	ds.wg.Add(1)
	go ds.acceptLoop()
	return ds
}

// Addr returns the address where the drain listens.
func (ds *DrainServer) Addr() net.Addr {
	return ds.listener.Addr()
}

// BytesReceived implements ReceivedBytesCounter.
func (ds *DrainServer) BytesReceived() int64 {
	return ds.received.Load()
}

// ResetBytesReceived implements ReceivedBytesCounter.
func (ds *DrainServer) ResetBytesReceived() {
	ds.received.Store(0)
}

func (ds *DrainServer) acceptLoop() {
	defer ds.wg.Done()
	for {
		conn, err := ds.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				ds.logger.Warnf("cwndlab: drain: accept: %s", err.Error())
			}
			return
		}
		if !ds.track(conn) {
			conn.Close()
			return
		}
		ds.logger.Debugf("cwndlab: drain: accepted %s", conn.RemoteAddr())
		ds.wg.Add(1)
		go ds.serve(conn)
	}
}

// track adds conn to the active connections unless we are closing.
func (ds *DrainServer) track(conn net.Conn) bool {
	defer ds.mu.Unlock()
	ds.mu.Lock()
	if ds.conns == nil {
		return false
	}
	ds.conns[conn] = true
	return true
}

func (ds *DrainServer) serve(conn net.Conn) {
	defer ds.wg.Done()
	defer func() {
		ds.mu.Lock()
		delete(ds.conns, conn)
		ds.mu.Unlock()
		conn.Close()
	}()
	buffer := make([]byte, 1<<16)
	for {
		count, err := conn.Read(buffer)
		ds.received.Add(int64(count))
		if err != nil {
			ds.logger.Debugf("cwndlab: drain: %s: %s", conn.RemoteAddr(), err.Error())
			return
		}
	}
}

// Close stops accepting, closes the active connections, and waits
// for the background goroutines to terminate.
func (ds *DrainServer) Close() error {
	ds.closeOnce.Do(func() {
		ds.listener.Close()
		ds.mu.Lock()
		for conn := range ds.conns {
			conn.Close()
		}
		ds.conns = nil
		ds.mu.Unlock()
		ds.wg.Wait()
	})
	return nil
}
