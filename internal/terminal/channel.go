package terminal

import (
	"errors"
	"io"

	cryptossh "golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"
)

// BufSize is the chunk size used for every recv() from the remote shell.
const BufSize = 1024

// ErrWouldBlock is returned by Send when the internal send buffer is full
// and the caller should retry once the reactor reports write-readiness
// again.
var ErrWouldBlock = errors.New("terminal: send would block")

// NonBlockingChannel adapts an interactive golang.org/x/crypto/ssh shell
// channel — whose Read/Write calls block on network and SSH flow-control
// conditions — into the pollable, non-blocking fd the reactor needs.
//
// golang.org/x/crypto/ssh.Channel has no fileno() of its own: it is one of
// potentially many logical streams multiplexed over a single TCP
// connection, so there is no per-channel kernel descriptor to hand to
// epoll. Two OS pipes stand in for it. A drain goroutine performs the
// actual blocking Channel.Read and forwards bytes into recvPipe; Recv()
// is then a plain non-blocking read off recvPipe's read end, which is
// exactly what the reactor polls. Symmetrically, Send() is a non-blocking
// write into sendPipe; a pump goroutine drains sendPipe with blocking
// reads and forwards each chunk to the real Channel.Write. Pipe capacity
// (64 KiB by default on Linux) becomes the implicit flow-control buffer in
// both directions: a slow WebSocket client throttles the drain goroutine
// (and transitively stalls further channel.Read calls), and a remote shell
// with an exhausted SSH window throttles the pump goroutine, which is
// exactly the backpressure a non-blocking bridging relay needs on both legs.
type NonBlockingChannel struct {
	ch cryptossh.Channel

	recvR, recvW int
	sendR, sendW int

	closed chan struct{}
}

func newNonBlockingChannel(ch cryptossh.Channel) (*NonBlockingChannel, error) {
	recvFds := make([]int, 2)
	if err := unix.Pipe2(recvFds, unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	sendFds := make([]int, 2)
	if err := unix.Pipe2(sendFds, unix.O_CLOEXEC); err != nil {
		_ = unix.Close(recvFds[0])
		_ = unix.Close(recvFds[1])
		return nil, err
	}

	if err := unix.SetNonblock(recvFds[0], true); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(sendFds[1], true); err != nil {
		return nil, err
	}

	nc := &NonBlockingChannel{
		ch:     ch,
		recvR:  recvFds[0],
		recvW:  recvFds[1],
		sendR:  sendFds[0],
		sendW:  sendFds[1],
		closed: make(chan struct{}),
	}

	go nc.drainLoop()
	go nc.pumpLoop()

	return nc, nil
}

// drainLoop performs the real blocking reads off the SSH channel and
// forwards bytes to recvW. It exits (closing recvW so Recv observes EOF)
// once the channel is exhausted or errors.
func (nc *NonBlockingChannel) drainLoop() {
	defer unix.Close(nc.recvW)

	buf := make([]byte, BufSize)
	for {
		n, err := nc.ch.Read(buf)
		if n > 0 {
			if werr := writeAll(nc.recvW, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpLoop drains sendR with blocking reads and forwards each chunk to the
// real, blocking Channel.Write — the only place the SSH flow-control
// window is actually waited on.
func (nc *NonBlockingChannel) pumpLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := unix.Read(nc.sendR, buf)
		if n > 0 {
			if _, werr := nc.ch.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func writeAll(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		p = p[n:]
	}
	return nil
}

// Fd returns the descriptor the reactor should poll for READ readiness.
func (nc *NonBlockingChannel) Fd() int { return nc.recvR }

// WriteFd returns the descriptor the reactor should poll for WRITE
// readiness: the write end of the send pipe becomes writable again once
// the pump goroutine has drained enough of it to accept more bytes. It is
// a different descriptor from Fd on purpose — recvR and sendW are two
// independent pipes, one per direction, so a session's READ interest and
// WRITE interest are tracked on two separate fds rather than one.
func (nc *NonBlockingChannel) WriteFd() int { return nc.sendW }

// Recv reads up to n bytes without blocking. It returns (0, io.EOF) once
// the remote shell has closed or the channel has errored — the caller
// does not distinguish the two at this layer; both collapse to close().
func (nc *NonBlockingChannel) Recv(n int) ([]byte, error) {
	buf := make([]byte, n)
	count, err := unix.Read(nc.recvR, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, ErrWouldBlock
		}
		return nil, err
	}
	if count == 0 {
		return nil, io.EOF
	}
	return buf[:count], nil
}

// Send writes as much of p as fits in the send buffer without blocking,
// returning the number of bytes accepted. A return of (0, ErrWouldBlock)
// means the buffer is full; the caller should keep the remainder queued
// and retry once WRITE-interest fires again.
func (nc *NonBlockingChannel) Send(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Write(nc.sendW, p)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// Close tears down both pipes. Safe to call once; the drain/pump
// goroutines exit on their own once they observe the underlying channel
// close, so Close only needs to release the two pipes this wrapper owns.
func (nc *NonBlockingChannel) Close() error {
	select {
	case <-nc.closed:
		return nil
	default:
		close(nc.closed)
	}
	_ = unix.Close(nc.recvR)
	_ = unix.Close(nc.sendR)
	_ = unix.Close(nc.sendW)
	return nc.ch.Close()
}
