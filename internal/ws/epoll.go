//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// poller reports read readiness of registered sockets through epoll so idle
// connections cost no goroutine.
type poller struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]*Connection
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

func (p *poller) add(c *Connection) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, c.fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(c.fd),
	}); err != nil {
		return err
	}
	p.mu.Lock()
	p.conns[c.fd] = c
	p.mu.Unlock()
	return nil
}

func (p *poller) remove(c *Connection) error {
	p.mu.Lock()
	delete(p.conns, c.fd)
	p.mu.Unlock()
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, c.fd, nil)
}

// wait blocks up to timeoutMs and returns the connections with pending
// input. EINTR yields an empty batch.
func (p *poller) wait(timeoutMs int) ([]*Connection, error) {
	n, err := unix.EpollWait(p.fd, p.events, timeoutMs)
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	ready := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := p.conns[int(p.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	p.mu.RUnlock()
	return ready, nil
}

func (p *poller) close() error {
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return unix.Close(p.fd)
}

// socketFD returns the descriptor of a TCP socket without duplicating it,
// or -1 for connections that do not expose one (e.g. net.Pipe).
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
