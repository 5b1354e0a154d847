//go:build !linux

package ws

import (
	"errors"
	"net"
)

var errNoEpoll = errors.New("ws: epoll is only available on linux")

// poller is unavailable off Linux; every connection gets a read goroutine.
type poller struct{}

func newPoller() (*poller, error) { return nil, errNoEpoll }

func (p *poller) add(*Connection) error { return errNoEpoll }

func (p *poller) remove(*Connection) error { return nil }

func (p *poller) wait(int) ([]*Connection, error) { return nil, errNoEpoll }

func (p *poller) close() error { return nil }

func socketFD(net.Conn) int { return -1 }
