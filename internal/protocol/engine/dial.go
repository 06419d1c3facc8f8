package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var ErrConnect = errors.New("engine: connect failed")

// ConnectError reports a transport failure reaching the controller.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("engine: connect %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnect }

// Dial opens a fresh connection to the controller with an ephemeral local
// port, Nagle disabled and an enlarged send buffer.
func (e *Engine) Dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{
		Timeout:   e.cfg.ConnectTimeout,
		LocalAddr: &net.TCPAddr{Port: 0},
		Control:   reuseAddrControl,
	}
	conn, err := dialer.DialContext(ctx, "tcp", e.cfg.Address)
	if err != nil {
		return nil, &ConnectError{Address: e.cfg.Address, Err: err}
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			_ = conn.Close()
			return nil, &ConnectError{Address: e.cfg.Address, Err: err}
		}
		if err := tcp.SetWriteBuffer(e.cfg.SendBufferBytes); err != nil {
			_ = conn.Close()
			return nil, &ConnectError{Address: e.cfg.Address, Err: err}
		}
	}
	return conn, nil
}
