//go:build !unix

package engine

import "syscall"

func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
