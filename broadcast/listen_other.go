//go:build !unix

package broadcast

import "syscall"

func controlReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
