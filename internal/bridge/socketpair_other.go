//go:build !unix

package bridge

import "net"

// Pipe returns two connected in-memory connections.
func Pipe() (net.Conn, net.Conn, error) {
	a, b := net.Pipe()
	return a, b, nil
}
