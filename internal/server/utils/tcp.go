package utils

import (
	"io"
	"log/slog"
	"net"

	"github.com/edgespeed/edgespeed/internal/log"
)

// Connect dials the target address and returns the connection.
func Connect(addr string) (target net.Conn, err error) {
	slog.Debug("Connecting", slog.String("dest", addr))
	if target, err = net.Dial("tcp", addr); err != nil {
		return nil, err
	}
	slog.Debug("Connected", slog.String("dest", addr))
	return target, nil
}

// CopyHalf copies from src to dst and half-closes both sides when done.
func CopyHalf(dst, src net.Conn) {
	defer func() {
		// Prefer TCP half-close to allow the opposite direction to drain.
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		} else {
			_ = dst.Close()
		}
		if tc, ok := src.(*net.TCPConn); ok {
			_ = tc.CloseRead()
		} else {
			_ = src.Close()
		}
		log.LogDebugWithAddr(src.RemoteAddr().String(), dst.RemoteAddr().String(), "Connections half-closed")
	}()
	_, _ = io.Copy(dst, src)
}
