package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	ErrRemoteClosed      = errors.New("transport: remote host closed the connection")
	ErrHostNotFound      = errors.New("transport: host not found")
	ErrConnectionRefused = errors.New("transport: connection refused")
	ErrNotConnected      = errors.New("transport: not connected")
	ErrAddressRequired   = errors.New("transport: address required")
)

// Classify maps a socket error onto the package sentinels. Errors that fit
// none of them are wrapped as-is.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, ErrRemoteClosed), errors.Is(err, ErrHostNotFound), errors.Is(err, ErrConnectionRefused):
		return err
	case errors.Is(err, io.EOF), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %v", ErrRemoteClosed, err)
	case errors.As(err, &dnsErr):
		return fmt.Errorf("%w: %s", ErrHostNotFound, dnsErr.Name)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	default:
		return fmt.Errorf("transport: %w", err)
	}
}
