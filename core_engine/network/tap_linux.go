// core_engine/network/tap_linux.go
package network

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix" // For TUNSETIFF ioctl
)

// HostNetInterface is a host-side packet source and sink, such as a TAP
// device, whose receive interrupt feeds the soft network level.
type HostNetInterface interface {
	// ReadPacket returns the next frame, or nil when none is available.
	ReadPacket() ([]byte, error)
	WritePacket(packet []byte) error
	Close() error
}

// MaxFrameLen bounds a single read from the host interface.
const MaxFrameLen = 2048

// TapDevice implements HostNetInterface using a non-blocking Linux TAP device.
type TapDevice struct {
	fd   int
	name string
	log  *slog.Logger
}

// NewTapDevice creates and configures a new TAP device.
func NewTapDevice(name string, logger *slog.Logger) (*TapDevice, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bad interface name %q: %w", name, err)
	}
	// Ethernet frames, no packet info header
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF ioctl failed for %s: %w", name, err)
	}

	t := &TapDevice{fd: fd, name: ifr.Name(), log: logger}
	t.log.Info("network: tap device created", "name", t.name, "fd", fd)
	return t, nil
}

// Name returns the interface name the kernel assigned.
func (t *TapDevice) Name() string { return t.name }

// ReadPacket reads an Ethernet frame from the TAP device.
func (t *TapDevice) ReadPacket() ([]byte, error) {
	buffer := make([]byte, MaxFrameLen)
	n, err := unix.Read(t.fd, buffer)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from tap device %s: %w", t.name, err)
	}
	if n == 0 {
		return nil, nil
	}
	return buffer[:n], nil
}

// WritePacket writes an Ethernet frame to the TAP device.
func (t *TapDevice) WritePacket(packet []byte) error {
	if _, err := unix.Write(t.fd, packet); err != nil {
		return fmt.Errorf("failed to write to tap device %s: %w", t.name, err)
	}
	return nil
}

// Close closes the TAP device file descriptor.
func (t *TapDevice) Close() error {
	if t.fd < 0 {
		return nil
	}
	t.log.Info("network: closing tap device", "name", t.name, "fd", t.fd)
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}
