package serial

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Parity configures the parity bit of a Port.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

// StopBits configures the number of stop bits of a Port.
type StopBits int

const (
	StopBitsOne StopBits = iota
	StopBitsTwo
)

// FlowControl configures the flow control mode of a Port.
type FlowControl int

const (
	FlowControlNone FlowControl = iota
	FlowControlSoftware
	FlowControlHardware
)

// PortConfig holds configuration parameters for opening a serial port.
type PortConfig struct {
	Device      string
	BaudRate    int           // default 115200
	DataBits    int           // 5..8, default 8
	Parity      Parity        // default ParityNone
	StopBits    StopBits      // default StopBitsOne
	FlowControl FlowControl   // default FlowControlNone
	ReadTimeout time.Duration // bound for a single Read, default 25ms
}

// Port is a raw, low-latency Linux serial port implementing Transport.
// Reads are bounded by the configured ReadTimeout and unblocked early by
// Close through a self-pipe. It is safe for concurrent use by multiple
// goroutines.
type Port struct {
	fd        int
	file      *os.File
	open      atomic.Bool
	closeOnce sync.Once
	config    PortConfig
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
}

// OpenPort opens a serial port using the provided PortConfig. The port is
// configured for raw, non-buffered operation.
func OpenPort(cfg PortConfig) (*Port, error) {
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 25 * time.Millisecond
	}

	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("open failed: %w", err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("get termios: %w", err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag |= unix.CLOCAL | unix.CREAD

	// Character size
	termios.Cflag &^= unix.CSIZE
	switch cfg.DataBits {
	case 5:
		termios.Cflag |= unix.CS5
	case 6:
		termios.Cflag |= unix.CS6
	case 7:
		termios.Cflag |= unix.CS7
	case 8:
		termios.Cflag |= unix.CS8
	default:
		syscall.Close(fd)
		return nil, fmt.Errorf("invalid data bits: %d", cfg.DataBits)
	}

	// Parity
	switch cfg.Parity {
	case ParityNone:
		termios.Cflag &^= unix.PARENB
	case ParityEven:
		termios.Cflag |= unix.PARENB
		termios.Cflag &^= unix.PARODD
	case ParityOdd:
		termios.Cflag |= unix.PARENB | unix.PARODD
	}

	// Stop bits
	if cfg.StopBits == StopBitsTwo {
		termios.Cflag |= unix.CSTOPB
	} else {
		termios.Cflag &^= unix.CSTOPB
	}

	// Flow control
	termios.Cflag &^= unix.CRTSCTS
	switch cfg.FlowControl {
	case FlowControlSoftware:
		termios.Iflag |= unix.IXON | unix.IXOFF
	case FlowControlHardware:
		termios.Cflag |= unix.CRTSCTS
	}

	// Baud rate
	baud := baudToUnix(cfg.BaudRate)
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud

	// VMIN=1, VTIME=0; timeouts are handled by poll, not termios
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set termios: %w", err)
	}

	// Turn back into blocking mode now that config is done
	syscall.SetNonblock(fd, false)

	// Create self-pipe so Close can unblock a pending poll
	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	p := &Port{
		fd:     fd,
		file:   os.NewFile(uintptr(fd), cfg.Device),
		config: cfg,
		pipeR:  pipeFds[0],
		pipeW:  pipeFds[1],
	}
	p.open.Store(true)
	return p, nil
}

// IsOpen implements Transport.
func (p *Port) IsOpen() bool {
	return p.open.Load()
}

// Read implements Transport. It returns up to max bytes, waiting at most the
// configured ReadTimeout for data; an empty result with a nil error means the
// timeout elapsed. A Read unblocked by Close returns ErrPortClosed.
func (p *Port) Read(max int) ([]byte, error) {
	if !p.open.Load() {
		return nil, ErrPortClosed
	}
	if max <= 0 {
		return nil, nil
	}
	pfd := []unix.PollFd{
		{Fd: int32(p.fd), Events: unix.POLLIN},
		{Fd: int32(p.pipeR), Events: unix.POLLIN},
	}
	n, err := unix.Poll(pfd, int(p.config.ReadTimeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		// timeout
		return nil, nil
	}
	if !p.open.Load() {
		return nil, ErrPortClosed
	}
	if pfd[1].Revents&unix.POLLIN != 0 {
		// Drain pipe
		var b [1]byte
		unix.Read(p.pipeR, b[:])
		return nil, ErrPortClosed
	}
	// POLLHUP/POLLERR fall through to the read so the device error surfaces.
	if pfd[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
		return nil, nil
	}
	buf := make([]byte, max)
	rn, err := p.file.Read(buf)
	if err != nil {
		if !p.open.Load() {
			return nil, ErrPortClosed
		}
		return nil, fmt.Errorf("read: %w", err)
	}
	return buf[:rn], nil
}

// Write implements Transport.
func (p *Port) Write(b []byte) (int, error) {
	if !p.open.Load() {
		return 0, ErrPortClosed
	}
	return p.file.Write(b)
}

// WriteLine writes a line followed by the given newline to the serial port.
func (p *Port) WriteLine(line string, newline string) error {
	_, err := p.Write([]byte(line + newline))
	return err
}

// Available implements Transport, returning the number of bytes waiting in
// the kernel input buffer.
func (p *Port) Available() (int, error) {
	if !p.open.Load() {
		return 0, ErrPortClosed
	}
	n, err := unix.IoctlGetInt(p.fd, unix.TIOCINQ)
	if err != nil {
		return 0, fmt.Errorf("ioctl TIOCINQ: %w", err)
	}
	return n, nil
}

// Close closes the serial port and unblocks any pending Read. Safe to call
// multiple times; subsequent calls are no-ops.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.open.Store(false)
		// Wake up poll using self-pipe
		if p.pipeW > 0 {
			unix.Write(p.pipeW, []byte{1})
		}
		if p.file != nil {
			err = p.file.Close()
		}
		if p.pipeR > 0 {
			unix.Close(p.pipeR)
		}
		if p.pipeW > 0 {
			unix.Close(p.pipeW)
		}
	})
	return err
}

func baudToUnix(baud int) uint32 {
	switch baud {
	case 1200:
		return unix.B1200
	case 2400:
		return unix.B2400
	case 4800:
		return unix.B4800
	case 9600:
		return unix.B9600
	case 19200:
		return unix.B19200
	case 38400:
		return unix.B38400
	case 57600:
		return unix.B57600
	case 115200:
		return unix.B115200
	case 230400:
		return unix.B230400
	default:
		return unix.B115200 // fallback
	}
}
