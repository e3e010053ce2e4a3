// Package serial provides a tokenizing listener for serial devices on Linux,
// designed for high-frequency unbuffered communication with embedded devices
// that speak line- or record-oriented protocols.
//
// The listener runs a read loop against any Transport (a raw serial Port is
// included), accumulates incoming bytes, splits them into tokens with a
// pluggable Tokenizer (delimiter-based by default), and dispatches matching
// tokens to registered filters on a dedicated callback goroutine, so a slow
// or faulty callback never stalls the read path.
//
// Features:
//   - Raw syscall-based serial I/O on Linux, no buffering delays
//   - Pluggable tokenizer; delimiter splitting with custom delimiter (default: \r)
//   - Filters pairing a comparator with a callback, registered and removed
//     concurrently while listening
//   - BlockingFilter for single-shot synchronous waits and BufferedFilter for
//     fixed-size collection of matches
//   - Self-pipe mechanism so Close unblocks a pending read
//   - PTY-based tests for reliability
//
// This package does **not** support Windows.
//
// Example usage:
//
//	port, err := serial.OpenPort(serial.PortConfig{
//	    Device:   "/dev/ttyUSB0",
//	    BaudRate: 115200,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer port.Close()
//
//	listener := serial.NewSerialListener(serial.Config{Delimiter: "\r"})
//	if err := listener.StartListening(port); err != nil {
//	    log.Fatal(err)
//	}
//	defer listener.StopListening()
//
//	listener.CreateFilter(
//	    func(token string) bool { return strings.HasPrefix(token, "V=") },
//	    func(token string) { fmt.Println("voltage:", token) },
//	)
//
//	// Ask the device for its version and wait for the reply.
//	bf := listener.CreateBlockingFilter(func(token string) bool {
//	    return strings.HasPrefix(token, "$VER")
//	})
//	port.Write([]byte("?VER\r"))
//	version, err := bf.Wait(250 * time.Millisecond)
package serial
