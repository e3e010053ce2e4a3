package serial

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type listenState int

const (
	stateStopped listenState = iota
	stateStarting
	stateRunning
	stateStopping
)

const (
	defaultChunkSize    = 5
	defaultPollInterval = 10 * time.Millisecond
	defaultDelimiter    = "\r"

	// Upper bound for a single read when Available reports a backlog.
	maxReadSize = 1024
	// Ceiling for the retry backoff when the transport misbehaves mid-run.
	maxBackoff = 500 * time.Millisecond
)

// MessageCallback receives a diagnostic message from the listener.
type MessageCallback func(msg string)

// ErrorCallback receives failures caught inside the background goroutines
// (callback panics, comparator panics, mid-run transport errors). These are
// never allowed to terminate a loop.
type ErrorCallback func(err error)

// Config holds configuration parameters for a SerialListener. The zero value
// is usable; zero fields fall back to defaults.
type Config struct {
	// Delimiter for the default tokenizer. Default "\r".
	Delimiter string
	// ChunkSize is the per-iteration read size hint. A larger hint reduces
	// syscall overhead at the cost of latency before a token is recognized.
	// Default 5.
	ChunkSize int
	// PollInterval bounds the dispatcher's queue wait and the shutdown
	// latency of both goroutines. Default 10ms.
	PollInterval time.Duration
}

// SerialListener reads an unbounded byte stream from a Transport, splits it
// into tokens, and dispatches matching tokens to registered filters on a
// dedicated goroutine. It is safe for concurrent use by multiple goroutines.
type SerialListener struct {
	chunkSize    int
	pollInterval time.Duration

	mu        sync.Mutex // guards state transitions and tokenizer swap
	state     listenState
	transport Transport
	tokenize  Tokenizer
	active    atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup

	// buffer is owned by the read goroutine while running; it always equals
	// the remainder of the last tokenizer invocation plus unread bytes.
	buffer string

	filterMu      sync.RWMutex
	filters       map[FilterHandle]*filter
	nextHandle    FilterHandle
	defaultHandle FilterHandle

	queue *matchQueue

	sinkMu  sync.RWMutex
	warnFn  MessageCallback
	infoFn  MessageCallback
	debugFn MessageCallback
	errFn   ErrorCallback
	p       *message.Printer
}

// NewSerialListener creates a listener configured by cfg, with a delimiter
// tokenizer and diagnostic handlers that log to stderr.
func NewSerialListener(cfg Config) *SerialListener {
	if cfg.Delimiter == "" {
		cfg.Delimiter = defaultDelimiter
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	log := zerolog.New(os.Stderr).With().Timestamp().Str("component", "seriallistener").Logger()
	return &SerialListener{
		chunkSize:    cfg.ChunkSize,
		pollInterval: cfg.PollInterval,
		tokenize:     DelimiterTokenizer(cfg.Delimiter),
		filters:      make(map[FilterHandle]*filter),
		queue:        newMatchQueue(),
		warnFn:       func(msg string) { log.Warn().Msg(msg) },
		infoFn:       func(msg string) { log.Info().Msg(msg) },
		debugFn:      func(msg string) { log.Debug().Msg(msg) },
		errFn:        func(err error) { log.Error().Err(err).Msg("unhandled error") },
		p:            message.NewPrinter(language.AmericanEnglish),
	}
}

// SetTokenizer replaces the tokenizing strategy. It fails with
// ErrAlreadyListening while the listener is running, because the read
// goroutine owns the buffer and a mid-stream swap would corrupt it.
func (l *SerialListener) SetTokenizer(t Tokenizer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateStopped {
		return ErrAlreadyListening
	}
	l.tokenize = t
	return nil
}

// SetDefaultHandler installs cb as a catch-all filter receiving every
// completed token. Passing nil removes it.
func (l *SerialListener) SetDefaultHandler(cb DataCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.defaultHandle != 0 {
		l.RemoveFilter(l.defaultHandle)
		l.defaultHandle = 0
	}
	if cb != nil {
		l.defaultHandle = l.CreateFilter(func(string) bool { return true }, cb)
	}
}

// SetWarningHandler replaces the warning message handler.
func (l *SerialListener) SetWarningHandler(cb MessageCallback) {
	l.sinkMu.Lock()
	l.warnFn = cb
	l.sinkMu.Unlock()
}

// SetInfoHandler replaces the info message handler.
func (l *SerialListener) SetInfoHandler(cb MessageCallback) {
	l.sinkMu.Lock()
	l.infoFn = cb
	l.sinkMu.Unlock()
}

// SetDebugHandler replaces the debug message handler.
func (l *SerialListener) SetDebugHandler(cb MessageCallback) {
	l.sinkMu.Lock()
	l.debugFn = cb
	l.sinkMu.Unlock()
}

// SetErrorHandler replaces the handler for failures caught inside the
// background goroutines.
func (l *SerialListener) SetErrorHandler(cb ErrorCallback) {
	l.sinkMu.Lock()
	l.errFn = cb
	l.sinkMu.Unlock()
}

// Localize renders diagnostic messages in the given language. No error is
// returned if the language is not supported.
func (l *SerialListener) Localize(tag language.Tag) {
	l.sinkMu.Lock()
	l.p = message.NewPrinter(tag)
	l.sinkMu.Unlock()
}

func (l *SerialListener) warn(msg string) {
	l.sinkMu.RLock()
	cb := l.warnFn
	l.sinkMu.RUnlock()
	if cb != nil {
		cb(msg)
	}
}

func (l *SerialListener) info(msg string) {
	l.sinkMu.RLock()
	cb := l.infoFn
	l.sinkMu.RUnlock()
	if cb != nil {
		cb(msg)
	}
}

func (l *SerialListener) debug(msg string) {
	l.sinkMu.RLock()
	cb := l.debugFn
	l.sinkMu.RUnlock()
	if cb != nil {
		cb(msg)
	}
}

func (l *SerialListener) handleErr(err error) {
	l.sinkMu.RLock()
	cb := l.errFn
	l.sinkMu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

func (l *SerialListener) sprintf(key string, a ...any) string {
	l.sinkMu.RLock()
	p := l.p
	l.sinkMu.RUnlock()
	return p.Sprintf(key, a...)
}

// IsListening reports whether the listener is running.
func (l *SerialListener) IsListening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateRunning
}

// StartListening attaches the listener to transport and starts the read and
// dispatch goroutines. It fails with ErrAlreadyListening if the listener is
// not stopped, and with ErrNotOpen if the transport reports closed.
func (l *SerialListener) StartListening(transport Transport) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateStopped {
		return ErrAlreadyListening
	}
	if transport == nil || !transport.IsOpen() {
		return ErrNotOpen
	}
	l.state = stateStarting
	l.transport = transport
	l.buffer = ""
	l.done = make(chan struct{})
	l.active.Store(true)
	l.wg.Add(2)
	go l.listen(transport, l.done)
	go l.dispatch()
	l.state = stateRunning
	l.info(l.sprintf("msg.listening_started", l.chunkSize))
	return nil
}

// StopListening stops both goroutines, clears the buffer and the filter
// registry, and releases the transport. It fails with ErrNotListening if the
// listener is not running. Shutdown latency is bounded by the poll interval,
// or by the retry backoff if the transport was failing.
func (l *SerialListener) StopListening() error {
	l.mu.Lock()
	if l.state != stateRunning {
		l.mu.Unlock()
		return ErrNotListening
	}
	l.state = stateStopping
	l.active.Store(false)
	close(l.done)
	l.mu.Unlock()

	// Join outside the lock so an in-flight callback that touches the
	// listener (IsListening, filter registration) cannot deadlock against
	// the stop. Concurrent Start/Stop callers see stateStopping and bail.
	l.wg.Wait()

	// Clear the registry before leaving stateStopping so a racing
	// StartListening cannot register filters that get wiped here.
	l.RemoveAllFilters()

	l.mu.Lock()
	l.buffer = ""
	l.transport = nil
	l.state = stateStopped
	l.mu.Unlock()
	l.info(l.sprintf("msg.listening_stopped"))
	return nil
}

// readSize determines how many bytes to request this iteration: the chunk
// size hint, grown toward the transport's reported backlog up to maxReadSize
// so a burst does not get dribbled in five bytes at a time.
func (l *SerialListener) readSize(t Transport) int {
	n := l.chunkSize
	if avail, err := t.Available(); err == nil && avail > n {
		n = avail
		if n > maxReadSize {
			n = maxReadSize
		}
	}
	return n
}

// listen is the read loop: read a chunk, append to the buffer, tokenize, run
// the matching engine, keep the remainder. Mid-run transport failures are
// routed to the error handler and retried with exponential backoff; the loop
// terminates only through StopListening.
func (l *SerialListener) listen(t Transport, done <-chan struct{}) {
	defer l.wg.Done()
	backoff := l.pollInterval
	for l.active.Load() {
		if !t.IsOpen() {
			l.handleErr(ErrNotOpen)
			l.warn(l.sprintf("msg.retrying", backoff))
			backoff = l.pause(backoff, done)
			continue
		}
		data, err := t.Read(l.readSize(t))
		if err != nil {
			l.handleErr(fmt.Errorf("transport read: %w", err))
			l.warn(l.sprintf("msg.retrying", backoff))
			backoff = l.pause(backoff, done)
			continue
		}
		backoff = l.pollInterval
		if len(data) == 0 {
			continue
		}
		l.buffer += string(data)
		tokens, remainder := l.tokenize(l.buffer)
		l.filterTokens(tokens)
		l.buffer = remainder
	}
}

// pause sleeps for backoff unless shutdown interrupts it, and returns the
// next backoff to use, doubled up to maxBackoff.
func (l *SerialListener) pause(backoff time.Duration, done <-chan struct{}) time.Duration {
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-done:
	}
	backoff *= 2
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// dispatch drains the match queue and invokes callbacks, one record at a
// time, isolated from the read loop.
func (l *SerialListener) dispatch() {
	defer l.wg.Done()
	for l.active.Load() {
		m, ok := l.queue.pop(l.pollInterval)
		if !ok {
			continue
		}
		if !l.active.Load() {
			// Deliberate: records popped during shutdown are discarded,
			// consistent with the stop-time queue purge.
			return
		}
		l.debug(l.sprintf("msg.dispatching", m.token))
		l.invoke(m)
	}
}

// invoke runs one callback; a panic is recovered here so a faulty callback
// cannot terminate the dispatch loop or leave the queue undrained.
func (l *SerialListener) invoke(m match) {
	defer func() {
		if r := recover(); r != nil {
			l.handleErr(fmt.Errorf("callback panicked on %q: %v", m.token, r))
		}
	}()
	m.filter.callback(m.token)
}

//nolint:errcheck
func init() {
	// --- English (default) ---
	message.SetString(language.AmericanEnglish, "msg.listening_started", "Listening started, chunk size %d")
	message.SetString(language.AmericanEnglish, "msg.listening_stopped", "Listening stopped")
	message.SetString(language.AmericanEnglish, "msg.retrying", "Transport unavailable, retrying in %v")
	message.SetString(language.AmericanEnglish, "msg.dispatching", "Dispatching token %q")

	// --- German (de) ---
	message.SetString(language.German, "msg.listening_started", "Empfang gestartet, Blockgröße %d")
	message.SetString(language.German, "msg.listening_stopped", "Empfang beendet")
	message.SetString(language.German, "msg.retrying", "Transport nicht verfügbar, neuer Versuch in %v")
	message.SetString(language.German, "msg.dispatching", "Token %q wird zugestellt")

	// --- Finnish (fi) ---
	message.SetString(language.Finnish, "msg.listening_started", "Kuuntelu aloitettu, lohkon koko %d")
	message.SetString(language.Finnish, "msg.listening_stopped", "Kuuntelu lopetettu")
	message.SetString(language.Finnish, "msg.retrying", "Yhteys ei käytettävissä, yritetään uudelleen %v kuluttua")
	message.SetString(language.Finnish, "msg.dispatching", "Toimitetaan token %q")
}
