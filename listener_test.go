package serial

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport fed directly by tests, keeping the
// engine tests deterministic and independent of any device node.
type fakeTransport struct {
	mu   sync.Mutex
	data []byte
	open bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{open: true}
}

func (f *fakeTransport) feed(s string) {
	f.mu.Lock()
	f.data = append(f.data, s...)
	f.mu.Unlock()
}

func (f *fakeTransport) setOpen(open bool) {
	f.mu.Lock()
	f.open = open
	f.mu.Unlock()
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) Read(max int) ([]byte, error) {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return nil, ErrPortClosed
	}
	if len(f.data) == 0 || max <= 0 {
		f.mu.Unlock()
		// Emulate the transport's bounded internal read timeout.
		time.Sleep(time.Millisecond)
		return nil, nil
	}
	n := max
	if n > len(f.data) {
		n = len(f.data)
	}
	out := make([]byte, n)
	copy(out, f.data[:n])
	f.data = f.data[n:]
	f.mu.Unlock()
	return out, nil
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	return len(p), nil
}

func (f *fakeTransport) Available() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data), nil
}

func testConfig() Config {
	return Config{Delimiter: "\r", ChunkSize: 5, PollInterval: 2 * time.Millisecond}
}

func waitToken(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case tok := <-ch:
		return tok
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for token")
		return ""
	}
}

func requireNoToken(t *testing.T, ch <-chan string, d time.Duration) {
	t.Helper()
	select {
	case tok := <-ch:
		t.Fatalf("unexpected token %q", tok)
	case <-time.After(d):
	}
}

func startListener(t *testing.T, cfg Config) (*SerialListener, *fakeTransport) {
	t.Helper()
	l := NewSerialListener(cfg)
	l.SetWarningHandler(nil)
	l.SetInfoHandler(nil)
	l.SetDebugHandler(nil)
	l.SetErrorHandler(nil)
	ft := newFakeTransport()
	require.NoError(t, l.StartListening(ft))
	t.Cleanup(func() {
		if l.IsListening() {
			l.StopListening()
		}
	})
	return l, ft
}

func (l *SerialListener) filterCount() int {
	l.filterMu.RLock()
	defer l.filterMu.RUnlock()
	return len(l.filters)
}

func TestListener_DeliversCompletedTokens(t *testing.T) {
	l, ft := startListener(t, testConfig())

	tokens := make(chan string, 16)
	l.CreateFilter(
		func(string) bool { return true },
		func(tok string) { tokens <- tok },
	)

	ft.feed("A\rB\rC")
	require.Equal(t, "A", waitToken(t, tokens))
	require.Equal(t, "B", waitToken(t, tokens))
	// "C" is the remainder; it must not be delivered until its delimiter
	// arrives.
	requireNoToken(t, tokens, 50*time.Millisecond)

	ft.feed("\r")
	require.Equal(t, "C", waitToken(t, tokens))
}

func TestListener_DelimiterSpansChunkBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.Delimiter = "\r\n"
	cfg.ChunkSize = 2
	l, ft := startListener(t, cfg)

	tokens := make(chan string, 16)
	l.CreateFilter(
		func(string) bool { return true },
		func(tok string) { tokens <- tok },
	)

	// The delimiter arrives split across two feeds, exactly on the read
	// boundary.
	ft.feed("AB\r")
	requireNoToken(t, tokens, 50*time.Millisecond)
	ft.feed("\nC\r\n")
	require.Equal(t, "AB", waitToken(t, tokens))
	require.Equal(t, "C", waitToken(t, tokens))
}

func TestListener_OnlyMatchingFiltersFire(t *testing.T) {
	l, ft := startListener(t, testConfig())

	volts := make(chan string, 16)
	amps := make(chan string, 16)
	l.CreateFilter(
		func(tok string) bool { return strings.HasPrefix(tok, "V=") },
		func(tok string) { volts <- tok },
	)
	l.CreateFilter(
		func(tok string) bool { return strings.HasPrefix(tok, "I=") },
		func(tok string) { amps <- tok },
	)

	ft.feed("V=12\rI=3\rV=13\r")
	require.Equal(t, "V=12", waitToken(t, volts))
	require.Equal(t, "V=13", waitToken(t, volts))
	require.Equal(t, "I=3", waitToken(t, amps))
	requireNoToken(t, amps, 20*time.Millisecond)
}

func TestListener_PerFilterOrderingPreserved(t *testing.T) {
	l, ft := startListener(t, testConfig())

	tokens := make(chan string, 64)
	l.CreateFilter(
		func(string) bool { return true },
		func(tok string) { tokens <- tok },
	)

	var b strings.Builder
	for _, tok := range []string{"1", "2", "3", "4", "5", "6", "7", "8"} {
		b.WriteString(tok)
		b.WriteString("\r")
	}
	ft.feed(b.String())

	for _, want := range []string{"1", "2", "3", "4", "5", "6", "7", "8"} {
		require.Equal(t, want, waitToken(t, tokens))
	}
}

func TestListener_RemovedFilterSeesNoFurtherTokens(t *testing.T) {
	l, ft := startListener(t, testConfig())

	tokens := make(chan string, 16)
	h := l.CreateFilter(
		func(string) bool { return true },
		func(tok string) { tokens <- tok },
	)

	ft.feed("before\r")
	require.Equal(t, "before", waitToken(t, tokens))

	l.RemoveFilter(h)
	ft.feed("after\r")
	requireNoToken(t, tokens, 50*time.Millisecond)

	// Removing again, or removing garbage, is a no-op.
	l.RemoveFilter(h)
	l.RemoveFilter(FilterHandle(9999))
}

func TestListener_RemovalDoesNotPurgeEnqueuedMatches(t *testing.T) {
	// Exercised without the background loops so the enqueue/remove/dispatch
	// interleaving is exact.
	l := NewSerialListener(testConfig())

	var got []string
	h := l.CreateFilter(
		func(string) bool { return true },
		func(tok string) { got = append(got, tok) },
	)

	l.filterTokens([]string{"queued"})
	l.RemoveFilter(h)

	// The match enqueued before removal is still dispatched.
	m, ok := l.queue.pop(10 * time.Millisecond)
	require.True(t, ok)
	l.invoke(m)
	require.Equal(t, []string{"queued"}, got)

	// But nothing new is enqueued for the removed filter.
	l.filterTokens([]string{"dropped"})
	require.Zero(t, l.queue.len())
}

func TestListener_RemoveAllFiltersPurgesQueue(t *testing.T) {
	l := NewSerialListener(testConfig())
	l.CreateFilter(func(string) bool { return true }, func(string) {})
	l.filterTokens([]string{"a", "b"})
	require.Equal(t, 2, l.queue.len())

	l.RemoveAllFilters()
	require.Zero(t, l.queue.len())
	require.Zero(t, l.filterCount())
}

func TestListener_CallbackPanicDoesNotStopDispatch(t *testing.T) {
	l, ft := startListener(t, testConfig())

	caught := make(chan error, 16)
	l.SetErrorHandler(func(err error) { caught <- err })

	tokens := make(chan string, 16)
	l.CreateFilter(
		func(tok string) bool { return tok == "boom" },
		func(string) { panic("callback exploded") },
	)
	l.CreateFilter(
		func(string) bool { return true },
		func(tok string) { tokens <- tok },
	)

	ft.feed("boom\rok\r")
	require.Equal(t, "boom", waitToken(t, tokens))
	require.Equal(t, "ok", waitToken(t, tokens))

	select {
	case err := <-caught:
		require.Contains(t, err.Error(), "callback panicked")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for panic to reach the error handler")
	}
}

func TestListener_ComparatorPanicDoesNotStopMatching(t *testing.T) {
	l, ft := startListener(t, testConfig())

	caught := make(chan error, 16)
	l.SetErrorHandler(func(err error) { caught <- err })

	tokens := make(chan string, 16)
	l.CreateFilter(
		func(string) bool { panic("comparator exploded") },
		func(string) {},
	)
	l.CreateFilter(
		func(string) bool { return true },
		func(tok string) { tokens <- tok },
	)

	ft.feed("still-works\r")
	require.Equal(t, "still-works", waitToken(t, tokens))

	select {
	case err := <-caught:
		require.Contains(t, err.Error(), "comparator panicked")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for panic to reach the error handler")
	}
}

func TestListener_DefaultHandler(t *testing.T) {
	l, ft := startListener(t, testConfig())

	tokens := make(chan string, 16)
	l.SetDefaultHandler(func(tok string) { tokens <- tok })

	ft.feed("x\ry\r")
	require.Equal(t, "x", waitToken(t, tokens))
	require.Equal(t, "y", waitToken(t, tokens))

	l.SetDefaultHandler(nil)
	ft.feed("z\r")
	requireNoToken(t, tokens, 50*time.Millisecond)
}

func TestListener_StartErrors(t *testing.T) {
	l := NewSerialListener(testConfig())
	l.SetInfoHandler(nil)

	require.ErrorIs(t, l.StartListening(nil), ErrNotOpen)

	closed := newFakeTransport()
	closed.setOpen(false)
	require.ErrorIs(t, l.StartListening(closed), ErrNotOpen)

	ft := newFakeTransport()
	require.NoError(t, l.StartListening(ft))
	defer l.StopListening()
	require.ErrorIs(t, l.StartListening(ft), ErrAlreadyListening)
}

func TestListener_StopErrors(t *testing.T) {
	l := NewSerialListener(testConfig())
	require.ErrorIs(t, l.StopListening(), ErrNotListening)
}

func TestListener_SetTokenizerWhileRunning(t *testing.T) {
	l, _ := startListener(t, testConfig())
	require.ErrorIs(t, l.SetTokenizer(DelimiterTokenizer(";")), ErrAlreadyListening)
}

func TestListener_StopClearsEverything(t *testing.T) {
	l, ft := startListener(t, testConfig())
	l.CreateFilter(func(string) bool { return true }, func(string) {})
	ft.feed("partial-without-delimiter")
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, l.StopListening())
	require.False(t, l.IsListening())
	require.Empty(t, l.buffer)
	require.Zero(t, l.filterCount())
	require.Zero(t, l.queue.len())
}

func TestListener_Restart(t *testing.T) {
	l, _ := startListener(t, testConfig())
	require.NoError(t, l.StopListening())

	// Filters do not survive a stop; a fresh run starts clean.
	ft2 := newFakeTransport()
	require.NoError(t, l.StartListening(ft2))
	defer l.StopListening()

	tokens := make(chan string, 16)
	l.CreateFilter(func(string) bool { return true }, func(tok string) { tokens <- tok })
	ft2.feed("again\r")
	require.Equal(t, "again", waitToken(t, tokens))
}

func TestListener_TransportClosedMidRun(t *testing.T) {
	l, ft := startListener(t, testConfig())

	caught := make(chan error, 64)
	l.SetErrorHandler(func(err error) { caught <- err })

	tokens := make(chan string, 16)
	l.CreateFilter(func(string) bool { return true }, func(tok string) { tokens <- tok })

	ft.setOpen(false)
	select {
	case err := <-caught:
		require.ErrorIs(t, err, ErrNotOpen)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for not-open report")
	}

	// The loop keeps running with backoff; reopening resumes delivery.
	ft.setOpen(true)
	ft.feed("recovered\r")
	require.Equal(t, "recovered", waitToken(t, tokens))

	require.True(t, l.IsListening())
	require.NoError(t, l.StopListening())
}

func TestListener_CallbackMayQueryStateDuringStop(t *testing.T) {
	l, ft := startListener(t, testConfig())

	entered := make(chan struct{})
	release := make(chan struct{})
	state := make(chan bool, 1)
	l.CreateFilter(
		func(string) bool { return true },
		func(string) {
			close(entered)
			<-release
			state <- l.IsListening()
		},
	)

	ft.feed("tok\r")
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for callback to start")
	}

	stopDone := make(chan error, 1)
	go func() { stopDone <- l.StopListening() }()
	// Give StopListening time to reach the join while the callback is
	// still in flight.
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-stopDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StopListening deadlocked against an in-flight callback")
	}
	require.False(t, <-state)
}

func TestListener_MidStreamRegistrationSeesOnlyNewTokens(t *testing.T) {
	l, ft := startListener(t, testConfig())

	first := make(chan string, 16)
	l.CreateFilter(func(string) bool { return true }, func(tok string) { first <- tok })

	ft.feed("early\r")
	require.Equal(t, "early", waitToken(t, first))

	late := make(chan string, 16)
	l.CreateFilter(func(string) bool { return true }, func(tok string) { late <- tok })

	ft.feed("later\r")
	require.Equal(t, "later", waitToken(t, late))
	require.Equal(t, "later", waitToken(t, first))
	requireNoToken(t, late, 20*time.Millisecond)
}

func TestListener_ErrorsAreSentinels(t *testing.T) {
	require.True(t, errors.Is(ErrMatchTimeout, ErrMatchTimeout))
	require.NotErrorIs(t, ErrNotOpen, ErrNotListening)
}
