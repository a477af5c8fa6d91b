package nfc

import (
	"errors"
	"sync"
	"time"
)

// ConnectionTracker counts connected technology views of one physical tag.
// Mock technologies sharing a tracker record the highest number of views that
// were ever connected at once.
type ConnectionTracker struct {
	mu           sync.Mutex
	connected    int
	maxConnected int
}

func (c *ConnectionTracker) connect() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected++
	if c.connected > c.maxConnected {
		c.maxConnected = c.connected
	}
}

func (c *ConnectionTracker) disconnect() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected--
}

// Connected returns the number of views connected right now.
func (c *ConnectionTracker) Connected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// MaxConnected returns the highest number of views connected at once.
func (c *ConnectionTracker) MaxConnected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxConnected
}

// MockTech is a test implementation of Technology without optional
// capabilities.
//
// Example:
//
//	tracker := &ConnectionTracker{}
//	a := &MockTech{Tracker: tracker}
//	iso := &MockTransceiver{MockTech: MockTech{Tracker: tracker}}
type MockTech struct {
	// Tracker, if set, is shared with the other views of the same tag
	Tracker *ConnectionTracker

	// ConnectError, if set, will be returned by Connect()
	ConnectError error

	// CloseError, if set, will be returned by Close()
	CloseError error

	mu        sync.Mutex
	connected bool
	calls     []string
}

var _ Technology = (*MockTech)(nil)

func (m *MockTech) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "Connect")
	if m.ConnectError != nil {
		return m.ConnectError
	}
	if m.connected {
		return errors.New("already connected")
	}
	m.connected = true
	m.Tracker.connect()
	return nil
}

func (m *MockTech) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "Close")
	if m.connected {
		m.connected = false
		m.Tracker.disconnect()
	}
	return m.CloseError
}

func (m *MockTech) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockTech) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

// Calls returns the calls made on the mock, in order.
func (m *MockTech) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// MockTransceiver is a MockTech that can exchange raw frames.
type MockTransceiver struct {
	MockTech

	// TransceiveFunc allows custom transceive behavior
	// If nil, returns TransceiveResponse or TransceiveError
	TransceiveFunc func([]byte) ([]byte, error)

	// TransceiveResponse is the default response for Transceive calls
	TransceiveResponse []byte

	// TransceiveError, if set, will be returned by Transceive()
	TransceiveError error

	sent [][]byte
}

var _ Transceiver = (*MockTransceiver)(nil)

func (m *MockTransceiver) Transceive(data []byte) ([]byte, error) {
	m.record("Transceive")
	m.mu.Lock()
	m.sent = append(m.sent, data)
	connected := m.connected
	m.mu.Unlock()

	if !connected {
		return nil, errors.New("not connected")
	}
	if m.TransceiveFunc != nil {
		return m.TransceiveFunc(data)
	}
	if m.TransceiveError != nil {
		return nil, m.TransceiveError
	}
	return m.TransceiveResponse, nil
}

// Sent returns the frames passed to Transceive.
func (m *MockTransceiver) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

// MockTimeoutTransceiver is a MockTransceiver that also accepts timeouts.
type MockTimeoutTransceiver struct {
	MockTransceiver

	timeouts []time.Duration
}

var _ TimeoutSetter = (*MockTimeoutTransceiver)(nil)

func (m *MockTimeoutTransceiver) SetTimeout(timeout time.Duration) error {
	m.record("SetTimeout")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts = append(m.timeouts, timeout)
	return nil
}

// Timeouts returns the timeouts passed to SetTimeout.
func (m *MockTimeoutTransceiver) Timeouts() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeouts
}

// MockNdef is a test implementation of NdefTechnology backed by memory.
type MockNdef struct {
	MockTech

	// Message is the stored raw NDEF message
	Message []byte

	// Cached is the message returned for cached reads
	Cached []byte

	Writable     bool
	CanLock      bool
	Capacity     int
	NdefType     string
	ReadError    error
	WriteError   error
	LockError    error
	LockReturns  bool
	lockAttempts int
	writes       int
}

var _ NdefTechnology = (*MockNdef)(nil)

func (m *MockNdef) ReadMessage(cached bool) ([]byte, error) {
	m.record("ReadMessage")
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached {
		return m.Cached, nil
	}
	if !m.connected {
		return nil, errors.New("not connected")
	}
	if m.ReadError != nil {
		return nil, m.ReadError
	}
	return m.Message, nil
}

func (m *MockNdef) WriteMessage(raw []byte) error {
	m.record("WriteMessage")
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.New("not connected")
	}
	if m.WriteError != nil {
		return m.WriteError
	}
	m.writes++
	m.Message = raw
	return nil
}

func (m *MockNdef) MakeReadOnly() (bool, error) {
	m.record("MakeReadOnly")
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, errors.New("not connected")
	}
	m.lockAttempts++
	if m.LockError != nil {
		return false, m.LockError
	}
	if m.LockReturns {
		m.Writable = false
	}
	return m.LockReturns, nil
}

func (m *MockNdef) IsWritable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Writable
}

func (m *MockNdef) CanMakeReadOnly() bool { return m.CanLock }
func (m *MockNdef) MaxSize() int          { return m.Capacity }
func (m *MockNdef) Type() string          { return m.NdefType }

// LockAttempts returns how many times MakeReadOnly reached the tag.
func (m *MockNdef) LockAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockAttempts
}

// Writes returns the number of successful writes.
func (m *MockNdef) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// MockAdapter is a test implementation of Adapter. Tags are delivered with
// Discover while reader mode is enabled.
type MockAdapter struct {
	mu           sync.Mutex
	availability Availability
	enabled      bool
	mask         TechMask
	onTag        func(*Tag)
	enables      int
	disables     int
	EnableError  error
	discoverable chan struct{}
}

var _ Adapter = (*MockAdapter)(nil)

// NewMockAdapter creates a MockAdapter reporting the given availability.
func NewMockAdapter(availability Availability) *MockAdapter {
	return &MockAdapter{
		availability: availability,
		discoverable: make(chan struct{}, 1),
	}
}

func (m *MockAdapter) Availability() Availability {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availability
}

// SetAvailability changes the reported availability.
func (m *MockAdapter) SetAvailability(a Availability) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.availability = a
}

func (m *MockAdapter) EnableReaderMode(mask TechMask, onTag func(*Tag)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EnableError != nil {
		return m.EnableError
	}
	m.enabled = true
	m.mask = mask
	m.onTag = onTag
	m.enables++
	select {
	case m.discoverable <- struct{}{}:
	default:
	}
	return nil
}

func (m *MockAdapter) DisableReaderMode() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
	m.disables++
	return nil
}

func (m *MockAdapter) Close() error {
	return m.DisableReaderMode()
}

// WaitReaderMode blocks until reader mode has been enabled at least once
// since the last call.
func (m *MockAdapter) WaitReaderMode() {
	<-m.discoverable
}

// Discover delivers tag to the last registered callback, even if reader mode
// was disabled since, so late deliveries can be simulated.
func (m *MockAdapter) Discover(tag *Tag) {
	m.mu.Lock()
	onTag := m.onTag
	m.mu.Unlock()
	if onTag != nil {
		onTag(tag)
	}
}

// ReaderModeEnabled reports whether reader mode is on and with which mask.
func (m *MockAdapter) ReaderModeEnabled() (bool, TechMask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled, m.mask
}

// DisableCount returns how many times reader mode was disabled.
func (m *MockAdapter) DisableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disables
}

// MockLink is a Link answering every frame with Response.
type MockLink struct {
	Response  []byte
	OpenError error

	mu     sync.Mutex
	open   bool
	opens  int
	closes int
	sent   [][]byte
}

var _ Link = (*MockLink)(nil)

func (m *MockLink) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenError != nil {
		return m.OpenError
	}
	m.open = true
	m.opens++
	return nil
}

func (m *MockLink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	m.closes++
	return nil
}

func (m *MockLink) Transceive(data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil, errors.New("link not open")
	}
	m.sent = append(m.sent, data)
	return m.Response, nil
}

// Counts returns how many times the link was opened and closed.
func (m *MockLink) Counts() (opens, closes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens, m.closes
}

// Sent returns the frames passed to Transceive.
func (m *MockLink) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}
