package simulated

import (
	"fmt"

	"github.com/nedpals/nfc-bridge/nfc"
)

// memoryNdef is the NDEF view of a virtual tag whose technologies have no
// emulated card protocol. The message lives on the Tag.
type memoryNdef struct {
	*nfc.PlainTech
	tag *Tag
}

var _ nfc.NdefTechnology = (*memoryNdef)(nil)

func newMemoryNdef(t *Tag) *memoryNdef {
	return &memoryNdef{PlainTech: nfc.NewPlainTech(t), tag: t}
}

func (m *memoryNdef) ReadMessage(bool) ([]byte, error) {
	if !m.IsConnected() {
		return nil, nfc.ErrNotConnected
	}
	m.tag.mu.Lock()
	defer m.tag.mu.Unlock()
	if !m.tag.inField {
		return nil, ErrOutOfField
	}
	m.tag.record("read", nil)
	if len(m.tag.message) == 0 {
		return nil, nil
	}
	return append([]byte(nil), m.tag.message...), nil
}

func (m *memoryNdef) WriteMessage(raw []byte) error {
	if !m.IsConnected() {
		return nfc.ErrNotConnected
	}
	m.tag.mu.Lock()
	defer m.tag.mu.Unlock()
	switch {
	case !m.tag.inField:
		return ErrOutOfField
	case !m.tag.writable:
		return fmt.Errorf("tag is read-only")
	case len(raw) > m.tag.capacity:
		return fmt.Errorf("message of %d bytes exceeds capacity %d", len(raw), m.tag.capacity)
	}
	m.tag.record("write", raw)
	m.tag.message = append([]byte(nil), raw...)
	return nil
}

func (m *memoryNdef) MakeReadOnly() (bool, error) {
	if !m.IsConnected() {
		return false, nfc.ErrNotConnected
	}
	m.tag.mu.Lock()
	defer m.tag.mu.Unlock()
	if !m.tag.inField {
		return false, ErrOutOfField
	}
	m.tag.record("lock", nil)
	m.tag.writable = false
	return true, nil
}

func (m *memoryNdef) IsWritable() bool {
	m.tag.mu.Lock()
	defer m.tag.mu.Unlock()
	return m.tag.writable
}

func (m *memoryNdef) CanMakeReadOnly() bool {
	return m.IsWritable()
}

func (m *memoryNdef) MaxSize() int {
	return m.tag.capacity
}

func (m *memoryNdef) Type() string {
	return "org.nfcforum.ndef.memory"
}
