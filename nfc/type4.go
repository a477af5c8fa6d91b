package nfc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/nedpals/nfc-bridge/internal/syncutil"
)

// NDEF type names reported by the NDEF views.
const (
	NdefTypeType2 = "org.nfcforum.ndef.type2"
	NdefTypeType4 = "org.nfcforum.ndef.type4"
)

// NDEF Application ID (AID)
var aidNDEF = []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}

// File IDs (FID)
var (
	fidCC   = []byte{0xE1, 0x03} // Capability Container FID
	fidNDEF = []byte{0xE1, 0x04} // Default NDEF File FID (can be different, read from CC)
)

const (
	ccFileLength       = 15
	ccNdefFileCtrlTLV  = 0x04
	ccMinMappingVer    = 0x20
	maxShortAPDUChunk  = 253
	type4AccessGranted = 0x00
	type4AccessDenied  = 0xFF
)

// ErrNotNdefFormatted is returned when a tag carries no NDEF structure.
var ErrNotNdefFormatted = errors.New("tag is not NDEF formatted")

// type4CC is the parsed Capability Container of a Type 4 tag.
type type4CC struct {
	mappingVersion byte
	mle            uint16 // Max R-APDU data size
	mlc            uint16 // Max C-APDU data size
	fileID         []byte
	maxFileSize    uint16
	readAccess     byte
	writeAccess    byte

	// offset of the write access byte inside the CC file
	writeAccessOffset uint16
}

// parseType4CC parses the CC file:
//
//	CCLEN (2) | Mapping Version (1) | MLe (2) | MLc (2) | NDEF File Control TLV
//
// The NDEF File Control TLV (tag 04, length 06) holds the NDEF file ID, the
// max NDEF file size, and the read and write access bytes.
func parseType4CC(cc []byte) (type4CC, error) {
	if len(cc) < ccFileLength {
		return type4CC{}, fmt.Errorf("CC file too short (expected at least %d bytes, got %d)", ccFileLength, len(cc))
	}

	parsed := type4CC{
		mappingVersion: cc[2],
		mle:            binary.BigEndian.Uint16(cc[3:5]),
		mlc:            binary.BigEndian.Uint16(cc[5:7]),
	}
	if parsed.mappingVersion < ccMinMappingVer {
		return type4CC{}, fmt.Errorf("CC mapping version %02X not supported (must be >= 2.0)", parsed.mappingVersion)
	}
	if parsed.mle == 0 || parsed.mle > maxShortAPDUChunk {
		parsed.mle = maxShortAPDUChunk
	}
	if parsed.mlc == 0 || parsed.mlc > maxShortAPDUChunk {
		parsed.mlc = maxShortAPDUChunk
	}

	for i := 7; i < len(cc)-1; {
		tlvTag := cc[i]
		tlvLen := int(cc[i+1])
		if tlvTag == ccNdefFileCtrlTLV && tlvLen >= 6 {
			if i+2+tlvLen > len(cc) {
				return type4CC{}, errors.New("NDEF File Control TLV in CC is truncated")
			}
			v := cc[i+2:]
			parsed.fileID = []byte{v[0], v[1]}
			parsed.maxFileSize = binary.BigEndian.Uint16(v[2:4])
			parsed.readAccess = v[4]
			parsed.writeAccess = v[5]
			parsed.writeAccessOffset = uint16(i + 2 + 5)
			return parsed, nil
		}
		i += 2 + tlvLen
	}

	return type4CC{}, errors.New("NDEF File Control TLV (Tag 0x04) not found in CC file")
}

// Type4 is the NDEF view of an NFC Forum Type 4 tag. It drives the NDEF
// application through ISO 7816-4 APDUs on the tag's Link.
type Type4 struct {
	link Link

	mu        syncutil.Mutex
	connected bool
	cc        type4CC
	cached    []byte
}

var _ NdefTechnology = (*Type4)(nil)

// NewType4 probes link for the NDEF application. The capability container
// and the current message are read once and kept for cached reads. Tags
// without the NDEF application yield ErrNotNdefFormatted.
func NewType4(link Link) (*Type4, error) {
	if err := link.Open(); err != nil {
		return nil, fmt.Errorf("open link: %w", err)
	}
	defer func() {
		if err := link.Close(); err != nil {
			log.Debug().Err(err).Msg("type 4 probe: close link")
		}
	}()

	t := &Type4{link: link}
	if err := t.selectApplication(); err != nil {
		var sw *StatusError
		if errors.As(err, &sw) {
			return nil, ErrNotNdefFormatted
		}
		return nil, err
	}

	cc, err := t.readCC()
	if err != nil {
		return nil, err
	}
	t.cc = cc

	msg, err := t.readMessage()
	if err != nil {
		log.Debug().Err(err).Msg("type 4 probe: no cached NDEF message")
	}
	t.cached = msg

	log.Debug().
		Hex("file", cc.fileID).
		Uint16("max_size", cc.maxFileSize).
		Uint8("write_access", cc.writeAccess).
		Msg("type 4 NDEF application found")
	return t, nil
}

func (t *Type4) selectApplication() error {
	if _, err := TransmitAPDU(t.link, SelectAIDAPDU(aidNDEF)); err != nil {
		return fmt.Errorf("select NDEF application: %w", err)
	}
	return nil
}

func (t *Type4) selectFile(fid []byte) error {
	if _, err := TransmitAPDU(t.link, SelectFileAPDU(fid)); err != nil {
		return fmt.Errorf("select file %X: %w", fid, err)
	}
	return nil
}

func (t *Type4) readCC() (type4CC, error) {
	if err := t.selectFile(fidCC); err != nil {
		return type4CC{}, err
	}
	data, err := TransmitAPDU(t.link, ReadBinaryExtAPDU(0, ccFileLength))
	if err != nil {
		return type4CC{}, fmt.Errorf("read CC file: %w", err)
	}
	return parseType4CC(data)
}

// readMessage reads NLEN and then the message in MLe-sized chunks.
func (t *Type4) readMessage() ([]byte, error) {
	if err := t.selectFile(t.cc.fileID); err != nil {
		return nil, err
	}

	nlenData, err := TransmitAPDU(t.link, ReadBinaryExtAPDU(0, 2))
	if err != nil {
		return nil, fmt.Errorf("read NLEN: %w", err)
	}
	if len(nlenData) < 2 {
		return nil, fmt.Errorf("NLEN response too short: %x", nlenData)
	}
	nlen := binary.BigEndian.Uint16(nlenData)
	if nlen == 0 {
		return nil, nil
	}
	if t.cc.maxFileSize > 0 && nlen > t.cc.maxFileSize-2 {
		return nil, fmt.Errorf("NLEN (%d) exceeds max NDEF file size (%d - 2)", nlen, t.cc.maxFileSize)
	}

	message := make([]byte, 0, nlen)
	offset := uint16(2)
	remaining := nlen
	for remaining > 0 {
		chunk := min(remaining, t.cc.mle)
		data, err := TransmitAPDU(t.link, ReadBinaryExtAPDU(offset, byte(chunk)))
		if err != nil {
			return nil, fmt.Errorf("read NDEF chunk at offset %d: %w", offset, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("read 0 bytes at offset %d but %d bytes still remaining", offset, remaining)
		}
		if len(data) > int(remaining) {
			data = data[:remaining]
		}
		message = append(message, data...)
		remaining -= uint16(len(data))
		offset += uint16(len(data))
	}
	return message, nil
}

func (t *Type4) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return errors.New("technology already connected")
	}
	if err := t.link.Open(); err != nil {
		return err
	}
	if err := t.selectApplication(); err != nil {
		_ = t.link.Close()
		return err
	}
	t.connected = true
	return nil
}

func (t *Type4) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.connected = false
	return t.link.Close()
}

func (t *Type4) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Type4) ReadMessage(cached bool) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cached {
		return t.cached, nil
	}
	if !t.connected {
		return nil, ErrNotConnected
	}
	return t.readMessage()
}

// WriteMessage clears NLEN, writes the message in MLc-sized chunks after
// it, then sets NLEN.
func (t *Type4) WriteMessage(raw []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	if t.cc.writeAccess == type4AccessDenied {
		return fmt.Errorf("NDEF file write access denied by CC (%02X)", t.cc.writeAccess)
	}
	if len(raw)+2 > int(t.cc.maxFileSize) {
		return fmt.Errorf("NDEF message (%d bytes) exceeds capacity (%d bytes)", len(raw), int(t.cc.maxFileSize)-2)
	}

	if err := t.selectFile(t.cc.fileID); err != nil {
		return err
	}
	if _, err := TransmitAPDU(t.link, UpdateBinaryExtAPDU(0, []byte{0x00, 0x00})); err != nil {
		return fmt.Errorf("clear NLEN: %w", err)
	}

	offset := uint16(2)
	for written := 0; written < len(raw); {
		chunk := min(len(raw)-written, int(t.cc.mlc))
		if _, err := TransmitAPDU(t.link, UpdateBinaryExtAPDU(offset, raw[written:written+chunk])); err != nil {
			return fmt.Errorf("write NDEF chunk at offset %d: %w", offset, err)
		}
		written += chunk
		offset += uint16(chunk)
	}

	if _, err := TransmitAPDU(t.link, UpdateBinaryExtAPDU(0, Uint16ToBytes(uint16(len(raw))))); err != nil {
		return fmt.Errorf("write NLEN: %w", err)
	}
	return nil
}

// MakeReadOnly sets the write access byte of the CC to FF. A tag refusing
// the update reports false.
func (t *Type4) MakeReadOnly() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return false, ErrNotConnected
	}

	if err := t.selectFile(fidCC); err != nil {
		return false, err
	}
	_, err := TransmitAPDU(t.link, UpdateBinaryExtAPDU(t.cc.writeAccessOffset, []byte{type4AccessDenied}))
	if err != nil {
		var sw *StatusError
		if errors.As(err, &sw) {
			log.Warn().Err(err).Msg("tag refused CC write access update")
			return false, nil
		}
		return false, fmt.Errorf("update CC write access: %w", err)
	}

	t.cc.writeAccess = type4AccessDenied
	return true, nil
}

func (t *Type4) IsWritable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cc.writeAccess != type4AccessDenied
}

func (t *Type4) CanMakeReadOnly() bool {
	return t.IsWritable()
}

func (t *Type4) MaxSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cc.maxFileSize < 2 {
		return 0
	}
	return int(t.cc.maxFileSize) - 2
}

func (t *Type4) Type() string {
	return NdefTypeType4
}
