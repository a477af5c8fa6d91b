package nfc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command classes
const (
	CLAStandard = 0x00 // ISO 7816-4 interindustry
	CLAPCSC     = 0xFF // PC/SC pseudo-APDU handled by the reader
)

// Instructions
const (
	INSDirectCmd  = 0x00 // PC/SC direct transmit
	INSSelectFile = 0xA4
	INSReadBinary = 0xB0
	INSGetUID     = 0xCA // PC/SC GET DATA
	INSUpdateBin  = 0xD6
)

// SELECT parameters
const (
	P1SelectByID     = 0x00
	P1SelectByDFName = 0x04
	P2SelectFirst    = 0x00
	P2SelectNoData   = 0x0C
)

// Native Type 2 commands.
const (
	CmdUltralightRead  = 0x30
	CmdUltralightWrite = 0xA2
)

const swSuccess = 0x9000

// StatusError is returned for responses whose status word is not 9000.
type StatusError struct {
	SW1, SW2 byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("APDU error: SW1=%02X SW2=%02X", e.SW1, e.SW2)
}

// Command is a short C-APDU. Le is sent only when HasLe is set, so an Le of
// zero (256 bytes) can be expressed.
type Command struct {
	CLA, INS, P1, P2 byte
	Data             []byte
	Le               byte
	HasLe            bool
}

// Bytes encodes the command. Lc is omitted when there is no data.
func (c Command) Bytes() []byte {
	out := make([]byte, 0, 6+len(c.Data))
	out = append(out, c.CLA, c.INS, c.P1, c.P2)
	if len(c.Data) > 0 {
		out = append(out, byte(len(c.Data)))
		out = append(out, c.Data...)
	}
	if c.HasLe {
		out = append(out, c.Le)
	}
	return out
}

// splitResponse separates the response data from the trailing status word.
func splitResponse(raw []byte) ([]byte, uint16, error) {
	if len(raw) < 2 {
		return nil, 0, errors.New("response too short")
	}
	n := len(raw) - 2
	return raw[:n], binary.BigEndian.Uint16(raw[n:]), nil
}

// TransmitAPDU sends cmd over tr and returns the response data. A status
// word other than 9000 is reported as *StatusError.
func TransmitAPDU(tr Transceiver, cmd []byte) ([]byte, error) {
	raw, err := tr.Transceive(cmd)
	if err != nil {
		return nil, err
	}
	data, sw, err := splitResponse(raw)
	if err != nil {
		return nil, err
	}
	if sw != swSuccess {
		return nil, &StatusError{SW1: byte(sw >> 8), SW2: byte(sw)}
	}
	return data, nil
}

// SelectAIDAPDU selects an application by its AID.
func SelectAIDAPDU(aid []byte) []byte {
	return Command{CLA: CLAStandard, INS: INSSelectFile, P1: P1SelectByDFName, P2: P2SelectFirst, Data: aid, HasLe: true}.Bytes()
}

// SelectFileAPDU selects an elementary file by its two-byte identifier.
func SelectFileAPDU(fid []byte) []byte {
	return Command{CLA: CLAStandard, INS: INSSelectFile, P1: P1SelectByID, P2: P2SelectNoData, Data: fid}.Bytes()
}

// ReadBinaryExtAPDU reads length bytes of the selected file at a 15-bit
// offset.
func ReadBinaryExtAPDU(offset uint16, length byte) []byte {
	p1, p2 := fileOffset(offset)
	return Command{CLA: CLAStandard, INS: INSReadBinary, P1: p1, P2: p2, Le: length, HasLe: true}.Bytes()
}

// UpdateBinaryExtAPDU writes data to the selected file at a 15-bit offset.
func UpdateBinaryExtAPDU(offset uint16, data []byte) []byte {
	p1, p2 := fileOffset(offset)
	return Command{CLA: CLAStandard, INS: INSUpdateBin, P1: p1, P2: p2, Data: data}.Bytes()
}

// bit 7 of P1 selects short file addressing, so offsets are 15 bits
func fileOffset(offset uint16) (p1, p2 byte) {
	return byte(offset>>8) & 0x7F, byte(offset)
}

// GetUIDAPDU asks a PC/SC reader for the UID of the card in the field.
func GetUIDAPDU() []byte {
	return Command{CLA: CLAPCSC, INS: INSGetUID, HasLe: true}.Bytes()
}

// ReadBinaryAPDU reads a storage card page through a PC/SC reader.
func ReadBinaryAPDU(page, length byte) []byte {
	return Command{CLA: CLAPCSC, INS: INSReadBinary, P2: page, Le: length, HasLe: true}.Bytes()
}

// UpdateBinaryAPDU writes a storage card page through a PC/SC reader.
func UpdateBinaryAPDU(page byte, data []byte) []byte {
	return Command{CLA: CLAPCSC, INS: INSUpdateBin, P2: page, Data: data}.Bytes()
}

// DirectTransmitAPDU wraps a native card command for readers of the ACR122
// family: FF 00 00 00 Lc cmd Le.
func DirectTransmitAPDU(cmd []byte) []byte {
	return Command{CLA: CLAPCSC, INS: INSDirectCmd, Data: cmd, HasLe: true}.Bytes()
}

// UltralightReadCommand reads four pages starting at page.
func UltralightReadCommand(page byte) []byte {
	return []byte{CmdUltralightRead, page}
}

// UltralightWriteCommand writes one page.
func UltralightWriteCommand(page byte, data [4]byte) []byte {
	return append([]byte{CmdUltralightWrite, page}, data[:]...)
}

// Uint16ToBytes returns v big endian.
func Uint16ToBytes(v uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, v)
}

// BytesToUint16 reads a big endian value; short input yields 0.
func BytesToUint16(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}
