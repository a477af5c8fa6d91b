package nfc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type Name Format values (NFC Forum NDEF 1.0, section 3.2.6).
const (
	TNFEmpty        byte = 0x00
	TNFWellKnown    byte = 0x01
	TNFMedia        byte = 0x02
	TNFAbsoluteURI  byte = 0x03
	TNFExternal     byte = 0x04
	TNFUnknown      byte = 0x05
	TNFUnchanged    byte = 0x06
	TNFReserved     byte = 0x07
	tnfMask         byte = 0x07
	headerMB        byte = 0x80
	headerME        byte = 0x40
	headerCF        byte = 0x20
	headerSR        byte = 0x10
	headerIL        byte = 0x08
	maxShortPayload      = 0xFF
)

// Record is a single NDEF record.
type Record struct {
	TNF     byte   // Type Name Format (0x00-0x07)
	Type    []byte // Record type (e.g., "T" for text, "U" for URI)
	ID      []byte // Optional record ID
	Payload []byte // Record payload data
}

// Message is an ordered sequence of NDEF records.
type Message []Record

// emptyRecord is what an NDEF message with no content is written as.
var emptyRecord = Record{TNF: TNFEmpty}

// ParseMessage parses raw NDEF message bytes. Chunked records are reassembled
// into a single record. An empty input yields an empty message.
func ParseMessage(raw []byte) (Message, error) {
	msg := Message{}
	if len(raw) == 0 {
		return msg, nil
	}

	var chunk *Record
	offset := 0

	for offset < len(raw) {
		header := raw[offset]
		me := header&headerME != 0
		cf := header&headerCF != 0
		sr := header&headerSR != 0
		il := header&headerIL != 0
		tnf := header & tnfMask

		pos := offset + 1

		if pos+1 > len(raw) {
			return nil, fmt.Errorf("truncated type length at offset %d", pos)
		}
		typeLength := int(raw[pos])
		pos++

		var payloadLength int
		if sr {
			if pos+1 > len(raw) {
				return nil, fmt.Errorf("truncated short record payload length at offset %d", pos)
			}
			payloadLength = int(raw[pos])
			pos++
		} else {
			if pos+4 > len(raw) {
				return nil, fmt.Errorf("truncated payload length at offset %d", pos)
			}
			payloadLength = int(binary.BigEndian.Uint32(raw[pos : pos+4]))
			pos += 4
		}

		var idLength int
		if il {
			if pos+1 > len(raw) {
				return nil, fmt.Errorf("truncated ID length at offset %d", pos)
			}
			idLength = int(raw[pos])
			pos++
		}

		if payloadLength < 0 || pos+typeLength+idLength+payloadLength > len(raw) {
			return nil, fmt.Errorf("record at offset %d exceeds message length", offset)
		}

		recordType := copyBytes(raw[pos : pos+typeLength])
		pos += typeLength
		recordID := copyBytes(raw[pos : pos+idLength])
		pos += idLength
		payload := copyBytes(raw[pos : pos+payloadLength])
		pos += payloadLength

		switch {
		case chunk == nil && cf:
			// First chunk carries type and ID for the whole record.
			chunk = &Record{TNF: tnf, Type: recordType, ID: recordID, Payload: payload}
		case chunk != nil:
			if tnf != TNFUnchanged || typeLength != 0 {
				return nil, fmt.Errorf("invalid middle chunk at offset %d", offset)
			}
			chunk.Payload = append(chunk.Payload, payload...)
			if !cf {
				msg = append(msg, *chunk)
				chunk = nil
			}
		default:
			msg = append(msg, Record{TNF: tnf, Type: recordType, ID: recordID, Payload: payload})
		}

		offset = pos

		if me {
			break
		}
	}

	if chunk != nil {
		return nil, errors.New("message ended inside a chunked record")
	}

	return msg, nil
}

// Marshal encodes the message into raw NDEF bytes. An empty message is
// encoded as a single empty record.
func (m Message) Marshal() ([]byte, error) {
	records := m
	if len(records) == 0 {
		records = Message{emptyRecord}
	}

	var result []byte

	for i, record := range records {
		typeLen := len(record.Type)
		idLen := len(record.ID)
		payloadLen := len(record.Payload)

		if typeLen > 0xFF {
			return nil, fmt.Errorf("record %d: type too long (%d bytes)", i, typeLen)
		}
		if idLen > 0xFF {
			return nil, fmt.Errorf("record %d: id too long (%d bytes)", i, idLen)
		}

		isShortRecord := payloadLen <= maxShortPayload
		hasID := idLen > 0

		header := record.TNF & tnfMask
		if i == 0 {
			header |= headerMB
		}
		if i == len(records)-1 {
			header |= headerME
		}
		if isShortRecord {
			header |= headerSR
		}
		if hasID {
			header |= headerIL
		}

		result = append(result, header, byte(typeLen))

		if isShortRecord {
			result = append(result, byte(payloadLen))
		} else {
			result = binary.BigEndian.AppendUint32(result, uint32(payloadLen))
		}

		if hasID {
			result = append(result, byte(idLen))
		}

		result = append(result, record.Type...)
		result = append(result, record.ID...)
		result = append(result, record.Payload...)
	}

	return result, nil
}

func copyBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
