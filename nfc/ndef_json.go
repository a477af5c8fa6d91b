package nfc

import (
	"encoding/json"
	"fmt"

	"github.com/hsanjuan/go-ndef"
)

// TNF names used on the method channel.
const (
	TNFNameAbsoluteURI = "absoluteURI"
	TNFNameEmpty       = "empty"
	TNFNameExternal    = "nfcExternal"
	TNFNameWellKnown   = "nfcWellKnown"
	TNFNameMedia       = "media"
	TNFNameUnchanged   = "unchanged"
	TNFNameUnknown     = "unknown"
)

// TNFName maps a numeric type name format to its channel name. Values without
// a name, including TNF unknown and reserved, map to "unknown".
func TNFName(tnf byte) string {
	switch tnf {
	case TNFAbsoluteURI:
		return TNFNameAbsoluteURI
	case TNFEmpty:
		return TNFNameEmpty
	case TNFExternal:
		return TNFNameExternal
	case TNFWellKnown:
		return TNFNameWellKnown
	case TNFMedia:
		return TNFNameMedia
	case TNFUnchanged:
		return TNFNameUnchanged
	default:
		return TNFNameUnknown
	}
}

// ParseTNFName maps a channel name back to a numeric type name format.
// Unrecognized names map to TNF unknown (0x05).
func ParseTNFName(name string) byte {
	switch name {
	case TNFNameAbsoluteURI:
		return TNFAbsoluteURI
	case TNFNameEmpty:
		return TNFEmpty
	case TNFNameExternal:
		return TNFExternal
	case TNFNameWellKnown:
		return TNFWellKnown
	case TNFNameMedia:
		return TNFMedia
	case TNFNameUnchanged:
		return TNFUnchanged
	default:
		return TNFUnknown
	}
}

// RecordJSON is the list-of-maps form of an NDEF record. Byte fields are hex.
type RecordJSON struct {
	Identifier     string `json:"identifier"`
	Payload        string `json:"payload"`
	Type           string `json:"type"`
	TypeNameFormat string `json:"typeNameFormat"`
}

// recordInput mirrors RecordJSON with pointers so missing fields can be told
// apart from empty ones.
type recordInput struct {
	Identifier     *string `json:"identifier"`
	Payload        *string `json:"payload"`
	Type           *string `json:"type"`
	TypeNameFormat *string `json:"typeNameFormat"`
}

// ToJSON converts the message to its list-of-maps form. The result is never nil.
func (m Message) ToJSON() []RecordJSON {
	out := make([]RecordJSON, 0, len(m))
	for _, r := range m {
		out = append(out, RecordJSON{
			Identifier:     BytesToHex(r.ID),
			Payload:        BytesToHex(r.Payload),
			Type:           BytesToHex(r.Type),
			TypeNameFormat: TNFName(r.TNF),
		})
	}
	return out
}

// DecodeMessage parses raw NDEF bytes into the list-of-maps form.
func DecodeMessage(raw []byte) ([]RecordJSON, error) {
	msg, err := ParseMessage(raw)
	if err != nil {
		return nil, NewNdefFormatError("DecodeMessage", err)
	}
	return msg.ToJSON(), nil
}

// MessageFromJSON parses a JSON array of records into a Message.
func MessageFromJSON(data []byte) (Message, error) {
	var inputs []*recordInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, NewNdefFormatError("MessageFromJSON", err)
	}

	msg := make(Message, 0, len(inputs))
	for i, in := range inputs {
		if in == nil {
			return nil, NewNdefFormatError("MessageFromJSON", fmt.Errorf("record %d is null", i))
		}

		var missing []string
		if in.Identifier == nil {
			missing = append(missing, "identifier")
		}
		if in.Payload == nil {
			missing = append(missing, "payload")
		}
		if in.Type == nil {
			missing = append(missing, "type")
		}
		if in.TypeNameFormat == nil {
			missing = append(missing, "typeNameFormat")
		}
		if len(missing) > 0 {
			return nil, NewNdefFormatError("MessageFromJSON", fmt.Errorf("record %d: missing %v", i, missing))
		}

		rec, err := recordFromHex(*in.TypeNameFormat, *in.Type, *in.Identifier, *in.Payload)
		if err != nil {
			return nil, NewNdefFormatError("MessageFromJSON", fmt.Errorf("record %d: %w", i, err))
		}
		msg = append(msg, rec)
	}

	return msg, nil
}

func recordFromHex(tnf, typ, id, payload string) (Record, error) {
	typeBytes, err := HexToBytes(typ)
	if err != nil {
		return Record{}, fmt.Errorf("type: %w", err)
	}
	idBytes, err := HexToBytes(id)
	if err != nil {
		return Record{}, fmt.Errorf("identifier: %w", err)
	}
	payloadBytes, err := HexToBytes(payload)
	if err != nil {
		return Record{}, fmt.Errorf("payload: %w", err)
	}
	return Record{
		TNF:     ParseTNFName(tnf),
		Type:    typeBytes,
		ID:      idBytes,
		Payload: payloadBytes,
	}, nil
}

// EncodeMessage converts a JSON array of records into raw NDEF bytes.
func EncodeMessage(data []byte) ([]byte, error) {
	msg, err := MessageFromJSON(data)
	if err != nil {
		return nil, err
	}
	raw, err := msg.Marshal()
	if err != nil {
		return nil, NewNdefFormatError("EncodeMessage", err)
	}
	return raw, nil
}

// DescribeMessage renders a short summary per record for logs.
func DescribeMessage(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}

	msg := &ndef.Message{}
	if _, err := msg.Unmarshal(raw); err != nil {
		return []string{fmt.Sprintf("<unparsable: %v>", err)}
	}

	out := make([]string, 0, len(msg.Records))
	for _, rec := range msg.Records {
		payload, err := rec.Payload()
		if err != nil {
			out = append(out, fmt.Sprintf("%s %q: %v", TNFName(rec.TNF()), rec.Type(), err))
			continue
		}
		out = append(out, fmt.Sprintf("%s %q: %s", TNFName(rec.TNF()), rec.Type(), payload.String()))
	}
	return out
}
