package simulated

import (
	"fmt"

	"github.com/hsanjuan/go-ndef"

	"github.com/nedpals/nfc-bridge/config"
	"github.com/nedpals/nfc-bridge/nfc"
)

// TextMessage returns a one-record NDEF message holding an English text
// record.
func TextMessage(text string) ([]byte, error) {
	return ndef.NewTextMessage(text, "en").Marshal()
}

// URIMessage returns a one-record NDEF message holding a URI record.
func URIMessage(uri string) ([]byte, error) {
	return ndef.NewURIMessage(uri).Marshal()
}

// SpecFromConfig converts a configured virtual tag.
func SpecFromConfig(c config.SimulatedTag) (Spec, error) {
	spec := Spec{
		Technologies: c.Technologies,
		Writable:     c.Writable,
		Capacity:     c.Capacity,
		Delay:        c.DiscoveryDelay(),
	}

	fields := []struct {
		name string
		hex  string
		dst  *[]byte
	}{
		{"id", c.ID, &spec.ID},
		{"atqa", c.Atqa, &spec.Atqa},
		{"historical_bytes", c.HistoricalBytes, &spec.HistoricalBytes},
		{"hi_layer_response", c.HiLayerResponse, &spec.HiLayerResponse},
		{"protocol_info", c.ProtocolInfo, &spec.ProtocolInfo},
		{"application_data", c.ApplicationData, &spec.ApplicationData},
		{"manufacturer", c.Manufacturer, &spec.Manufacturer},
		{"system_code", c.SystemCode, &spec.SystemCode},
	}
	for _, f := range fields {
		if f.hex == "" {
			continue
		}
		b, err := nfc.HexToBytes(f.hex)
		if err != nil {
			return Spec{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = b
	}

	var err error
	if spec.Sak, err = singleByte("sak", c.Sak); err != nil {
		return Spec{}, err
	}
	if spec.DsfID, err = singleByte("dsf_id", c.DsfID); err != nil {
		return Spec{}, err
	}

	switch {
	case c.NdefText != "":
		spec.Message, err = TextMessage(c.NdefText)
	case c.NdefURI != "":
		spec.Message, err = URIMessage(c.NdefURI)
	}
	if err != nil {
		return Spec{}, fmt.Errorf("ndef seed: %w", err)
	}
	return spec, nil
}

// TagsFromConfig builds the virtual tags of the simulated driver.
func TagsFromConfig(tags []config.SimulatedTag) ([]*Tag, error) {
	out := make([]*Tag, 0, len(tags))
	for i, c := range tags {
		spec, err := SpecFromConfig(c)
		if err != nil {
			return nil, fmt.Errorf("simulated tag %d: %w", i, err)
		}
		out = append(out, NewTag(spec))
	}
	return out, nil
}

func singleByte(name, hex string) (byte, error) {
	if hex == "" {
		return 0, nil
	}
	b, err := nfc.HexToBytes(hex)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if len(b) != 1 {
		return 0, fmt.Errorf("%s: want 1 byte, got %d", name, len(b))
	}
	return b[0], nil
}
