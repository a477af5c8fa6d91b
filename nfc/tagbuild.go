package nfc

import (
	"errors"

	"github.com/rs/zerolog/log"
)

// SAK bits (ISO 14443-3, NXP AN10833)
const (
	SakIso14443_4 = 0x20
	SakClassicBit = 0x08
	SakClassic4K  = 0x18
	SakMini       = 0x09
	SakUltralight = 0x00
)

// TypeAInfo is what a reader reports for an ISO 14443-A target.
type TypeAInfo struct {
	UID  []byte
	Atqa []byte
	Sak  byte

	// HistoricalBytes from the ATS, for ISO 14443-4 targets
	HistoricalBytes []byte
}

// TypeBInfo is what a reader reports for an ISO 14443-B target.
type TypeBInfo struct {
	PUPI            []byte
	ApplicationData []byte
	ProtocolInfo    []byte
	HiLayerResponse []byte
	Iso14443_4      bool
}

// FeliCaInfo is what a reader reports for a FeliCa target.
type FeliCaInfo struct {
	IDm        []byte
	PMm        []byte
	SystemCode []byte
}

// NewTypeATag builds the technology views of an ISO 14443-A tag sharing
// link. pages, when not nil, gives Type 2 page access for Ultralight-family
// tags. NDEF is probed on whichever family the SAK indicates.
func NewTypeATag(info TypeAInfo, link TimedLink, pages PageLink) *Tag {
	tag := &Tag{
		ID:   info.UID,
		NfcA: &NfcA{Handle: NewLinkTech(link), Atqa: info.Atqa, Sak: info.Sak},
	}

	switch {
	case info.Sak&SakIso14443_4 != 0:
		tag.IsoDep = &IsoDep{Handle: NewTimedLinkTech(link), HistoricalBytes: info.HistoricalBytes}
		if ndef, err := NewType4(link); err == nil {
			tag.Ndef = ndef
		} else {
			logProbe("type 4", err)
		}

	case info.Sak == SakUltralight:
		tag.MifareUltralight = NewLinkTech(link)
		if pages != nil {
			if ndef, err := NewType2(pages); err == nil {
				tag.Ndef = ndef
			} else {
				logProbe("type 2", err)
			}
		}

	case info.Sak&SakClassicBit != 0 || info.Sak == SakMini:
		tag.MifareClassic = NewPlainTech(link)
	}

	return tag
}

// NewTypeBTag builds the technology views of an ISO 14443-B tag sharing
// link.
func NewTypeBTag(info TypeBInfo, link TimedLink) *Tag {
	tag := &Tag{
		ID: info.PUPI,
		NfcB: &NfcB{
			Handle:          NewLinkTech(link),
			ApplicationData: info.ApplicationData,
			ProtocolInfo:    info.ProtocolInfo,
		},
	}
	if info.Iso14443_4 {
		tag.IsoDep = &IsoDep{Handle: NewTimedLinkTech(link), HiLayerResponse: info.HiLayerResponse}
		if ndef, err := NewType4(link); err == nil {
			tag.Ndef = ndef
		} else {
			logProbe("type 4", err)
		}
	}
	return tag
}

// NewFeliCaTag builds the NfcF view of a FeliCa tag. The manufacturer
// parameter is the PMm.
func NewFeliCaTag(info FeliCaInfo, link Link) *Tag {
	return &Tag{
		ID: info.IDm,
		NfcF: &NfcF{
			Handle:       NewLinkTech(link),
			Manufacturer: info.PMm,
			SystemCode:   info.SystemCode,
		},
	}
}

func logProbe(kind string, err error) {
	if errors.Is(err, ErrNotNdefFormatted) {
		log.Debug().Str("kind", kind).Msg("tag is not NDEF formatted")
		return
	}
	log.Warn().Err(err).Str("kind", kind).Msg("NDEF probe failed")
}
