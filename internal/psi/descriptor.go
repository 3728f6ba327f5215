package psi

import (
	"errors"

	"golang.org/x/text/encoding/charmap"
)

// Descriptor tags this decoder understands; everything else is kept raw.
const (
	TagCA          = 9
	TagServiceList = 65
	TagBouquetName = 71
	TagService     = 72
	TagCAIdentifier = 83
)

// Descriptor is a tagged variant: exactly one of the typed fields is set
// according to Tag, or Raw holds the body for an unrecognized tag.
type Descriptor struct {
	Tag  byte
	Data interface{} // *CADescriptor | *ServiceListDescriptor | *BouquetNameDescriptor | *ServiceDescriptor | *CAIdentifierDescriptor
	Raw  []byte      // body bytes for an unrecognized tag; nil otherwise
}

type CADescriptor struct {
	CASystemID  uint16
	CAPID       uint16
	PrivateData []byte
}

type ServiceListEntry struct {
	ServiceID   uint16
	ServiceType byte
}

type ServiceListDescriptor struct {
	Services []ServiceListEntry
}

type BouquetNameDescriptor struct {
	Name string
}

type ServiceDescriptor struct {
	ServiceType        byte
	ServiceProviderName string
	ServiceName         string
}

type CAIdentifierDescriptor struct {
	CASystemIDs []uint16
}

var errDescriptorTruncated = errors.New("psi: descriptor loop truncated")

// DecodeDescriptors walks a byte range as a sequence of {tag(1), length(1),
// body(length)} entries, decoding the five known tags and retaining any
// other tag's body verbatim.
func DecodeDescriptors(b []byte) ([]Descriptor, error) {
	var out []Descriptor
	pos := 0
	for pos < len(b) {
		if pos+2 > len(b) {
			return out, errDescriptorTruncated
		}
		tag := b[pos]
		length := int(b[pos+1])
		pos += 2
		if pos+length > len(b) {
			return out, errDescriptorTruncated
		}
		body := b[pos : pos+length]
		pos += length

		d := Descriptor{Tag: tag}
		switch tag {
		case TagCA:
			if len(body) < 4 {
				d.Raw = body
				break
			}
			caSystemID := uint16(body[0])<<8 | uint16(body[1])
			caPID := (uint16(body[2])<<8 | uint16(body[3])) & 0x1FFF
			d.Data = &CADescriptor{CASystemID: caSystemID, CAPID: caPID, PrivateData: body[4:]}
		case TagServiceList:
			list := &ServiceListDescriptor{}
			for i := 0; i+3 <= len(body); i += 3 {
				list.Services = append(list.Services, ServiceListEntry{
					ServiceID:   uint16(body[i])<<8 | uint16(body[i+1]),
					ServiceType: body[i+2],
				})
			}
			d.Data = list
		case TagBouquetName:
			d.Data = &BouquetNameDescriptor{Name: decodeText(body)}
		case TagService:
			sd, err := decodeServiceDescriptor(body)
			if err != nil {
				d.Raw = body
				break
			}
			d.Data = sd
		case TagCAIdentifier:
			ci := &CAIdentifierDescriptor{}
			for i := 0; i+2 <= len(body); i += 2 {
				ci.CASystemIDs = append(ci.CASystemIDs, uint16(body[i])<<8|uint16(body[i+1]))
			}
			d.Data = ci
		default:
			d.Raw = body
		}
		out = append(out, d)
	}
	return out, nil
}

func decodeServiceDescriptor(body []byte) (*ServiceDescriptor, error) {
	if len(body) < 2 {
		return nil, errDescriptorTruncated
	}
	sd := &ServiceDescriptor{ServiceType: body[0]}
	pos := 1
	provLen := int(body[pos])
	pos++
	if pos+provLen > len(body) {
		return nil, errDescriptorTruncated
	}
	if provLen > 0 {
		sd.ServiceProviderName = decodeText(body[pos : pos+provLen])
	}
	pos += provLen
	if pos >= len(body) {
		return nil, errDescriptorTruncated
	}
	nameLen := int(body[pos])
	pos++
	if pos+nameLen > len(body) {
		return nil, errDescriptorTruncated
	}
	if nameLen > 0 {
		sd.ServiceName = decodeText(body[pos : pos+nameLen])
	}
	return sd, nil
}

// decodeText applies the DVB text encoding convention: a leading byte in
// [1..10] selects ISO-8859-(byte+4); otherwise the bytes are returned as-is,
// with no character-set conversion.
func decodeText(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if b[0] >= 1 && b[0] <= 10 {
		cm := isoCharmap(int(b[0]) + 4)
		if cm != nil {
			out, err := cm.NewDecoder().Bytes(b[1:])
			if err == nil {
				return string(out)
			}
		}
		return string(b[1:])
	}
	return string(b)
}

func isoCharmap(n int) *charmap.Charmap {
	switch n {
	case 5:
		return charmap.ISO8859_5
	case 6:
		return charmap.ISO8859_6
	case 7:
		return charmap.ISO8859_7
	case 8:
		return charmap.ISO8859_8
	case 9:
		return charmap.ISO8859_9
	case 10:
		return charmap.ISO8859_10
	case 13:
		return charmap.ISO8859_13
	case 14:
		return charmap.ISO8859_14
	case 15:
		return charmap.ISO8859_15
	case 16:
		return charmap.ISO8859_16
	default:
		return nil
	}
}
