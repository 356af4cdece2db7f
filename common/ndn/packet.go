package ndn

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/tap-tunnel/tap-tunnel/common/tlv"
)

// DefaultInterestLifetime applies when an Interest carries no lifetime.
const DefaultInterestLifetime = 4 * time.Second

// Packet is anything that travels as a top-level element: *Interest, *Data
// or *Nack.
type Packet interface {
	Encode() []byte
}

// Exclude is the Exclude selector. The tunnel only ever uses it as an
// explicit list of components.
type Exclude []Component

// ExcludeOne returns an Exclude holding a single component.
func ExcludeOne(c Component) Exclude {
	return Exclude{c}
}

// Interest is a pull request for a named Data.
type Interest struct {
	Name        Name
	MustBeFresh bool
	Exclude     Exclude
	Nonce       uint32
	Lifetime    time.Duration
}

// NewInterest returns an Interest with a random nonce.
func NewInterest(name Name) *Interest {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return &Interest{Name: name, Nonce: binary.BigEndian.Uint32(b[:])}
}

// EffectiveLifetime returns the lifetime, substituting the default when unset.
func (i *Interest) EffectiveLifetime() time.Duration {
	if i.Lifetime <= 0 {
		return DefaultInterestLifetime
	}
	return i.Lifetime
}

func (i *Interest) String() string {
	return fmt.Sprintf("%s?lifetime=%dms&mustBeFresh=%t&exclude=%d",
		i.Name, i.EffectiveLifetime().Milliseconds(), i.MustBeFresh, len(i.Exclude))
}

func (i *Interest) appendValue(b []byte) []byte {
	b = i.Name.encode(b)
	if i.MustBeFresh || len(i.Exclude) > 0 {
		var sel []byte
		if len(i.Exclude) > 0 {
			var ex []byte
			for _, c := range i.Exclude {
				ex = c.encode(ex)
			}
			sel = tlv.AppendElement(sel, TypeExclude, ex)
		}
		if i.MustBeFresh {
			sel = tlv.AppendElement(sel, TypeMustBeFresh, nil)
		}
		b = tlv.AppendElement(b, TypeSelectors, sel)
	}
	b = tlv.AppendElement(b, TypeNonce, binary.BigEndian.AppendUint32(nil, i.Nonce))
	if i.Lifetime > 0 {
		b = tlv.AppendNonNegativeInteger(b, TypeInterestLifetime, uint64(i.Lifetime.Milliseconds()))
	}
	return b
}

// Encode returns the wire encoding.
func (i *Interest) Encode() []byte {
	return tlv.AppendElement(nil, TypeInterest, i.appendValue(nil))
}

func decodeInterest(value []byte) (*Interest, error) {
	elems, err := tlv.DecodeAll(value)
	if err != nil {
		return nil, errors.Wrap(err, "decode interest")
	}
	i := &Interest{}
	hasName := false
	for _, e := range elems {
		switch e.Type {
		case TypeName:
			if i.Name, err = decodeName(e.Value); err != nil {
				return nil, err
			}
			hasName = true
		case TypeSelectors:
			sels, err := tlv.DecodeAll(e.Value)
			if err != nil {
				return nil, errors.Wrap(err, "decode selectors")
			}
			for _, s := range sels {
				switch s.Type {
				case TypeMustBeFresh:
					i.MustBeFresh = true
				case TypeExclude:
					comps, err := tlv.DecodeAll(s.Value)
					if err != nil {
						return nil, errors.Wrap(err, "decode exclude")
					}
					for _, c := range comps {
						i.Exclude = append(i.Exclude, Component(c))
					}
				}
			}
		case TypeNonce:
			if len(e.Value) != 4 {
				return nil, errors.Errorf("bad nonce length %d", len(e.Value))
			}
			i.Nonce = binary.BigEndian.Uint32(e.Value)
		case TypeInterestLifetime:
			ms, err := tlv.DecodeNonNegativeInteger(e.Value)
			if err != nil {
				return nil, errors.Wrap(err, "decode lifetime")
			}
			i.Lifetime = time.Duration(ms) * time.Millisecond
		}
	}
	if !hasName {
		return nil, errors.New("interest has no name")
	}
	return i, nil
}

// Data is a named, immutable piece of content answering an Interest.
type Data struct {
	Name            Name
	FreshnessPeriod time.Duration
	Content         []byte
}

// Encode returns the wire encoding. The tunnel does not sign Data.
func (d *Data) Encode() []byte {
	var v []byte
	v = d.Name.encode(v)
	var meta []byte
	if d.FreshnessPeriod > 0 {
		meta = tlv.AppendNonNegativeInteger(meta, TypeFreshnessPeriod, uint64(d.FreshnessPeriod.Milliseconds()))
	}
	v = tlv.AppendElement(v, TypeMetaInfo, meta)
	v = tlv.AppendElement(v, TypeContent, d.Content)
	return tlv.AppendElement(nil, TypeData, v)
}

func decodeData(value []byte) (*Data, error) {
	elems, err := tlv.DecodeAll(value)
	if err != nil {
		return nil, errors.Wrap(err, "decode data")
	}
	d := &Data{}
	hasName := false
	for _, e := range elems {
		switch e.Type {
		case TypeName:
			if d.Name, err = decodeName(e.Value); err != nil {
				return nil, err
			}
			hasName = true
		case TypeMetaInfo:
			meta, err := tlv.DecodeAll(e.Value)
			if err != nil {
				return nil, errors.Wrap(err, "decode metainfo")
			}
			for _, m := range meta {
				if m.Type == TypeFreshnessPeriod {
					ms, err := tlv.DecodeNonNegativeInteger(m.Value)
					if err != nil {
						return nil, errors.Wrap(err, "decode freshness")
					}
					d.FreshnessPeriod = time.Duration(ms) * time.Millisecond
				}
			}
		case TypeContent:
			d.Content = e.Value
		}
	}
	if !hasName {
		return nil, errors.New("data has no name")
	}
	return d, nil
}

// NackReason says why an upstream rejected an Interest.
type NackReason uint64

const (
	NackNone       NackReason = 0
	NackCongestion NackReason = 50
	NackDuplicate  NackReason = 100
	NackNoRoute    NackReason = 150
)

func (r NackReason) String() string {
	switch r {
	case NackNone:
		return "None"
	case NackCongestion:
		return "Congestion"
	case NackDuplicate:
		return "Duplicate"
	case NackNoRoute:
		return "NoRoute"
	}
	return strconv.FormatUint(uint64(r), 10)
}

// Nack is an explicit negative acknowledgement of an Interest.
type Nack struct {
	Reason   NackReason
	Interest *Interest
}

// Encode returns the wire encoding.
func (n *Nack) Encode() []byte {
	var v []byte
	v = tlv.AppendNonNegativeInteger(v, TypeNackReason, uint64(n.Reason))
	if n.Interest != nil {
		v = append(v, n.Interest.Encode()...)
	}
	return tlv.AppendElement(nil, TypeNack, v)
}

func decodeNack(value []byte) (*Nack, error) {
	elems, err := tlv.DecodeAll(value)
	if err != nil {
		return nil, errors.Wrap(err, "decode nack")
	}
	n := &Nack{}
	for _, e := range elems {
		switch e.Type {
		case TypeNackReason:
			r, err := tlv.DecodeNonNegativeInteger(e.Value)
			if err != nil {
				return nil, errors.Wrap(err, "decode nack reason")
			}
			n.Reason = NackReason(r)
		case TypeInterest:
			if n.Interest, err = decodeInterest(e.Value); err != nil {
				return nil, err
			}
		}
	}
	return n, nil
}

// DecodePacket decodes exactly one top-level packet.
func DecodePacket(wire []byte) (Packet, error) {
	e, rest, err := tlv.Decode(wire)
	if err != nil {
		return nil, errors.Wrap(err, "decode packet")
	}
	if len(rest) > 0 {
		return nil, errors.Errorf("%d trailing octets after packet", len(rest))
	}
	var pkt Packet
	switch e.Type {
	case TypeInterest:
		pkt, err = decodeInterest(e.Value)
	case TypeData:
		pkt, err = decodeData(e.Value)
	case TypeNack:
		pkt, err = decodeNack(e.Value)
	default:
		return nil, errors.Errorf("unknown packet type %d", e.Type)
	}
	if err != nil {
		return nil, err
	}
	return pkt, nil
}
