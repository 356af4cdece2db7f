// Package ndn holds the small subset of the Named Data Networking packet
// format that the tunnel speaks: names, Interests, Data and Nacks.
package ndn

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tap-tunnel/tap-tunnel/common/tlv"
)

// TLV-TYPE numbers.
const (
	TypeInterest         uint32 = 0x05
	TypeData             uint32 = 0x06
	TypeName             uint32 = 0x07
	TypeNameComponent    uint32 = 0x08
	TypeSelectors        uint32 = 0x09
	TypeNonce            uint32 = 0x0a
	TypeInterestLifetime uint32 = 0x0c
	TypeExclude          uint32 = 0x10
	TypeMustBeFresh      uint32 = 0x12
	TypeMetaInfo         uint32 = 0x14
	TypeContent          uint32 = 0x15
	TypeFreshnessPeriod  uint32 = 0x19
	TypeNack             uint32 = 0x0320
	TypeNackReason       uint32 = 0x0321
)

// Naming convention marker for sequence number components.
const sequenceNumberMarker = 0xfe

// Component is a single name component. Its layout matches tlv.Element so
// that a dequeued element converts directly.
type Component struct {
	Type  uint32
	Value []byte
}

// SequenceNumberComponent returns a component holding seq with the
// sequence number marker.
func SequenceNumberComponent(seq uint64) Component {
	v := append([]byte{sequenceNumberMarker}, tlv.EncodeNonNegativeInteger(seq)...)
	return Component{Type: TypeNameComponent, Value: v}
}

// IsSequenceNumber reports whether c carries the sequence number marker.
func (c Component) IsSequenceNumber() bool {
	if c.Type != TypeNameComponent || len(c.Value) < 2 || c.Value[0] != sequenceNumberMarker {
		return false
	}
	_, err := tlv.DecodeNonNegativeInteger(c.Value[1:])
	return err == nil
}

// ToSequenceNumber decodes a sequence number component.
func (c Component) ToSequenceNumber() (uint64, error) {
	if !c.IsSequenceNumber() {
		return 0, errors.Errorf("component %s is not a sequence number", c)
	}
	return tlv.DecodeNonNegativeInteger(c.Value[1:])
}

// Equal reports whether both components have the same type and value.
func (c Component) Equal(o Component) bool {
	return c.Type == o.Type && bytes.Equal(c.Value, o.Value)
}

func (c Component) encode(b []byte) []byte {
	return tlv.AppendElement(b, c.Type, c.Value)
}

func isUnreserved(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9' ||
		ch == '-' || ch == '.' || ch == '_' || ch == '~'
}

func (c Component) String() string {
	if c.IsSequenceNumber() {
		seq, _ := c.ToSequenceNumber()
		return "seq=" + strconv.FormatUint(seq, 10)
	}
	var sb strings.Builder
	if c.Type != TypeNameComponent {
		sb.WriteString(strconv.FormatUint(uint64(c.Type), 10))
		sb.WriteByte('=')
	}
	onlyPeriods := true
	for _, ch := range c.Value {
		if ch != '.' {
			onlyPeriods = false
			break
		}
	}
	if onlyPeriods {
		// "", "." and ".." are reserved in URIs, so they carry three extra periods.
		sb.WriteString("...")
	}
	for _, ch := range c.Value {
		if isUnreserved(ch) {
			sb.WriteByte(ch)
		} else {
			fmt.Fprintf(&sb, "%%%02X", ch)
		}
	}
	return sb.String()
}

func parseComponent(s string) (Component, error) {
	if rest, ok := strings.CutPrefix(s, "seq="); ok {
		seq, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return Component{}, errors.Wrapf(err, "bad sequence number %q", rest)
		}
		return SequenceNumberComponent(seq), nil
	}
	var value []byte
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			value = append(value, s[i])
			continue
		}
		if i+2 >= len(s) {
			return Component{}, errors.Errorf("truncated escape in %q", s)
		}
		v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return Component{}, errors.Wrapf(err, "bad escape in %q", s)
		}
		value = append(value, byte(v))
		i += 2
	}
	if len(value) >= 3 && strings.Trim(string(value), ".") == "" {
		value = value[3:]
	} else if strings.Trim(string(value), ".") == "" {
		return Component{}, errors.Errorf("invalid component %q", s)
	}
	return Component{Type: TypeNameComponent, Value: value}, nil
}

// Name is a hierarchical NDN name.
type Name []Component

// ParseName parses the URI representation of a name, with or without the
// "ndn:" scheme.
func ParseName(uri string) (Name, error) {
	uri = strings.TrimPrefix(uri, "ndn:")
	uri = strings.Trim(uri, "/")
	if uri == "" {
		return Name{}, nil
	}
	parts := strings.Split(uri, "/")
	name := make(Name, 0, len(parts))
	for _, p := range parts {
		c, err := parseComponent(p)
		if err != nil {
			return nil, err
		}
		name = append(name, c)
	}
	return name, nil
}

// Append returns a new name with the components appended. The receiver is
// never modified.
func (n Name) Append(comps ...Component) Name {
	out := make(Name, 0, len(n)+len(comps))
	out = append(out, n...)
	return append(out, comps...)
}

// AppendSequenceNumber appends a sequence number component.
func (n Name) AppendSequenceNumber(seq uint64) Name {
	return n.Append(SequenceNumberComponent(seq))
}

// At returns the i-th component; negative indexes count from the end.
func (n Name) At(i int) Component {
	if i < 0 {
		i += len(n)
	}
	return n[i]
}

// IsPrefixOf reports whether n is a prefix of other.
func (n Name) IsPrefixOf(other Name) bool {
	if len(n) > len(other) {
		return false
	}
	for i, c := range n {
		if !c.Equal(other[i]) {
			return false
		}
	}
	return true
}

// Equal reports component-wise equality.
func (n Name) Equal(other Name) bool {
	return len(n) == len(other) && n.IsPrefixOf(other)
}

func (n Name) String() string {
	if len(n) == 0 {
		return "/"
	}
	var sb strings.Builder
	for _, c := range n {
		sb.WriteByte('/')
		sb.WriteString(c.String())
	}
	return sb.String()
}

// UnmarshalText lets a Name be used directly in configuration structs.
func (n *Name) UnmarshalText(text []byte) error {
	name, err := ParseName(string(text))
	if err != nil {
		return err
	}
	*n = name
	return nil
}

// MarshalText is the inverse of UnmarshalText.
func (n Name) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n Name) encode(b []byte) []byte {
	var value []byte
	for _, c := range n {
		value = c.encode(value)
	}
	return tlv.AppendElement(b, TypeName, value)
}

func decodeName(value []byte) (Name, error) {
	elems, err := tlv.DecodeAll(value)
	if err != nil {
		return nil, errors.Wrap(err, "decode name")
	}
	name := make(Name, 0, len(elems))
	for _, e := range elems {
		name = append(name, Component(e))
	}
	return name, nil
}
