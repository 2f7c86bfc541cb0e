package configapi

import (
	"errors"
	"strings"
	"unicode"
)

const (
	groupKeySeparator = '+'
)

var (
	ErrInvalidGroupKey = errors.New("invalid group key")
)

// GroupKey identifies one configuration item
type GroupKey struct {
	DataId string `cbor:"data_id," json:"dataId"`
	Group  string `cbor:"group," json:"group"`
	Tenant string `cbor:"tenant," json:"tenant,omitempty"`
}

// NewGroupKey validates the parts and builds a GroupKey.
// dataId and group are required. Whitespace and control characters are rejected in every part.
func NewGroupKey(dataId, group, tenant string) (GroupKey, error) {
	if dataId == "" || group == "" {
		return GroupKey{}, ErrInvalidGroupKey
	}
	for _, part := range []string{dataId, group, tenant} {
		if !validGroupKeyPart(part) {
			return GroupKey{}, ErrInvalidGroupKey
		}
	}
	return GroupKey{DataId: dataId, Group: group, Tenant: tenant}, nil
}

func MustGroupKey(dataId, group, tenant string) GroupKey {
	gk, err := NewGroupKey(dataId, group, tenant)
	if err != nil {
		panic(err)
	}
	return gk
}

func validGroupKeyPart(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// String serializes the key as group+dataId[+tenant].
// '%' and '+' inside a part are escaped as %25 and %2B.
func (g GroupKey) String() string {
	buf := new(strings.Builder)
	buf.Grow(len(g.Group) + len(g.DataId) + len(g.Tenant) + 2)
	EscapeKeyPart(buf, g.Group)
	buf.WriteByte(groupKeySeparator)
	EscapeKeyPart(buf, g.DataId)
	if g.Tenant != "" {
		buf.WriteByte(groupKeySeparator)
		EscapeKeyPart(buf, g.Tenant)
	}
	return buf.String()
}

func (g GroupKey) IsZero() bool {
	return g.DataId == "" && g.Group == "" && g.Tenant == ""
}

// ParseGroupKey is the reverse operation of GroupKey.String
func ParseGroupKey(s string) (GroupKey, error) {
	parts := strings.Split(s, string(groupKeySeparator))
	if len(parts) != 2 && len(parts) != 3 {
		return GroupKey{}, ErrInvalidGroupKey
	}
	unescaped := make([]string, 3)
	for i, p := range parts {
		v, err := UnescapeKeyPart(p)
		if err != nil {
			return GroupKey{}, err
		}
		unescaped[i] = v
	}
	if len(parts) == 3 && unescaped[2] == "" {
		return GroupKey{}, ErrInvalidGroupKey
	}
	return NewGroupKey(unescaped[1], unescaped[0], unescaped[2])
}

// EscapeKeyPart writes s into buf with '%' and '+' escaped
func EscapeKeyPart(buf *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '%':
			buf.WriteString("%25")
		case '+':
			buf.WriteString("%2B")
		default:
			buf.WriteByte(c)
		}
	}
}

func UnescapeKeyPart(s string) (string, error) {
	if strings.IndexByte(s, '%') < 0 {
		return s, nil
	}
	buf := new(strings.Builder)
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			buf.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", ErrInvalidGroupKey
		}
		switch s[i+1 : i+3] {
		case "25":
			buf.WriteByte('%')
		case "2B":
			buf.WriteByte('+')
		default:
			return "", ErrInvalidGroupKey
		}
		i += 2
	}
	return buf.String(), nil
}
