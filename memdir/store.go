package memdir

import (
	"errors"
	"sort"
	"strings"

	"github.com/TheSmallBoat/ldapwire/ldap"
	"github.com/TheSmallBoat/ldapwire/lib"
	ber "github.com/go-asn1-ber/asn1-ber"
	goldap "github.com/go-ldap/ldap/v3"
)

var errEmptyRDN = errors.New("empty rdn")

// dnSpecials are escaped inside a canonical DN value.
const dnSpecials = `\,+"<>;=`

// normalize returns the canonical key of dn: RDNs parsed per RFC 4514,
// attribute types and values folded to lower case.
func normalize(dn string) (string, error) {
	parsed, err := goldap.ParseDN(dn)
	if err != nil {
		return "", err
	}
	return formatDN(parsed.RDNs, true), nil
}

func formatDN(rdns []*goldap.RelativeDN, fold bool) string {
	parts := make([]string, 0, len(rdns))
	for _, rdn := range rdns {
		pairs := make([]string, 0, len(rdn.Attributes))
		for _, atv := range rdn.Attributes {
			typ, value := atv.Type, atv.Value
			if fold {
				typ, value = strings.ToLower(typ), strings.ToLower(value)
			}
			pairs = append(pairs, typ+"="+escapeValue(value))
		}
		if fold {
			sort.Strings(pairs)
		}
		parts = append(parts, strings.Join(pairs, "+"))
	}
	return strings.Join(parts, ",")
}

func escapeValue(value string) string {
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		c := value[i]
		if strings.IndexByte(dnSpecials, c) >= 0 ||
			(i == 0 && (c == ' ' || c == '#')) ||
			(i == len(value)-1 && c == ' ') {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// parentOf returns the canonical key of the parent of dn, "" for a top
// level entry or an unparsable dn.
func parentOf(dn string) string {
	parsed, err := goldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) < 2 {
		return ""
	}
	return formatDN(parsed.RDNs[1:], true)
}

// superiorOf is parentOf keeping the spelling of dn.
func superiorOf(dn string) string {
	parsed, err := goldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) < 2 {
		return ""
	}
	return formatDN(parsed.RDNs[1:], false)
}

// depth returns the number of RDNs in dn.
func depth(dn string) int {
	parsed, err := goldap.ParseDN(dn)
	if err != nil {
		return 0
	}
	return len(parsed.RDNs)
}

// rdnOf returns the first attribute of the leading RDN of dn.
func rdnOf(dn string) (string, string, error) {
	parsed, err := goldap.ParseDN(dn)
	if err != nil {
		return "", "", err
	}
	if len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return "", "", errEmptyRDN
	}
	atv := parsed.RDNs[0].Attributes[0]
	return atv.Type, atv.Value, nil
}

func cloneEntry(e ldap.Entry) ldap.Entry {
	out := ldap.Entry{DN: e.DN, Attributes: make([]ldap.Attribute, len(e.Attributes))}
	for i, attr := range e.Attributes {
		out.Attributes[i] = ldap.Attribute{Name: attr.Name, Values: append([]string(nil), attr.Values...)}
	}
	return out
}

func attrIndex(e *ldap.Entry, name string) int {
	for i, attr := range e.Attributes {
		if strings.EqualFold(attr.Name, name) {
			return i
		}
	}
	return -1
}

func hasValue(values []string, value string) bool {
	for _, v := range values {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

// filter is a compiled RFC 4515 search filter. The zero filter matches
// every entry.
type filter struct {
	root *ber.Packet
}

func parseFilter(raw string) (filter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return filter{}, nil
	}
	root, err := goldap.CompileFilter(raw)
	if err != nil {
		return filter{}, err
	}
	return filter{root: root}, nil
}

func (f filter) match(e *ldap.Entry) bool {
	if f.root == nil {
		return true
	}
	return matchFilter(f.root, e)
}

func matchFilter(p *ber.Packet, e *ldap.Entry) bool {
	switch p.Tag {
	case goldap.FilterAnd:
		for _, child := range p.Children {
			if !matchFilter(child, e) {
				return false
			}
		}
		return true
	case goldap.FilterOr:
		for _, child := range p.Children {
			if matchFilter(child, e) {
				return true
			}
		}
		return false
	case goldap.FilterNot:
		return len(p.Children) == 1 && !matchFilter(p.Children[0], e)
	case goldap.FilterPresent:
		attr := berString(p)
		// every entry has an object class
		return strings.EqualFold(attr, "objectClass") || len(e.Get(attr)) > 0
	case goldap.FilterEqualityMatch, goldap.FilterApproxMatch:
		if len(p.Children) != 2 {
			return false
		}
		return hasValue(e.Get(berString(p.Children[0])), berString(p.Children[1]))
	case goldap.FilterGreaterOrEqual, goldap.FilterLessOrEqual:
		if len(p.Children) != 2 {
			return false
		}
		bound := strings.ToLower(berString(p.Children[1]))
		for _, v := range e.Get(berString(p.Children[0])) {
			v = strings.ToLower(v)
			if (p.Tag == goldap.FilterGreaterOrEqual && v >= bound) || (p.Tag == goldap.FilterLessOrEqual && v <= bound) {
				return true
			}
		}
		return false
	case goldap.FilterSubstrings:
		if len(p.Children) != 2 {
			return false
		}
		for _, v := range e.Get(berString(p.Children[0])) {
			if matchSubstrings(strings.ToLower(v), p.Children[1].Children) {
				return true
			}
		}
		return false
	}
	// extensible matches are not supported
	return false
}

func matchSubstrings(v string, parts []*ber.Packet) bool {
	for _, part := range parts {
		s := strings.ToLower(berString(part))
		switch part.Tag {
		case goldap.FilterSubstringsInitial:
			if !strings.HasPrefix(v, s) {
				return false
			}
			v = v[len(s):]
		case goldap.FilterSubstringsAny:
			i := strings.Index(v, s)
			if i < 0 {
				return false
			}
			v = v[i+len(s):]
		case goldap.FilterSubstringsFinal:
			if !strings.HasSuffix(v, s) {
				return false
			}
			v = ""
		}
	}
	return true
}

func berString(p *ber.Packet) string {
	if s, ok := p.Value.(string); ok {
		return s
	}
	if p.Data != nil {
		return p.Data.String()
	}
	return ""
}

// inScope reports whether dn lies in the search scope rooted at base. Both
// are normalized.
func inScope(dn, base string, scope ldap.Scope) bool {
	switch scope {
	case ldap.ScopeBaseObject:
		return dn == base
	case ldap.ScopeSingleLevel:
		return parentOf(dn) == base
	case ldap.ScopeWholeSubtree:
		for dn != "" {
			if dn == base {
				return true
			}
			dn = parentOf(dn)
		}
		return base == ""
	}
	return false
}

func applyChange(e *ldap.Entry, change ldap.Change) lib.ResultCode {
	i := attrIndex(e, change.Attribute.Name)

	switch change.Op {
	case ldap.ChangeAdd:
		if i < 0 {
			e.Attributes = append(e.Attributes, ldap.Attribute{Name: change.Attribute.Name})
			i = len(e.Attributes) - 1
		}
		for _, v := range change.Attribute.Values {
			if hasValue(e.Attributes[i].Values, v) {
				return lib.ResultAttributeOrValueExists
			}
			e.Attributes[i].Values = append(e.Attributes[i].Values, v)
		}
	case ldap.ChangeDelete:
		if i < 0 {
			return lib.ResultNoSuchAttribute
		}
		if len(change.Attribute.Values) == 0 {
			e.Attributes = append(e.Attributes[:i], e.Attributes[i+1:]...)
			return lib.ResultSuccess
		}
		kept := e.Attributes[i].Values[:0]
		for _, v := range e.Attributes[i].Values {
			if !hasValue(change.Attribute.Values, v) {
				kept = append(kept, v)
			}
		}
		e.Attributes[i].Values = kept
		if len(kept) == 0 {
			e.Attributes = append(e.Attributes[:i], e.Attributes[i+1:]...)
		}
	case ldap.ChangeReplace:
		if i < 0 {
			if len(change.Attribute.Values) > 0 {
				e.Attributes = append(e.Attributes, ldap.Attribute{Name: change.Attribute.Name, Values: change.Attribute.Values})
			}
			return lib.ResultSuccess
		}
		if len(change.Attribute.Values) == 0 {
			e.Attributes = append(e.Attributes[:i], e.Attributes[i+1:]...)
			return lib.ResultSuccess
		}
		e.Attributes[i].Values = append([]string(nil), change.Attribute.Values...)
	default:
		return lib.ResultProtocolError
	}
	return lib.ResultSuccess
}

// selectAttributes trims e to the requested attributes.
func selectAttributes(e ldap.Entry, names []string, typesOnly bool) ldap.Entry {
	if len(names) == 0 && !typesOnly {
		return e
	}

	out := ldap.Entry{DN: e.DN}
	for _, attr := range e.Attributes {
		if len(names) > 0 && !hasValue(names, attr.Name) && !hasValue(names, "*") {
			continue
		}
		if typesOnly {
			attr.Values = nil
		}
		out.Attributes = append(out.Attributes, attr)
	}
	return out
}
