package ldap

import (
	"io"
	"strings"

	"github.com/lithdew/bytesutil"
)

func appendString(dst []byte, s string) []byte {
	dst = bytesutil.AppendUint32BE(dst, uint32(len(s)))
	return append(dst, s...)
}

func appendBytes(dst []byte, b []byte) []byte {
	dst = bytesutil.AppendUint32BE(dst, uint32(len(b)))
	return append(dst, b...)
}

func appendStrings(dst []byte, ss []string) []byte {
	dst = bytesutil.AppendUint16BE(dst, uint16(len(ss)))
	for _, s := range ss {
		dst = appendString(dst, s)
	}
	return dst
}

func appendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func readBytes(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, buf, io.ErrUnexpectedEOF
	}
	var size uint32
	size, buf = bytesutil.Uint32BE(buf[:4]), buf[4:]
	if uint32(len(buf)) < size {
		return nil, buf, io.ErrUnexpectedEOF
	}
	return buf[:size], buf[size:], nil
}

func readString(buf []byte) (string, []byte, error) {
	b, buf, err := readBytes(buf)
	return string(b), buf, err
}

func readStrings(buf []byte) ([]string, []byte, error) {
	if len(buf) < 2 {
		return nil, buf, io.ErrUnexpectedEOF
	}
	var n uint16
	n, buf = bytesutil.Uint16BE(buf[:2]), buf[2:]

	ss := make([]string, n)
	for i := range ss {
		var err error
		ss[i], buf, err = readString(buf)
		if err != nil {
			return nil, buf, err
		}
	}
	return ss, buf, nil
}

func readByte(buf []byte) (byte, []byte, error) {
	if len(buf) < 1 {
		return 0, buf, io.ErrUnexpectedEOF
	}
	return buf[0], buf[1:], nil
}

func readUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, buf, io.ErrUnexpectedEOF
	}
	return bytesutil.Uint32BE(buf[:4]), buf[4:], nil
}

// BindRequest authenticates Name. Simple binds leave Mechanism empty and
// carry the password in Credentials.
type BindRequest struct {
	Name        string
	Mechanism   string
	Credentials []byte
}

func (r BindRequest) AppendTo(dst []byte) []byte {
	dst = appendString(dst, r.Name)
	dst = appendString(dst, r.Mechanism)
	return appendBytes(dst, r.Credentials)
}

func UnmarshalBindRequest(buf []byte) (r BindRequest, err error) {
	if r.Name, buf, err = readString(buf); err != nil {
		return r, err
	}
	if r.Mechanism, buf, err = readString(buf); err != nil {
		return r, err
	}
	r.Credentials, _, err = readBytes(buf)
	return r, err
}

// Result is the body of every final reply. Data holds server SASL
// credentials for binds and the response value for extended operations.
type Result struct {
	MatchedDN string
	Message   string
	Data      []byte
}

func (r Result) AppendTo(dst []byte) []byte {
	dst = appendString(dst, r.MatchedDN)
	dst = appendString(dst, r.Message)
	return appendBytes(dst, r.Data)
}

func UnmarshalResult(buf []byte) (r Result, err error) {
	if len(buf) == 0 {
		return r, nil
	}
	if r.MatchedDN, buf, err = readString(buf); err != nil {
		return r, err
	}
	if r.Message, buf, err = readString(buf); err != nil {
		return r, err
	}
	r.Data, _, err = readBytes(buf)
	return r, err
}

type Scope uint8

const (
	ScopeBaseObject Scope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

func (s Scope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	}
	return "unknown"
}

// SearchRequest selects entries below BaseDN matching Filter, written as
// "(attr=value)", "(attr=*)" or "" for every entry.
type SearchRequest struct {
	BaseDN     string
	Scope      Scope
	SizeLimit  uint32
	TimeLimit  uint32 // seconds, enforced by the server
	TypesOnly  bool
	Filter     string
	Attributes []string
}

func (r SearchRequest) AppendTo(dst []byte) []byte {
	dst = appendString(dst, r.BaseDN)
	dst = append(dst, uint8(r.Scope))
	dst = bytesutil.AppendUint32BE(dst, r.SizeLimit)
	dst = bytesutil.AppendUint32BE(dst, r.TimeLimit)
	dst = appendBool(dst, r.TypesOnly)
	dst = appendString(dst, r.Filter)
	return appendStrings(dst, r.Attributes)
}

func UnmarshalSearchRequest(buf []byte) (r SearchRequest, err error) {
	if r.BaseDN, buf, err = readString(buf); err != nil {
		return r, err
	}
	var b byte
	if b, buf, err = readByte(buf); err != nil {
		return r, err
	}
	r.Scope = Scope(b)
	if r.SizeLimit, buf, err = readUint32(buf); err != nil {
		return r, err
	}
	if r.TimeLimit, buf, err = readUint32(buf); err != nil {
		return r, err
	}
	if b, buf, err = readByte(buf); err != nil {
		return r, err
	}
	r.TypesOnly = b != 0
	if r.Filter, buf, err = readString(buf); err != nil {
		return r, err
	}
	r.Attributes, _, err = readStrings(buf)
	return r, err
}

type Attribute struct {
	Name   string
	Values []string
}

type Entry struct {
	DN         string
	Attributes []Attribute
}

// Get returns the values of the named attribute, matched case-insensitively.
func (e Entry) Get(name string) []string {
	for _, attr := range e.Attributes {
		if strings.EqualFold(attr.Name, name) {
			return attr.Values
		}
	}
	return nil
}

func (e Entry) AppendTo(dst []byte) []byte {
	dst = appendString(dst, e.DN)
	dst = bytesutil.AppendUint16BE(dst, uint16(len(e.Attributes)))
	for _, attr := range e.Attributes {
		dst = appendString(dst, attr.Name)
		dst = appendStrings(dst, attr.Values)
	}
	return dst
}

func UnmarshalEntry(buf []byte) (e Entry, err error) {
	e, _, err = readEntry(buf)
	return e, err
}

func readEntry(buf []byte) (e Entry, _ []byte, err error) {
	if e.DN, buf, err = readString(buf); err != nil {
		return e, buf, err
	}
	if len(buf) < 2 {
		return e, buf, io.ErrUnexpectedEOF
	}
	var n uint16
	n, buf = bytesutil.Uint16BE(buf[:2]), buf[2:]

	e.Attributes = make([]Attribute, n)
	for i := range e.Attributes {
		if e.Attributes[i].Name, buf, err = readString(buf); err != nil {
			return e, buf, err
		}
		if e.Attributes[i].Values, buf, err = readStrings(buf); err != nil {
			return e, buf, err
		}
	}
	return e, buf, nil
}

// Referral lists the URIs of a search continuation reference.
type Referral []string

func (r Referral) AppendTo(dst []byte) []byte { return appendStrings(dst, r) }

func UnmarshalReferral(buf []byte) (Referral, error) {
	uris, _, err := readStrings(buf)
	return uris, err
}

type ChangeOp uint8

const (
	ChangeAdd ChangeOp = iota
	ChangeDelete
	ChangeReplace
)

type Change struct {
	Op        ChangeOp
	Attribute Attribute
}

type ModifyRequest struct {
	DN      string
	Changes []Change
}

func (r ModifyRequest) AppendTo(dst []byte) []byte {
	dst = appendString(dst, r.DN)
	dst = bytesutil.AppendUint16BE(dst, uint16(len(r.Changes)))
	for _, change := range r.Changes {
		dst = append(dst, uint8(change.Op))
		dst = appendString(dst, change.Attribute.Name)
		dst = appendStrings(dst, change.Attribute.Values)
	}
	return dst
}

func UnmarshalModifyRequest(buf []byte) (r ModifyRequest, err error) {
	if r.DN, buf, err = readString(buf); err != nil {
		return r, err
	}
	if len(buf) < 2 {
		return r, io.ErrUnexpectedEOF
	}
	var n uint16
	n, buf = bytesutil.Uint16BE(buf[:2]), buf[2:]

	r.Changes = make([]Change, n)
	for i := range r.Changes {
		var op byte
		if op, buf, err = readByte(buf); err != nil {
			return r, err
		}
		r.Changes[i].Op = ChangeOp(op)
		if r.Changes[i].Attribute.Name, buf, err = readString(buf); err != nil {
			return r, err
		}
		if r.Changes[i].Attribute.Values, buf, err = readStrings(buf); err != nil {
			return r, err
		}
	}
	return r, nil
}

type ModifyDNRequest struct {
	DN           string
	NewRDN       string
	DeleteOldRDN bool
	NewSuperior  string
}

func (r ModifyDNRequest) AppendTo(dst []byte) []byte {
	dst = appendString(dst, r.DN)
	dst = appendString(dst, r.NewRDN)
	dst = appendBool(dst, r.DeleteOldRDN)
	return appendString(dst, r.NewSuperior)
}

func UnmarshalModifyDNRequest(buf []byte) (r ModifyDNRequest, err error) {
	if r.DN, buf, err = readString(buf); err != nil {
		return r, err
	}
	if r.NewRDN, buf, err = readString(buf); err != nil {
		return r, err
	}
	var b byte
	if b, buf, err = readByte(buf); err != nil {
		return r, err
	}
	r.DeleteOldRDN = b != 0
	r.NewSuperior, _, err = readString(buf)
	return r, err
}

type CompareRequest struct {
	DN        string
	Attribute string
	Value     string
}

func (r CompareRequest) AppendTo(dst []byte) []byte {
	dst = appendString(dst, r.DN)
	dst = appendString(dst, r.Attribute)
	return appendString(dst, r.Value)
}

func UnmarshalCompareRequest(buf []byte) (r CompareRequest, err error) {
	if r.DN, buf, err = readString(buf); err != nil {
		return r, err
	}
	if r.Attribute, buf, err = readString(buf); err != nil {
		return r, err
	}
	r.Value, _, err = readString(buf)
	return r, err
}

type ExtendedRequest struct {
	Name  string // OID
	Value []byte
}

func (r ExtendedRequest) AppendTo(dst []byte) []byte {
	dst = appendString(dst, r.Name)
	return appendBytes(dst, r.Value)
}

func UnmarshalExtendedRequest(buf []byte) (r ExtendedRequest, err error) {
	if r.Name, buf, err = readString(buf); err != nil {
		return r, err
	}
	r.Value, _, err = readBytes(buf)
	return r, err
}

// AppendDN encodes the body of a delete request.
func AppendDN(dst []byte, dn string) []byte { return appendString(dst, dn) }

func UnmarshalDN(buf []byte) (string, error) {
	dn, _, err := readString(buf)
	return dn, err
}
