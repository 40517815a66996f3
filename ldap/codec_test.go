package ldap

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSearchRequestCodec(t *testing.T) {
	req := SearchRequest{
		BaseDN:     "dc=example,dc=com",
		Scope:      ScopeWholeSubtree,
		SizeLimit:  10,
		TimeLimit:  3,
		TypesOnly:  true,
		Filter:     "(cn=alice)",
		Attributes: []string{"cn", "mail"},
	}

	buf := req.AppendTo(nil)

	got, err := UnmarshalSearchRequest(buf)
	require.NoError(t, err)
	require.Equal(t, req, got)

	for i := 0; i < len(buf); i++ {
		_, err := UnmarshalSearchRequest(buf[:i])
		require.Equal(t, io.ErrUnexpectedEOF, err, "truncated at %d", i)
	}
}

func TestEntryGet(t *testing.T) {
	entry := Entry{DN: "cn=alice", Attributes: []Attribute{{Name: "Mail", Values: []string{"a@example.com"}}}}

	got, err := UnmarshalEntry(entry.AppendTo(nil))
	require.NoError(t, err)
	require.Equal(t, []string{"a@example.com"}, got.Get("mail"))
	require.Nil(t, got.Get("phone"))
}

func TestResultCodec(t *testing.T) {
	res, err := UnmarshalResult(nil)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)

	want := Result{MatchedDN: "dc=example,dc=com", Message: "nope", Data: []byte{1, 2}}
	res, err = UnmarshalResult(want.AppendTo(nil))
	require.NoError(t, err)
	require.Equal(t, want, res)
}
