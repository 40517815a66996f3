package memdir

import (
	"testing"

	"github.com/TheSmallBoat/ldapwire/ldap"
	"github.com/TheSmallBoat/ldapwire/lib"
	"github.com/stretchr/testify/require"
)

func TestParseFilter(t *testing.T) {
	alice := ldap.Entry{DN: "cn=alice", Attributes: []ldap.Attribute{
		{Name: "objectClass", Values: []string{"person"}},
		{Name: "mail", Values: []string{"alice@example.com"}},
	}}

	cases := []struct {
		filter string
		match  bool
	}{
		{"", true},
		{"(objectClass=*)", true},
		{"(mail=*)", true},
		{"(phone=*)", false},
		{"(objectclass=PERSON)", true},
		{"(cn=bob)", false},
		{"(&(objectClass=person)(mail=alice@*))", true},
		{"(|(cn=bob)(mail=*@example.com))", true},
		{"(!(mail=*))", false},
		{"(mail=*lice*example*)", true},
		{"(mail=bob*)", false},
		{"(mail>=a)", true},
		{"(mail<=a)", false},
		{"(mail=alice\\40example.com)", true},
	}

	for _, c := range cases {
		f, err := parseFilter(c.filter)
		require.NoError(t, err, c.filter)
		require.Equal(t, c.match, f.match(&alice), c.filter)
	}

	for _, raw := range []string{"cn=alice", "(cn=alice", "(cn=alice))"} {
		_, err := parseFilter(raw)
		require.Error(t, err, raw)
	}
}

func TestInScope(t *testing.T) {
	base := "dc=example,dc=com"

	require.True(t, inScope(base, base, ldap.ScopeBaseObject))
	require.False(t, inScope("ou=people,"+base, base, ldap.ScopeBaseObject))

	require.True(t, inScope("ou=people,"+base, base, ldap.ScopeSingleLevel))
	require.False(t, inScope("cn=a,ou=people,"+base, base, ldap.ScopeSingleLevel))
	require.False(t, inScope(base, base, ldap.ScopeSingleLevel))

	require.True(t, inScope(base, base, ldap.ScopeWholeSubtree))
	require.True(t, inScope("cn=a,ou=people,"+base, base, ldap.ScopeWholeSubtree))
	require.False(t, inScope("dc=other,dc=com", base, ldap.ScopeWholeSubtree))
	require.False(t, inScope("xdc=example,dc=com", base, ldap.ScopeWholeSubtree))
	require.True(t, inScope(`cn=a\,b,ou=people,`+base, base, ldap.ScopeWholeSubtree))
	require.True(t, inScope("dc=other,dc=com", "", ldap.ScopeWholeSubtree))
}

func TestApplyChange(t *testing.T) {
	e := ldap.Entry{DN: "cn=a", Attributes: []ldap.Attribute{{Name: "mail", Values: []string{"a@x", "b@x"}}}}

	require.Equal(t, lib.ResultAttributeOrValueExists, applyChange(&e, ldap.Change{Op: ldap.ChangeAdd, Attribute: ldap.Attribute{Name: "mail", Values: []string{"A@x"}}}))
	require.Equal(t, lib.ResultSuccess, applyChange(&e, ldap.Change{Op: ldap.ChangeDelete, Attribute: ldap.Attribute{Name: "mail", Values: []string{"a@x"}}}))
	require.Equal(t, []string{"b@x"}, e.Get("mail"))

	require.Equal(t, lib.ResultNoSuchAttribute, applyChange(&e, ldap.Change{Op: ldap.ChangeDelete, Attribute: ldap.Attribute{Name: "phone"}}))

	require.Equal(t, lib.ResultSuccess, applyChange(&e, ldap.Change{Op: ldap.ChangeReplace, Attribute: ldap.Attribute{Name: "mail"}}))
	require.Nil(t, e.Get("mail"))

	require.Equal(t, lib.ResultSuccess, applyChange(&e, ldap.Change{Op: ldap.ChangeReplace, Attribute: ldap.Attribute{Name: "title", Values: []string{"boss"}}}))
	require.Equal(t, []string{"boss"}, e.Get("title"))
}

func TestNormalize(t *testing.T) {
	dn, err := normalize(" CN=Alice , dc=Example,DC=com ")
	require.NoError(t, err)
	require.Equal(t, "cn=alice,dc=example,dc=com", dn)

	again, err := normalize(dn)
	require.NoError(t, err)
	require.Equal(t, dn, again)

	require.Equal(t, "dc=example,dc=com", parentOf("cn=alice,dc=example,dc=com"))
	require.Equal(t, "", parentOf("dc=com"))
	require.Equal(t, "dc=Example,dc=com", superiorOf("cn=alice,dc=Example,dc=com"))
	require.Equal(t, 3, depth("cn=alice,dc=example,dc=com"))

	attr, value, err := rdnOf("cn=alice,dc=example")
	require.NoError(t, err)
	require.Equal(t, "cn", attr)
	require.Equal(t, "alice", value)

	_, err = normalize("cn")
	require.Error(t, err)
}

func TestNormalizeEscapedComma(t *testing.T) {
	dn, err := normalize(`CN=Smith\, John,ou=People,dc=example,dc=com`)
	require.NoError(t, err)
	require.Equal(t, `cn=smith\, john,ou=people,dc=example,dc=com`, dn)
	require.Equal(t, "ou=people,dc=example,dc=com", parentOf(dn))
	require.Equal(t, 4, depth(dn))

	attr, value, err := rdnOf(dn)
	require.NoError(t, err)
	require.Equal(t, "cn", attr)
	require.Equal(t, "smith, john", value)

	again, err := normalize(dn)
	require.NoError(t, err)
	require.Equal(t, dn, again)
}
