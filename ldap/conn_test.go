package ldap_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/TheSmallBoat/ldapwire/ldap"
	"github.com/TheSmallBoat/ldapwire/lib"
	"github.com/TheSmallBoat/ldapwire/memdir"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	aliceDN = "cn=alice,ou=people,dc=example,dc=com"
	bobDN   = "cn=bob,ou=people,dc=example,dc=com"
)

func seed() *memdir.Directory {
	dir := memdir.New()
	dir.Put(ldap.Entry{DN: "dc=example,dc=com", Attributes: []ldap.Attribute{
		{Name: "objectClass", Values: []string{"domain"}},
		{Name: "dc", Values: []string{"example"}},
	}})
	dir.Put(ldap.Entry{DN: "ou=people,dc=example,dc=com", Attributes: []ldap.Attribute{
		{Name: "objectClass", Values: []string{"organizationalUnit"}},
		{Name: "ou", Values: []string{"people"}},
	}})
	dir.Put(ldap.Entry{DN: aliceDN, Attributes: []ldap.Attribute{
		{Name: "objectClass", Values: []string{"person"}},
		{Name: "cn", Values: []string{"alice"}},
		{Name: "mail", Values: []string{"alice@example.com"}},
		{Name: "userPassword", Values: []string{"wonderland"}},
	}})
	dir.Put(ldap.Entry{DN: bobDN, Attributes: []ldap.Attribute{
		{Name: "objectClass", Values: []string{"person"}},
		{Name: "cn", Values: []string{"bob"}},
		{Name: "userPassword", Values: []string{"builder"}},
	}})
	dir.Put(ldap.Entry{DN: "ou=remote,dc=example,dc=com", Attributes: []ldap.Attribute{
		{Name: "objectClass", Values: []string{"referral"}},
		{Name: "ref", Values: []string{"ldap://remote.example.com/ou=remote,dc=example,dc=com"}},
	}})
	return dir
}

func dial(t *testing.T, dir *memdir.Directory, timeLimit time.Duration) (*ldap.Conn, func()) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	srv := dir.Server()
	go func() {
		require.NoError(t, srv.Serve(ln))
	}()

	cfg := ldap.DefaultConfig()
	cfg.Addr = ln.Addr().String()
	cfg.TimeLimit = timeLimit

	conn, err := ldap.Dial(context.Background(), cfg, nil)
	require.NoError(t, err)

	return conn, func() {
		require.NoError(t, conn.Close())
		srv.Shutdown()
		require.NoError(t, ln.Close())
		dir.Wait()
	}
}

func TestSimpleBind(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, done := dial(t, seed(), time.Second)
	defer done()

	ctx := context.Background()

	err := conn.Bind(ctx, aliceDN, "looking-glass")
	require.True(t, ldap.IsResultCode(err, lib.ResultInvalidCredentials))
	require.Nil(t, conn.BindProps())

	require.NoError(t, conn.Bind(ctx, aliceDN, "wonderland"))
	require.NotNil(t, conn.BindProps())
	require.Equal(t, aliceDN, conn.BindProps().DN)

	whoami, err := conn.Extended(ctx, ldap.ExtendedRequest{Name: memdir.OIDWhoAmI})
	require.NoError(t, err)
	require.Equal(t, "dn:"+aliceDN, string(whoami))

	_, err = conn.Extended(ctx, ldap.ExtendedRequest{Name: "1.2.3"})
	require.True(t, ldap.IsResultCode(err, lib.ResultProtocolError))
}

func TestSASLBind(t *testing.T) {
	defer goleak.VerifyNone(t)

	pub, priv, err := ldap.GenerateKey()
	require.NoError(t, err)
	_, other, err := ldap.GenerateKey()
	require.NoError(t, err)

	dir := seed()
	dir.SetKey(bobDN, pub)

	conn, done := dial(t, dir, time.Second)
	defer done()

	ctx := context.Background()

	err = conn.SASLBind(ctx, &ldap.Ed25519Challenge{DN: bobDN, Key: other})
	require.True(t, ldap.IsResultCode(err, lib.ResultInvalidCredentials))
	require.EqualValues(t, 0, conn.Conn().BindSemaphore().Owner())

	require.NoError(t, conn.SASLBind(ctx, &ldap.Ed25519Challenge{DN: bobDN, Key: priv}))

	props := conn.BindProps()
	require.NotNil(t, props)
	require.Equal(t, bobDN, props.DN)
	require.Equal(t, ldap.MechanismEd25519Challenge, props.Mechanism)
	require.EqualValues(t, 0, conn.Conn().BindSemaphore().Owner())
	require.EqualValues(t, 0, conn.Conn().BindSemaphore().Sequence())

	whoami, err := conn.Extended(ctx, ldap.ExtendedRequest{Name: memdir.OIDWhoAmI})
	require.NoError(t, err)
	require.Equal(t, "dn:"+bobDN, string(whoami))

	err = conn.SASLBind(ctx, nil)
	require.Equal(t, ldap.ErrNoMechanism, err)
}

func TestConcurrentBindsDoNotInterleave(t *testing.T) {
	defer goleak.VerifyNone(t)

	pub, priv, err := ldap.GenerateKey()
	require.NoError(t, err)

	dir := seed()
	dir.SetKey(bobDN, pub)

	conn, done := dial(t, dir, time.Second)
	defer done()

	n := 8

	var wg sync.WaitGroup
	wg.Add(n * 3)

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			require.NoError(t, conn.SASLBind(context.Background(), &ldap.Ed25519Challenge{DN: bobDN, Key: priv}))
		}()
		go func() {
			defer wg.Done()
			require.NoError(t, conn.Bind(context.Background(), aliceDN, "wonderland"))
		}()
		go func() {
			defer wg.Done()
			ok, err := conn.Compare(context.Background(), aliceDN, "mail", "alice@example.com")
			require.NoError(t, err)
			require.True(t, ok)
		}()
	}

	wg.Wait()

	require.EqualValues(t, 0, conn.Conn().BindSemaphore().Owner())
	require.EqualValues(t, 0, conn.Conn().Outstanding())
}

func TestSearch(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, done := dial(t, seed(), time.Second)
	defer done()

	ctx := context.Background()

	result, err := conn.Search(ctx, ldap.SearchRequest{
		BaseDN: "dc=example,dc=com",
		Scope:  ldap.ScopeWholeSubtree,
		Filter: "(objectClass=person)",
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)
	require.Equal(t, []string{"alice@example.com"}, result.Entries[0].Get("mail"))

	result, err = conn.Search(ctx, ldap.SearchRequest{
		BaseDN:     "dc=example,dc=com",
		Scope:      ldap.ScopeSingleLevel,
		Attributes: []string{"ou"},
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	require.Equal(t, "ou=people,dc=example,dc=com", result.Entries[0].DN)
	require.Len(t, result.Entries[0].Attributes, 1)
	require.Len(t, result.Referrals, 1)
	require.Equal(t, "ldap://remote.example.com/ou=remote,dc=example,dc=com", result.Referrals[0][0])

	result, err = conn.Search(ctx, ldap.SearchRequest{
		BaseDN:    "ou=people,dc=example,dc=com",
		Scope:     ldap.ScopeSingleLevel,
		SizeLimit: 1,
	})
	require.True(t, ldap.IsResultCode(err, lib.ResultSizeLimitExceeded))
	require.Len(t, result.Entries, 1)

	_, err = conn.Search(ctx, ldap.SearchRequest{BaseDN: "ou=missing,dc=example,dc=com"})
	require.True(t, ldap.IsResultCode(err, lib.ResultNoSuchObject))

	var lerr *ldap.Error
	require.True(t, errors.As(err, &lerr))
	require.Equal(t, "dc=example,dc=com", lerr.MatchedDN)

	_, err = conn.Search(ctx, ldap.SearchRequest{BaseDN: "dc=example,dc=com", Filter: "(cn=alice"})
	require.True(t, ldap.IsResultCode(err, lib.ResultProtocolError))
}

func TestSearchStream(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, done := dial(t, seed(), time.Second)
	defer done()

	ctx := context.Background()

	stream, err := conn.SearchAsync(ctx, ldap.SearchRequest{BaseDN: "dc=example,dc=com", Scope: ldap.ScopeWholeSubtree})
	require.NoError(t, err)
	require.NotZero(t, stream.MessageID())

	item, err := stream.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, item.Entry)
	require.Equal(t, "dc=example,dc=com", item.Entry.DN)

	stream.Abandon()

	item, err = stream.Next(ctx)
	require.NoError(t, err)
	require.Nil(t, item)

	require.EqualValues(t, 0, conn.Conn().Outstanding())
}

func TestUpdates(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := seed()

	conn, done := dial(t, dir, time.Second)
	defer done()

	ctx := context.Background()

	carol := "cn=carol,ou=people,dc=example,dc=com"

	require.NoError(t, conn.Add(ctx, ldap.Entry{DN: carol, Attributes: []ldap.Attribute{
		{Name: "objectClass", Values: []string{"person"}},
		{Name: "cn", Values: []string{"carol"}},
		{Name: "title", Values: []string{"engineer"}},
	}}))

	err := conn.Add(ctx, ldap.Entry{DN: carol})
	require.True(t, ldap.IsResultCode(err, lib.ResultEntryAlreadyExists))

	err = conn.Add(ctx, ldap.Entry{DN: "cn=dave,ou=nowhere,dc=example,dc=com"})
	require.True(t, ldap.IsResultCode(err, lib.ResultNoSuchObject))

	ok, err := conn.Compare(ctx, carol, "title", "engineer")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, conn.Modify(ctx, ldap.ModifyRequest{DN: carol, Changes: []ldap.Change{
		{Op: ldap.ChangeReplace, Attribute: ldap.Attribute{Name: "title", Values: []string{"manager"}}},
		{Op: ldap.ChangeAdd, Attribute: ldap.Attribute{Name: "mail", Values: []string{"carol@example.com"}}},
	}}))

	ok, err = conn.Compare(ctx, carol, "title", "engineer")
	require.NoError(t, err)
	require.False(t, ok)

	err = conn.Modify(ctx, ldap.ModifyRequest{DN: carol, Changes: []ldap.Change{
		{Op: ldap.ChangeDelete, Attribute: ldap.Attribute{Name: "phone"}},
	}})
	require.True(t, ldap.IsResultCode(err, lib.ResultNoSuchAttribute))

	require.NoError(t, conn.ModifyDN(ctx, ldap.ModifyDNRequest{DN: carol, NewRDN: "cn=caroline", DeleteOldRDN: true}))

	renamed, ok := dir.Get("cn=caroline,ou=people,dc=example,dc=com")
	require.True(t, ok)
	require.Equal(t, []string{"caroline"}, renamed.Get("cn"))
	require.Equal(t, []string{"carol@example.com"}, renamed.Get("mail"))

	_, ok = dir.Get(carol)
	require.False(t, ok)

	err = conn.Delete(ctx, "ou=people,dc=example,dc=com")
	require.True(t, ldap.IsResultCode(err, lib.ResultNotAllowedOnNonLeaf))

	require.NoError(t, conn.Delete(ctx, "cn=caroline,ou=people,dc=example,dc=com"))

	err = conn.Delete(ctx, "cn=caroline,ou=people,dc=example,dc=com")
	require.True(t, ldap.IsResultCode(err, lib.ResultNoSuchObject))
}

func TestTimeLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := seed()
	dir.Delay = 500 * time.Millisecond

	conn, done := dial(t, dir, 50*time.Millisecond)
	defer done()

	start := time.Now()

	_, err := conn.Compare(context.Background(), aliceDN, "cn", "alice")
	require.True(t, ldap.IsResultCode(err, lib.ResultTimeout))
	require.True(t, errors.Is(err, lib.ErrTimeout))
	require.GreaterOrEqual(t, int64(time.Since(start)), int64(50*time.Millisecond))

	require.EqualValues(t, 0, conn.Conn().Outstanding())
}

func TestCancelAbandons(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := seed()
	dir.Delay = 500 * time.Millisecond

	conn, done := dial(t, dir, 0)
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := conn.Search(ctx, ldap.SearchRequest{BaseDN: "dc=example,dc=com", Scope: ldap.ScopeWholeSubtree})
	require.Equal(t, context.DeadlineExceeded, err)

	require.EqualValues(t, 0, conn.Conn().Outstanding())
}

func TestAbandonByID(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := seed()
	dir.Delay = 500 * time.Millisecond

	conn, done := dial(t, dir, 0)
	defer done()

	stream, err := conn.SearchAsync(context.Background(), ldap.SearchRequest{BaseDN: "dc=example,dc=com"})
	require.NoError(t, err)

	require.NoError(t, conn.Abandon(stream.MessageID()))

	_, err = stream.Next(context.Background())
	require.True(t, ldap.IsResultCode(err, lib.ResultUserCancelled))
	require.True(t, errors.Is(err, lib.ErrAbandoned))

	require.NoError(t, conn.Abandon(12345))
}
