package memdir

import (
	"crypto/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheSmallBoat/ldapwire/ldap"
	"github.com/TheSmallBoat/ldapwire/lib"
	"github.com/lithdew/kademlia"
	"github.com/oasisprotocol/ed25519"
	"github.com/rs/zerolog"
)

// OIDWhoAmI is the extended operation returning the bound identity.
const OIDWhoAmI = "1.3.6.1.4.1.4203.1.11.3"

const challengeSize = 32

// Directory is an in-memory directory served over lib connections. It is a
// lib.Handler and a lib.ConnStateHandler.
type Directory struct {
	// Delay postpones every reply. Delayed operations can be abandoned.
	Delay time.Duration

	Logger *zerolog.Logger

	mu      sync.RWMutex
	entries map[string]ldap.Entry
	keys    map[string]kademlia.PublicKey

	smu      sync.Mutex
	sessions map[*lib.Conn]*session

	wg sync.WaitGroup
}

type session struct {
	bound     string
	challenge []byte
	dn        string
	pending   map[uint32]chan struct{}
}

func New() *Directory {
	return &Directory{
		entries:  make(map[string]ldap.Entry),
		keys:     make(map[string]kademlia.PublicKey),
		sessions: make(map[*lib.Conn]*session),
	}
}

// Server returns a lib.Server serving d.
func (d *Directory) Server() *lib.Server {
	return &lib.Server{Handler: d, ConnState: d, Logger: d.Logger}
}

// Put stores e, replacing any entry with the same DN.
func (d *Directory) Put(e ldap.Entry) error {
	dn, err := normalize(e.DN)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[dn] = cloneEntry(e)
	return nil
}

// Get returns a copy of the entry at dn.
func (d *Directory) Get(dn string) (ldap.Entry, bool) {
	key, err := normalize(dn)
	if err != nil {
		return ldap.Entry{}, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[key]
	if !ok {
		return ldap.Entry{}, false
	}
	return cloneEntry(e), true
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// SetKey registers the key dn authenticates with under ED25519-CHALLENGE.
func (d *Directory) SetKey(dn string, pub kademlia.PublicKey) error {
	key, err := normalize(dn)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[key] = pub
	return nil
}

// Wait blocks until every delayed operation finished or was abandoned.
func (d *Directory) Wait() { d.wg.Wait() }

func (d *Directory) logger() *zerolog.Logger {
	if d.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return d.Logger
}

func (d *Directory) HandleConnState(conn *lib.Conn, state lib.ConnState) {
	d.smu.Lock()
	defer d.smu.Unlock()

	switch state {
	case lib.StateNew:
		d.sessions[conn] = &session{pending: make(map[uint32]chan struct{})}
	case lib.StateClosed:
		if s, ok := d.sessions[conn]; ok {
			for id, cancel := range s.pending {
				close(cancel)
				delete(s.pending, id)
			}
			delete(d.sessions, conn)
		}
	}
}

func (d *Directory) session(conn *lib.Conn) *session {
	s, ok := d.sessions[conn]
	if !ok {
		s = &session{pending: make(map[uint32]chan struct{})}
		d.sessions[conn] = s
	}
	return s
}

func (d *Directory) HandleMessage(ctx *lib.Context) error {
	conn, p := ctx.Conn(), ctx.Packet()

	switch p.Op {
	case lib.OpAbandonRequest:
		id, err := lib.AbandonedID(p)
		if err != nil {
			return err
		}
		d.abandon(conn, id)
		return nil
	case lib.OpUnbindRequest:
		d.smu.Lock()
		d.session(conn).bound = ""
		d.smu.Unlock()
		return nil
	}

	if d.Delay <= 0 {
		return d.serve(conn, p)
	}

	cancel := make(chan struct{})

	d.smu.Lock()
	d.session(conn).pending[p.MessageID] = cancel
	d.smu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		timer := time.NewTimer(d.Delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-cancel:
			return
		}

		d.smu.Lock()
		live := false
		if s, ok := d.sessions[conn]; ok {
			_, live = s.pending[p.MessageID]
			delete(s.pending, p.MessageID)
		}
		d.smu.Unlock()

		if !live {
			return
		}
		if err := d.serve(conn, p); err != nil {
			d.logger().Debug().Err(err).Uint32("msg_id", p.MessageID).Msg("delayed reply failed")
		}
	}()
	return nil
}

func (d *Directory) abandon(conn *lib.Conn, id uint32) {
	d.smu.Lock()
	defer d.smu.Unlock()

	s := d.session(conn)
	if cancel, ok := s.pending[id]; ok {
		close(cancel)
		delete(s.pending, id)
		d.logger().Debug().Uint32("msg_id", id).Msg("abandoned operation")
	}
}

func reply(conn *lib.Conn, id uint32, op lib.OpType, code lib.ResultCode, result ldap.Result) error {
	return conn.Reply(id, &lib.Packet{Op: op, Result: code, Body: result.AppendTo(nil)})
}

func (d *Directory) serve(conn *lib.Conn, p lib.Packet) error {
	id, op := p.MessageID, lib.ResponseOp(p.Op)

	var (
		code   lib.ResultCode
		result ldap.Result
	)

	switch p.Op {
	case lib.OpBindRequest:
		req, err := ldap.UnmarshalBindRequest(p.Body)
		if err != nil {
			return reply(conn, id, op, lib.ResultProtocolError, ldap.Result{Message: err.Error()})
		}
		code, result = d.bind(conn, req)
	case lib.OpSearchRequest:
		req, err := ldap.UnmarshalSearchRequest(p.Body)
		if err != nil {
			return reply(conn, id, op, lib.ResultProtocolError, ldap.Result{Message: err.Error()})
		}
		return d.search(conn, id, req)
	case lib.OpAddRequest:
		entry, err := ldap.UnmarshalEntry(p.Body)
		if err != nil {
			return reply(conn, id, op, lib.ResultProtocolError, ldap.Result{Message: err.Error()})
		}
		code, result = d.add(entry)
	case lib.OpModifyRequest:
		req, err := ldap.UnmarshalModifyRequest(p.Body)
		if err != nil {
			return reply(conn, id, op, lib.ResultProtocolError, ldap.Result{Message: err.Error()})
		}
		code, result = d.modify(req)
	case lib.OpDelRequest:
		dn, err := ldap.UnmarshalDN(p.Body)
		if err != nil {
			return reply(conn, id, op, lib.ResultProtocolError, ldap.Result{Message: err.Error()})
		}
		code, result = d.delete(dn)
	case lib.OpModifyDNRequest:
		req, err := ldap.UnmarshalModifyDNRequest(p.Body)
		if err != nil {
			return reply(conn, id, op, lib.ResultProtocolError, ldap.Result{Message: err.Error()})
		}
		code, result = d.modifyDN(req)
	case lib.OpCompareRequest:
		req, err := ldap.UnmarshalCompareRequest(p.Body)
		if err != nil {
			return reply(conn, id, op, lib.ResultProtocolError, ldap.Result{Message: err.Error()})
		}
		code, result = d.compare(req)
	case lib.OpExtendedRequest:
		req, err := ldap.UnmarshalExtendedRequest(p.Body)
		if err != nil {
			return reply(conn, id, op, lib.ResultProtocolError, ldap.Result{Message: err.Error()})
		}
		code, result = d.extended(conn, req)
	default:
		code, result = lib.ResultProtocolError, ldap.Result{Message: "unsupported operation " + lib.OpName(p.Op)}
	}

	return reply(conn, id, op, code, result)
}

func (d *Directory) bind(conn *lib.Conn, req ldap.BindRequest) (lib.ResultCode, ldap.Result) {
	dn, err := normalize(req.Name)
	if err != nil {
		return lib.ResultInvalidDNSyntax, ldap.Result{Message: err.Error()}
	}

	d.smu.Lock()
	defer d.smu.Unlock()
	s := d.session(conn)

	switch req.Mechanism {
	case "":
		s.challenge = nil
		if dn == "" && len(req.Credentials) == 0 {
			s.bound = ""
			return lib.ResultSuccess, ldap.Result{}
		}

		entry, ok := d.Get(dn)
		if !ok || !hasExact(entry.Get("userPassword"), string(req.Credentials)) {
			return lib.ResultInvalidCredentials, ldap.Result{Message: "invalid credentials"}
		}
		s.bound = dn
		return lib.ResultSuccess, ldap.Result{}

	case ldap.MechanismEd25519Challenge:
		if len(req.Credentials) == 0 {
			challenge := make([]byte, challengeSize)
			if _, err := rand.Read(challenge); err != nil {
				return lib.ResultOperationsError, ldap.Result{Message: err.Error()}
			}
			s.challenge, s.dn = challenge, dn
			return lib.ResultSaslBindInProgress, ldap.Result{Data: challenge}
		}

		challenge := s.challenge
		s.challenge = nil
		if challenge == nil || s.dn != dn {
			return lib.ResultProtocolError, ldap.Result{Message: "no challenge outstanding for " + req.Name}
		}

		d.mu.RLock()
		pub, ok := d.keys[dn]
		d.mu.RUnlock()

		if !ok || len(req.Credentials) != ed25519.SignatureSize ||
			!ed25519.Verify(pub[:], ldap.ChallengeDigest(challenge, req.Name), req.Credentials) {
			return lib.ResultInvalidCredentials, ldap.Result{Message: "signature rejected"}
		}
		s.bound = dn
		return lib.ResultSuccess, ldap.Result{}
	}

	return lib.ResultAuthMethodNotSupported, ldap.Result{Message: "unsupported mechanism " + req.Mechanism}
}

func hasExact(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func (d *Directory) search(conn *lib.Conn, id uint32, req ldap.SearchRequest) error {
	done := func(code lib.ResultCode, result ldap.Result) error {
		return reply(conn, id, lib.OpSearchResultDone, code, result)
	}

	f, err := parseFilter(req.Filter)
	if err != nil {
		return done(lib.ResultProtocolError, ldap.Result{Message: err.Error()})
	}

	base, err := normalize(req.BaseDN)
	if err != nil {
		return done(lib.ResultInvalidDNSyntax, ldap.Result{Message: err.Error()})
	}

	d.mu.RLock()
	if _, ok := d.entries[base]; !ok && base != "" {
		matched := d.matched(base)
		d.mu.RUnlock()
		return done(lib.ResultNoSuchObject, ldap.Result{MatchedDN: matched})
	}

	type match struct {
		key   string
		depth int
		entry ldap.Entry
	}

	var matches []match
	for dn, entry := range d.entries {
		entry := entry
		if inScope(dn, base, req.Scope) && f.match(&entry) {
			matches = append(matches, match{key: dn, depth: depth(dn), entry: cloneEntry(entry)})
		}
	}
	d.mu.RUnlock()

	// parents before children, siblings by name
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].depth != matches[j].depth {
			return matches[i].depth < matches[j].depth
		}
		return matches[i].key < matches[j].key
	})

	sent := uint32(0)
	for _, m := range matches {
		entry := m.entry
		if refs := entry.Get("ref"); len(refs) > 0 && hasValue(entry.Get("objectClass"), "referral") && m.key != base {
			if err := conn.Reply(id, &lib.Packet{Op: lib.OpSearchResultReference, Body: ldap.Referral(refs).AppendTo(nil)}); err != nil {
				return err
			}
			continue
		}

		if req.SizeLimit > 0 && sent == req.SizeLimit {
			return done(lib.ResultSizeLimitExceeded, ldap.Result{})
		}
		entry = selectAttributes(entry, req.Attributes, req.TypesOnly)
		if err := conn.Reply(id, &lib.Packet{Op: lib.OpSearchResultEntry, Body: entry.AppendTo(nil)}); err != nil {
			return err
		}
		sent++
	}

	return done(lib.ResultSuccess, ldap.Result{})
}

// matched returns the longest existing suffix of dn. Callers hold d.mu.
func (d *Directory) matched(dn string) string {
	for dn != "" {
		dn = parentOf(dn)
		if e, ok := d.entries[dn]; ok {
			return e.DN
		}
	}
	return ""
}

func (d *Directory) add(entry ldap.Entry) (lib.ResultCode, ldap.Result) {
	dn, err := normalize(entry.DN)
	if err != nil {
		return lib.ResultInvalidDNSyntax, ldap.Result{Message: err.Error()}
	}
	if dn == "" {
		return lib.ResultInvalidDNSyntax, ldap.Result{Message: "empty dn"}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.entries[dn]; exists {
		return lib.ResultEntryAlreadyExists, ldap.Result{}
	}
	if parent := parentOf(dn); parent != "" {
		if _, ok := d.entries[parent]; !ok {
			return lib.ResultNoSuchObject, ldap.Result{MatchedDN: d.matched(dn)}
		}
	}
	d.entries[dn] = cloneEntry(entry)
	return lib.ResultSuccess, ldap.Result{}
}

func (d *Directory) modify(req ldap.ModifyRequest) (lib.ResultCode, ldap.Result) {
	dn, err := normalize(req.DN)
	if err != nil {
		return lib.ResultInvalidDNSyntax, ldap.Result{Message: err.Error()}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	current, ok := d.entries[dn]
	if !ok {
		return lib.ResultNoSuchObject, ldap.Result{MatchedDN: d.matched(dn)}
	}

	entry := cloneEntry(current)
	for _, change := range req.Changes {
		if code := applyChange(&entry, change); code != lib.ResultSuccess {
			return code, ldap.Result{Message: change.Attribute.Name}
		}
	}
	d.entries[dn] = entry
	return lib.ResultSuccess, ldap.Result{}
}

func (d *Directory) hasChildren(dn string) bool {
	for other := range d.entries {
		if parentOf(other) == dn {
			return true
		}
	}
	return false
}

func (d *Directory) delete(raw string) (lib.ResultCode, ldap.Result) {
	dn, err := normalize(raw)
	if err != nil {
		return lib.ResultInvalidDNSyntax, ldap.Result{Message: err.Error()}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.entries[dn]; !ok {
		return lib.ResultNoSuchObject, ldap.Result{MatchedDN: d.matched(dn)}
	}
	if d.hasChildren(dn) {
		return lib.ResultNotAllowedOnNonLeaf, ldap.Result{}
	}
	delete(d.entries, dn)
	return lib.ResultSuccess, ldap.Result{}
}

func (d *Directory) modifyDN(req ldap.ModifyDNRequest) (lib.ResultCode, ldap.Result) {
	dn, err := normalize(req.DN)
	if err != nil {
		return lib.ResultInvalidDNSyntax, ldap.Result{Message: err.Error()}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	current, ok := d.entries[dn]
	if !ok {
		return lib.ResultNoSuchObject, ldap.Result{MatchedDN: d.matched(dn)}
	}
	if d.hasChildren(dn) {
		return lib.ResultNotAllowedOnNonLeaf, ldap.Result{}
	}

	attr, value, err := rdnOf(req.NewRDN)
	if err != nil || attr == "" || value == "" {
		return lib.ResultInvalidDNSyntax, ldap.Result{Message: req.NewRDN}
	}

	superior := superiorOf(current.DN)
	if req.NewSuperior != "" {
		parent, err := normalize(req.NewSuperior)
		if err != nil {
			return lib.ResultInvalidDNSyntax, ldap.Result{Message: err.Error()}
		}
		if _, ok := d.entries[parent]; !ok {
			return lib.ResultNoSuchObject, ldap.Result{MatchedDN: d.matched(parent)}
		}
		superior = req.NewSuperior
	}

	newDN := strings.TrimSpace(req.NewRDN)
	if superior != "" {
		newDN += "," + superior
	}
	newKey, err := normalize(newDN)
	if err != nil {
		return lib.ResultInvalidDNSyntax, ldap.Result{Message: err.Error()}
	}
	if _, exists := d.entries[newKey]; exists {
		return lib.ResultEntryAlreadyExists, ldap.Result{}
	}

	entry := cloneEntry(current)
	entry.DN = newDN
	if req.DeleteOldRDN {
		if oldAttr, oldValue, err := rdnOf(current.DN); err == nil {
			applyChange(&entry, ldap.Change{Op: ldap.ChangeDelete, Attribute: ldap.Attribute{Name: oldAttr, Values: []string{oldValue}}})
		}
	}
	if !hasValue(entry.Get(attr), value) {
		applyChange(&entry, ldap.Change{Op: ldap.ChangeAdd, Attribute: ldap.Attribute{Name: attr, Values: []string{value}}})
	}

	delete(d.entries, dn)
	d.entries[newKey] = entry
	return lib.ResultSuccess, ldap.Result{}
}

func (d *Directory) compare(req ldap.CompareRequest) (lib.ResultCode, ldap.Result) {
	entry, ok := d.Get(req.DN)
	if !ok {
		return lib.ResultNoSuchObject, ldap.Result{}
	}
	values := entry.Get(req.Attribute)
	if values == nil {
		return lib.ResultNoSuchAttribute, ldap.Result{Message: req.Attribute}
	}
	if hasValue(values, req.Value) {
		return lib.ResultCompareTrue, ldap.Result{}
	}
	return lib.ResultCompareFalse, ldap.Result{}
}

func (d *Directory) extended(conn *lib.Conn, req ldap.ExtendedRequest) (lib.ResultCode, ldap.Result) {
	if req.Name != OIDWhoAmI {
		return lib.ResultProtocolError, ldap.Result{Message: "unsupported extended operation " + req.Name}
	}

	d.smu.Lock()
	bound := d.session(conn).bound
	d.smu.Unlock()

	if bound == "" {
		return lib.ResultSuccess, ldap.Result{}
	}
	return lib.ResultSuccess, ldap.Result{Data: []byte("dn:" + bound)}
}
