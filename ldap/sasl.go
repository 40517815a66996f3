package ldap

import (
	"errors"

	"github.com/lithdew/kademlia"
	"golang.org/x/crypto/blake2b"
)

// Mechanism drives the client side of a SASL bind.
type Mechanism interface {
	Name() string
	// Identity is the name the bind authenticates as.
	Identity() string
	// Start returns the credentials of the first round trip.
	Start() ([]byte, error)
	// Next answers a server challenge with the credentials of the next
	// round trip.
	Next(challenge []byte) ([]byte, error)
}

const MechanismEd25519Challenge = "ED25519-CHALLENGE"

var errEmptyChallenge = errors.New("empty challenge")

// Ed25519Challenge authenticates by signing a server nonce. The first round
// trip carries no credentials; the server answers with a challenge, and the
// second round trip carries the signature of ChallengeDigest.
type Ed25519Challenge struct {
	DN  string
	Key kademlia.PrivateKey
}

func (m *Ed25519Challenge) Name() string { return MechanismEd25519Challenge }

func (m *Ed25519Challenge) Identity() string { return m.DN }

func (m *Ed25519Challenge) Start() ([]byte, error) { return nil, nil }

func (m *Ed25519Challenge) Next(challenge []byte) ([]byte, error) {
	if len(challenge) == 0 {
		return nil, errEmptyChallenge
	}
	sig := m.Key.Sign(ChallengeDigest(challenge, m.DN))
	return sig[:], nil
}

// ChallengeDigest is the message signed in answer to challenge.
func ChallengeDigest(challenge []byte, identity string) []byte {
	buf := make([]byte, 0, len(challenge)+len(identity))
	buf = append(buf, challenge...)
	buf = append(buf, identity...)

	sum := blake2b.Sum256(buf)
	return sum[:]
}

// GenerateKey returns a fresh key pair for Ed25519Challenge.
func GenerateKey() (kademlia.PublicKey, kademlia.PrivateKey, error) {
	return kademlia.GenerateKeys(nil)
}
