package signalcipher

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
)

// distributionWireLen is the fixed size of a marshaled
// SenderKeyDistribution: 4-byte chain id, 4-byte iteration, 32-byte chain
// key, 32-byte signing public key.
const distributionWireLen = 4 + 4 + 32 + 32

// Marshal serializes the distribution to the fixed-length wire form sent,
// 1-to-1, as the plaintext of a pkmsg/msg envelope (spec.md §4.H; this
// engine carries the distribution as an ordinary encrypted message body
// rather than a dedicated protobuf field, see DESIGN.md).
func (d SenderKeyDistribution) Marshal() []byte {
	out := make([]byte, distributionWireLen)
	binary.BigEndian.PutUint32(out[0:4], d.ChainID)
	binary.BigEndian.PutUint32(out[4:8], d.Iteration)
	copy(out[8:40], d.ChainKey[:])
	copy(out[40:72], d.SigningPub[:])
	return out
}

// UnmarshalSenderKeyDistribution parses the wire form Marshal produces.
func UnmarshalSenderKeyDistribution(data []byte) (SenderKeyDistribution, error) {
	if len(data) != distributionWireLen {
		return SenderKeyDistribution{}, fmt.Errorf("signalcipher: malformed sender-key distribution (%d bytes)", len(data))
	}
	var d SenderKeyDistribution
	d.ChainID = binary.BigEndian.Uint32(data[0:4])
	d.Iteration = binary.BigEndian.Uint32(data[4:8])
	copy(d.ChainKey[:], data[8:40])
	copy(d.SigningPub[:], data[40:72])
	return d, nil
}

// SenderKeyState is one sender's symmetric ratchet for a single group,
// installed from a sender-key distribution (received 1-to-1 inside a
// pkmsg/msg envelope) and advanced on every
// group message that sender sends (spec.md §4.D "group sender-key
// fan-out"). Grounded on the teacher's group.Chat symmetric session
// key rotation, generalized from Tox's per-group shared key to a
// per-(group,sender) ratcheting chain.
type SenderKeyState struct {
	ChainID   uint32
	Iteration uint32
	ChainKey  [32]byte
	SigningPub  [32]byte
}

// SenderKeyDistribution is the payload a new group member (or a member
// rotating their key) sends once, 1-to-1 inside a pkmsg/msg envelope, out
// of band of the per-message ratchet.
type SenderKeyDistribution struct {
	ChainID    uint32
	Iteration  uint32
	ChainKey   [32]byte
	SigningPub [32]byte
}

// GroupCipher fans a single group's sender-key traffic out for install
// (inbound, one per sender) and encrypt (outbound, our own sender key).
type GroupCipher struct {
	mu     sync.Mutex
	ownKey *SenderKeyState
	peers  map[string]*SenderKeyState // keyed by sender address
}

// NewGroupCipher creates an empty cipher for one group.
func NewGroupCipher() *GroupCipher {
	return &GroupCipher{peers: make(map[string]*SenderKeyState)}
}

// InstallDistribution records a peer's sender-key distribution so their
// subsequent skmsg ciphertexts can be opened.
func (g *GroupCipher) InstallDistribution(senderAddress string, dist SenderKeyDistribution) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers[senderAddress] = &SenderKeyState{
		ChainID:    dist.ChainID,
		Iteration:  dist.Iteration,
		ChainKey:   dist.ChainKey,
		SigningPub: dist.SigningPub,
	}
}

// HasOwnSenderKey reports whether we have already installed a sender key
// for this group, so a caller can skip generating fresh seed material for
// a chain that already exists.
func (g *GroupCipher) HasOwnSenderKey() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ownKey != nil
}

// OwnDistribution returns the distribution message to (re-)send when we
// join the group or rotate our sender key, creating one first if absent.
func (g *GroupCipher) OwnDistribution(signingPub [32]byte, chainID uint32, seed [32]byte) SenderKeyDistribution {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ownKey == nil {
		g.ownKey = &SenderKeyState{ChainID: chainID, ChainKey: seed, SigningPub: signingPub}
	}
	return SenderKeyDistribution{
		ChainID:    g.ownKey.ChainID,
		Iteration:  g.ownKey.Iteration,
		ChainKey:   g.ownKey.ChainKey,
		SigningPub: g.ownKey.SigningPub,
	}
}

// CurrentOwnDistribution returns the distribution message for our
// already-installed sender key, without creating one. ok is false if
// OwnDistribution has never been called for this group.
func (g *GroupCipher) CurrentOwnDistribution() (dist SenderKeyDistribution, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ownKey == nil {
		return SenderKeyDistribution{}, false
	}
	return SenderKeyDistribution{
		ChainID:    g.ownKey.ChainID,
		Iteration:  g.ownKey.Iteration,
		ChainKey:   g.ownKey.ChainKey,
		SigningPub: g.ownKey.SigningPub,
	}, true
}

// Encrypt advances our own sender-key chain and seals plaintext for
// fan-out to every group member.
func (g *GroupCipher) Encrypt(plaintext []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ownKey == nil {
		return nil, fmt.Errorf("signalcipher: no sender key installed for this group")
	}
	msgKey, nextChain := ratchetChainKey(g.ownKey.ChainKey)
	g.ownKey.ChainKey = nextChain
	g.ownKey.Iteration++
	return sealWithCounter(msgKey, g.ownKey.Iteration, plaintext)
}

// Decrypt opens ciphertext sent by senderAddress, advancing their
// installed chain. Returns an error if no distribution has been seen yet
// for that sender (spec.md §4.D: the sender-key distribution must arrive
// before that sender's skmsg can be opened).
func (g *GroupCipher) Decrypt(senderAddress string, ciphertext []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.peers[senderAddress]
	if !ok {
		return nil, fmt.Errorf("signalcipher: no sender-key distribution installed for %s", senderAddress)
	}
	msgKey, nextChain := ratchetChainKey(state.ChainKey)
	iteration := state.Iteration + 1

	plaintext, err := openWithCounter(msgKey, iteration, ciphertext)
	if err != nil {
		return nil, err
	}
	state.ChainKey = nextChain
	state.Iteration = iteration
	return plaintext, nil
}

// ChainIDFromGroup derives a stable chain id from a group jid string and
// our own identity, so rotations can be distinguished without a central
// counter authority.
func ChainIDFromGroup(groupJID, ownIdentity string) uint32 {
	sum := sha256.Sum256([]byte(groupJID + "|" + ownIdentity))
	return uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
}
