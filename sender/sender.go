// Package sender turns an outbound plaintext payload into the `message`
// stanza(s) actually written to the wire: per-device session encryption
// for 1:1 chats, sender-key fan-out for groups, message-id generation,
// and PKCS7-style padding before encryption (spec.md §4.H, component H).
// It is grounded on the teacher's async.Client (per-recipient encrypt +
// send loop) and group.Chat (symmetric fan-out), generalized from Tox's
// flat friend-id addressing to WhatsApp's per-device session fan-out.
package sender

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Kunboruto20/borutowaileys-library/binarynode"
	"github.com/Kunboruto20/borutowaileys-library/jid"
)

// messageIDPrefix matches the "3EB0" prefix official clients use for
// client-generated stanza ids (spec.md §4.H "message-id generation").
const messageIDPrefix = "3EB0"

// GenerateMessageID returns a 44-byte, uppercase-hex stanza id: the fixed
// "3EB0" prefix followed by a SHA-256 digest of fresh random bytes,
// truncated to fill out the remaining length.
func GenerateMessageID() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("sender: generating message id entropy: %w", err)
	}
	sum := sha256.Sum256(raw)
	hexDigest := hex.EncodeToString(sum[:])
	id := messageIDPrefix + hexDigest
	const targetLen = 44
	if len(id) > targetLen {
		id = id[:targetLen]
	}
	return upper(id), nil
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

// padPKCS7 pads plaintext to the next 16-byte boundary before encryption,
// mirroring the teacher's fixed-size friend-message padding, generalized
// from a fixed pad length to PKCS7 so arbitrary-length application
// payloads round-trip (spec.md §4.H "padding before encryption").
func padPKCS7(data []byte) []byte {
	const blockSize = 16
	padLen := blockSize - (len(data) % blockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("sender: cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > 16 {
		return nil, fmt.Errorf("sender: invalid padding")
	}
	return data[:len(data)-padLen], nil
}

// DeviceEncrypter is the per-device session encrypt surface; satisfied
// by an adapter over *signalcipher.SessionCipher (or, for a device with
// no session yet, one that runs ProcessPreKeyBundle first).
type DeviceEncrypter interface {
	// Encrypt returns the ciphertext and the envelope type to set on the
	// `enc` node's type attribute ("pkmsg" for a session's first message,
	// "msg" afterward).
	Encrypt(ctx context.Context, device jid.JID, plaintext []byte) (ciphertext []byte, envelopeType string, err error)
}

// GroupEncrypter is the sender-key fan-out surface for one group.
type GroupEncrypter interface {
	Encrypt(ctx context.Context, group jid.JID, plaintext []byte) (ciphertext []byte, err error)
	// Participants returns the current member list; members we have not
	// yet sent our sender key to also get the sender-key distribution,
	// sent 1-to-1 in a pkmsg/msg envelope.
	Participants(ctx context.Context, group jid.JID) ([]jid.JID, error)
	// Distribution returns the serialized sender-key distribution
	// message to send, 1-to-1, to any participant who hasn't seen our
	// current sender key yet (spec.md §4.H "group fan-out via
	// sender-key-memory tracking").
	Distribution(ctx context.Context, group jid.JID) ([]byte, error)
}

// Transmitter writes a fully built node to the wire, implemented by the
// client's Send method.
type Transmitter interface {
	Send(ctx context.Context, n binarynode.BinaryNode) error
}

// Sender builds and transmits outbound message stanzas.
type Sender struct {
	log       *logrus.Logger
	transmit  Transmitter
	devices   DeviceEncrypter
	groups    GroupEncrypter

	sentSenderKeyMu sync.Mutex
	sentSenderKey   map[string]map[string]bool // group -> participant -> sent
}

// New constructs a Sender. A nil logger defaults to logrus.StandardLogger().
func New(transmit Transmitter, devices DeviceEncrypter, groups GroupEncrypter, log *logrus.Logger) *Sender {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sender{
		log:           log,
		transmit:      transmit,
		devices:       devices,
		groups:        groups,
		sentSenderKey: make(map[string]map[string]bool),
	}
}

// SendToDevices encrypts plaintext independently for each device in
// devices and transmits one `message` stanza per device (spec.md §4.H
// "one-to-one device resolution + per-device encrypt"). The caller is
// responsible for resolving which devices a user jid currently has
// (a §4.F iq round-trip, out of this package's scope).
func (s *Sender) SendToDevices(ctx context.Context, devices []jid.JID, plaintext []byte) (string, error) {
	id, err := GenerateMessageID()
	if err != nil {
		return "", err
	}
	padded := padPKCS7(plaintext)

	for _, device := range devices {
		ciphertext, envelopeType, err := s.devices.Encrypt(ctx, device, padded)
		if err != nil {
			return "", fmt.Errorf("sender: encrypting for %s: %w", device.String(), err)
		}
		n := binarynode.BinaryNode{
			Tag: "message",
			Attrs: map[string]string{
				"id":   id,
				"to":   device.String(),
				"type": "text",
			},
			Content: binarynode.NodeList{
				{Tag: "enc", Attrs: map[string]string{"type": envelopeType, "v": "2"}, Content: binarynode.Bytes(ciphertext)},
			},
		}
		if err := s.transmit.Send(ctx, n); err != nil {
			return "", fmt.Errorf("sender: sending to %s: %w", device.String(), err)
		}
	}
	return id, nil
}

// SendToGroup encrypts plaintext once under our sender key and sends it
// to the group jid as one `skmsg` envelope, first sending a one-time
// sender-key distribution (a 1-to-1 pkmsg/msg envelope) to any
// participant who hasn't seen it yet
// (spec.md §4.H "group fan-out via sender-key-memory tracking").
func (s *Sender) SendToGroup(ctx context.Context, group jid.JID, plaintext []byte) (string, error) {
	id, err := GenerateMessageID()
	if err != nil {
		return "", err
	}
	padded := padPKCS7(plaintext)

	// Distribute to any unseen participant before advancing our own
	// sender-key ratchet below: Distribution must hand out the chain
	// state as it stands *before* this message, or a brand-new
	// participant's first ratchet step won't reproduce the message key
	// Encrypt is about to seal with.
	participants, err := s.groups.Participants(ctx, group)
	if err != nil {
		return "", fmt.Errorf("sender: resolving participants of %s: %w", group.String(), err)
	}
	for _, p := range participants {
		if s.hasSentSenderKey(group, p) {
			continue
		}
		s.log.WithFields(logrus.Fields{"group": group.String(), "to": p.String()}).
			Debug("sender: distributing sender key before first group message")
		if err := s.sendDistribution(ctx, group, p); err != nil {
			return "", err
		}
		s.markSentSenderKey(group, p)
	}

	ciphertext, err := s.groups.Encrypt(ctx, group, padded)
	if err != nil {
		return "", fmt.Errorf("sender: group-encrypting for %s: %w", group.String(), err)
	}

	n := binarynode.BinaryNode{
		Tag: "message",
		Attrs: map[string]string{
			"id":   id,
			"to":   group.String(),
			"type": "text",
		},
		Content: binarynode.NodeList{
			{Tag: "enc", Attrs: map[string]string{"type": "skmsg", "v": "2"}, Content: binarynode.Bytes(ciphertext)},
		},
	}
	if err := s.transmit.Send(ctx, n); err != nil {
		return "", fmt.Errorf("sender: sending to group %s: %w", group.String(), err)
	}
	return id, nil
}

// sendDistribution sends the one-time sender-key distribution a
// participant needs, 1-to-1, before it can open our skmsg ciphertext
// (spec.md §4.H, seed test #4: "3 pkmsg envelopes (distribution) plus 1
// skmsg" on first group send).
func (s *Sender) sendDistribution(ctx context.Context, group, participant jid.JID) error {
	distribution, err := s.groups.Distribution(ctx, group)
	if err != nil {
		return fmt.Errorf("sender: fetching sender-key distribution for %s: %w", group.String(), err)
	}
	ciphertext, envelopeType, err := s.devices.Encrypt(ctx, participant, padPKCS7(distribution))
	if err != nil {
		return fmt.Errorf("sender: encrypting sender-key distribution for %s: %w", participant.String(), err)
	}
	id, err := GenerateMessageID()
	if err != nil {
		return err
	}
	n := binarynode.BinaryNode{
		Tag: "message",
		Attrs: map[string]string{
			"id":       id,
			"to":       participant.String(),
			"type":     "text",
			"category": "sender-key-distribution",
			"group":    group.String(),
		},
		Content: binarynode.NodeList{
			{Tag: "enc", Attrs: map[string]string{"type": envelopeType, "v": "2"}, Content: binarynode.Bytes(ciphertext)},
		},
	}
	if err := s.transmit.Send(ctx, n); err != nil {
		return fmt.Errorf("sender: sending sender-key distribution to %s: %w", participant.String(), err)
	}
	return nil
}

func (s *Sender) hasSentSenderKey(group, participant jid.JID) bool {
	s.sentSenderKeyMu.Lock()
	defer s.sentSenderKeyMu.Unlock()
	return s.sentSenderKey[group.String()][participant.String()]
}

func (s *Sender) markSentSenderKey(group, participant jid.JID) {
	s.sentSenderKeyMu.Lock()
	defer s.sentSenderKeyMu.Unlock()
	m := s.sentSenderKey[group.String()]
	if m == nil {
		m = make(map[string]bool)
		s.sentSenderKey[group.String()] = m
	}
	m[participant.String()] = true
}
