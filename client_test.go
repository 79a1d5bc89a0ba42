package waengine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kunboruto20/borutowaileys-library/jid"
	"github.com/Kunboruto20/borutowaileys-library/signalcipher"
	"github.com/Kunboruto20/borutowaileys-library/signalstore"
)

// newTestClient builds a Client with a throwaway credential set and an
// in-memory key store; none of these tests dial a transport.
func newTestClient() *Client {
	creds := signalstore.InitAuthCreds(
		1,
		signalstore.KeyPair{},
		signalstore.KeyPair{},
		signalstore.KeyPair{Public: [32]byte{1}},
		signalstore.SignedPreKey{},
		[32]byte{},
	)
	return New(creds, signalstore.NewMemoryKeyStore(), nil)
}

func TestSetGroupParticipantsWiresIntoGroupEncrypter(t *testing.T) {
	c := newTestClient()
	group := jid.NewGroupJID("12345")
	members := []jid.JID{jid.NewUserJID("1", 0), jid.NewUserJID("2", 0)}

	c.SetGroupParticipants(group, members)

	got, err := (groupEncrypter{c}).Participants(context.Background(), group)
	require.NoError(t, err)
	assert.Equal(t, members, got)
}

func TestGroupParticipantsEmptyBeforeSet(t *testing.T) {
	c := newTestClient()
	got, err := (groupEncrypter{c}).Participants(context.Background(), jid.NewGroupJID("99999"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestGroupDistributionReflectsPreEncryptState is a regression test for the
// sender-key fan-out ordering bug: Distribution must hand out the chain
// state as it stood *before* the next Encrypt call, or a brand-new
// participant's first ratchet step won't reproduce the message key that
// call seals with (sender.SendToGroup distributes before encrypting for
// exactly this reason).
func TestGroupDistributionReflectsPreEncryptState(t *testing.T) {
	c := newTestClient()
	group := jid.NewGroupJID("999")
	ge := groupEncrypter{c}

	distBytes, err := ge.Distribution(context.Background(), group)
	require.NoError(t, err)

	ciphertext, err := ge.Encrypt(context.Background(), group, []byte("hello, group"))
	require.NoError(t, err)

	dist, err := signalcipher.UnmarshalSenderKeyDistribution(distBytes)
	require.NoError(t, err)

	peer := signalcipher.NewGroupCipher()
	peer.InstallDistribution("sender-address", dist)

	plaintext, err := peer.Decrypt("sender-address", ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hello, group", string(plaintext))
}

// TestSenderKeyDistributionReceivedInstallsCipher confirms the inbound path
// (Client.SenderKeyDistributionReceived) installs a peer's distribution
// into the right group's cipher, keyed consistently with the rest of the
// group-cipher bookkeeping.
func TestSenderKeyDistributionReceivedInstallsCipher(t *testing.T) {
	c := newTestClient()
	group := jid.NewGroupJID("555")
	sender := jid.NewUserJID("77", 0)

	senderCipher := signalcipher.NewGroupCipher()
	dist := senderCipher.OwnDistribution([32]byte{9}, 42, [32]byte{1, 2, 3})
	ciphertext, err := senderCipher.Encrypt([]byte("hi"))
	require.NoError(t, err)

	c.SenderKeyDistributionReceived(sender, group, dist.Marshal())

	got, err := c.groupCipherFor(group.String()).Decrypt(sender.SignalAddress(), ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
}

// TestSenderKeyDistributionReceivedDropsMalformedPayload confirms a
// malformed distribution is dropped rather than installed or panicking.
func TestSenderKeyDistributionReceivedDropsMalformedPayload(t *testing.T) {
	c := newTestClient()
	group := jid.NewGroupJID("556")
	sender := jid.NewUserJID("78", 0)

	c.SenderKeyDistributionReceived(sender, group, []byte("too short"))

	_, err := c.groupCipherFor(group.String()).Decrypt(sender.SignalAddress(), []byte("anything"))
	assert.Error(t, err, "no distribution should have been installed")
}

// TestResetSessionForDropsGroupCipher confirms resetSessionFor and
// groupCipherFor key a group the same way, so a reset actually takes
// effect on the next lookup instead of silently missing.
func TestResetSessionForDropsGroupCipher(t *testing.T) {
	c := newTestClient()
	group := jid.NewGroupJID("321")

	first := c.groupCipherFor(group.String())
	c.resetSessionFor(group)
	second := c.groupCipherFor(group.String())

	assert.NotSame(t, first, second)
}

// TestResetSessionForDropsDeviceSession is the 1:1 analogue of the above,
// for sessionFor's address-keyed cache.
func TestResetSessionForDropsDeviceSession(t *testing.T) {
	c := newTestClient()
	device := jid.NewUserJID("42", 1)

	first := c.sessionFor(device.SignalAddress())
	c.resetSessionFor(device)
	second := c.sessionFor(device.SignalAddress())

	assert.NotSame(t, first, second)
}

// TestHandleDisconnectFatalStopsWithoutReconnectGoroutine confirms a
// loggedOut disconnect is classified as fatal, marks itself permanent, and
// never spawns a reconnect attempt (spec.md §4.I/§7).
func TestHandleDisconnectFatalStopsWithoutReconnectGoroutine(t *testing.T) {
	c := newTestClient()

	var got Disconnected
	On(c, func(d Disconnected) { got = d })

	c.handleDisconnect(errors.New("loggedOut"))

	assert.True(t, got.Permanent)
	assert.Equal(t, StateDisconnected, c.State())
}

// TestHandleDisconnectAuthClearEmitsEvent confirms the badSession bucket
// both stops reconnecting and fires AuthClearRequired so the embedder knows
// to wipe its credential store (spec.md §4.I, seed test #5).
func TestHandleDisconnectAuthClearEmitsEvent(t *testing.T) {
	c := newTestClient()

	var gotClear AuthClearRequired
	var clearFired bool
	On(c, func(e AuthClearRequired) { gotClear = e; clearFired = true })

	var gotDisc Disconnected
	On(c, func(d Disconnected) { gotDisc = d })

	c.handleDisconnect(errors.New("badSession"))

	require.True(t, clearFired)
	assert.Equal(t, "badSession", gotClear.Reason)
	assert.True(t, gotDisc.Permanent)
}
