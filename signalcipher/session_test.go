package signalcipher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(seed byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = seed + byte(i)
	}
	return k
}

func TestSessionEstablishmentAndRoundTrip(t *testing.T) {
	aliceIdentityPriv := key(1)
	aliceIdentityPub, err := x25519(aliceIdentityPriv)
	require.NoError(t, err)

	bobIdentityPriv := key(10)
	bobIdentityPub, err := x25519(bobIdentityPriv)
	require.NoError(t, err)

	bobSignedPreKeyPriv := key(20)
	bobSignedPreKeyPub, err := x25519(bobSignedPreKeyPriv)
	require.NoError(t, err)

	alice := NewSessionCipher(LocalIdentity{IdentityPriv: aliceIdentityPriv, IdentityPub: aliceIdentityPub}, nil, nil)
	bob := NewSessionCipher(LocalIdentity{IdentityPriv: bobIdentityPriv, IdentityPub: bobIdentityPub}, nil, nil)

	bundle := PreKeyBundle{
		IdentityKey:        bobIdentityPub,
		SignedPreKeyPublic: bobSignedPreKeyPub,
	}
	ephemeralPriv := key(30)
	ephemeralPub, err := alice.ProcessPreKeyBundle("bob.1", bundle, ephemeralPriv)
	require.NoError(t, err)
	assert.True(t, alice.HasSession())

	require.NoError(t, bob.AcceptPreKeyMessage(aliceIdentityPub, ephemeralPub, bobSignedPreKeyPriv, nil))
	assert.True(t, bob.HasSession())

	ct, err := alice.Encrypt([]byte("hello bob"))
	require.NoError(t, err)
	pt, err := bob.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(pt))

	// A reply travels on bob's send chain / alice's recv chain.
	reply, err := bob.Encrypt([]byte("hi alice"))
	require.NoError(t, err)
	got, err := alice.Decrypt(reply)
	require.NoError(t, err)
	assert.Equal(t, "hi alice", string(got))
}

func TestEncryptWithoutSessionErrors(t *testing.T) {
	c := NewSessionCipher(LocalIdentity{}, nil, nil)
	_, err := c.Encrypt([]byte("x"))
	assert.Error(t, err)
}

func TestTrustFuncRejection(t *testing.T) {
	local := LocalIdentity{IdentityPriv: key(1)}
	local.IdentityPub, _ = x25519(local.IdentityPriv)

	rejecting := func(string, [32]byte) error { return ErrUntrustedIdentity }
	c := NewSessionCipher(local, nil, rejecting)

	bundle := PreKeyBundle{IdentityKey: key(99)}
	_, err := c.ProcessPreKeyBundle("mallory.1", bundle, key(5))
	assert.ErrorIs(t, err, ErrUntrustedIdentity)
	assert.False(t, c.HasSession())
}

func TestGroupCipherEncryptDecrypt(t *testing.T) {
	g1 := NewGroupCipher() // sender
	g2 := NewGroupCipher() // receiver

	signingPub := key(7)
	dist := g1.OwnDistribution(signingPub, 42, key(50))
	g2.InstallDistribution("alice.1", dist)

	ct, err := g1.Encrypt([]byte("group hello"))
	require.NoError(t, err)
	pt, err := g2.Decrypt("alice.1", ct)
	require.NoError(t, err)
	assert.Equal(t, "group hello", string(pt))

	// Chain must have advanced: repeating the same ciphertext elsewhere
	// must not decrypt against the now-ratcheted receiver state.
	_, err = g2.Decrypt("alice.1", ct)
	assert.Error(t, err)
}

func TestGroupCipherDecryptWithoutDistributionErrors(t *testing.T) {
	g := NewGroupCipher()
	_, err := g.Decrypt("nobody.1", []byte("irrelevant"))
	assert.Error(t, err)
}
