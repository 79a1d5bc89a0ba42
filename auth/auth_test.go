package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kunboruto20/borutowaileys-library/signalstore"
)

func TestQRPayloadStringFormat(t *testing.T) {
	creds := signalstore.InitAuthCreds(1, signalstore.KeyPair{}, signalstore.KeyPair{}, signalstore.KeyPair{}, signalstore.SignedPreKey{}, [32]byte{})
	p := NewQRPayload("ref-123", creds)
	s := p.String()
	parts := strings.Split(s, ",")
	require.Len(t, parts, 4)
	assert.Equal(t, "ref-123", parts[0])
}

func TestGeneratePairingCodeFormat(t *testing.T) {
	code, err := GeneratePairingCode([]byte("some-salt"))
	require.NoError(t, err)
	assert.Len(t, code.Code, 9) // 4 chars, dash, 4 chars
	assert.Equal(t, byte('-'), code.Code[4])
}

func TestEncryptCompanionEphemeralIsDeterministicForSameCode(t *testing.T) {
	code, err := GeneratePairingCode([]byte("salt"))
	require.NoError(t, err)

	var ephemeral [32]byte
	for i := range ephemeral {
		ephemeral[i] = byte(i)
	}

	ct1, err := code.EncryptCompanionEphemeral(ephemeral)
	require.NoError(t, err)
	ct2, err := code.EncryptCompanionEphemeral(ephemeral)
	require.NoError(t, err)
	assert.Equal(t, ct1, ct2)
	assert.NotEqual(t, ephemeral, ct1)
}

func TestDeriveAdvSecretIsStableForSameSeed(t *testing.T) {
	var seed [32]byte
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	a, err := DeriveAdvSecret(seed)
	require.NoError(t, err)
	b, err := DeriveAdvSecret(seed)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestBuildClientPayloadFreshVsReconnect(t *testing.T) {
	creds := signalstore.InitAuthCreds(7, signalstore.KeyPair{}, signalstore.KeyPair{}, signalstore.KeyPair{}, signalstore.SignedPreKey{}, [32]byte{})

	fresh := BuildClientPayload(creds, "web", "Desktop", "10")
	assert.Equal(t, ConnectTypeFresh, fresh.ConnectType)

	creds.Registered = true
	creds.Me = &signalstore.Me{ID: "123@s.whatsapp.net"}
	creds.Account = []byte("server-signed-blob")
	reconnect := BuildClientPayload(creds, "web", "Desktop", "10")
	assert.Equal(t, ConnectTypeReconnect, reconnect.ConnectType)
	assert.Equal(t, creds.Account, reconnect.Account)
}

func TestNewEphemeralKeyPairDerivesPublic(t *testing.T) {
	var priv [32]byte
	for i := range priv {
		priv[i] = byte(i + 5)
	}
	pair, err := NewEphemeralKeyPair(priv)
	require.NoError(t, err)
	assert.Equal(t, priv, pair.Private)
	assert.NotEqual(t, [32]byte{}, pair.Public)
}
