// Command waclient is a minimal example wiring connect, an optional text
// send and credential persistence against the engine in this module, mirroring the teacher's
// examples/complete_demo: a short, linear main() that exercises the
// public API end to end rather than a full CLI.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	waengine "github.com/Kunboruto20/borutowaileys-library"
	"github.com/Kunboruto20/borutowaileys-library/jid"
	"github.com/Kunboruto20/borutowaileys-library/signalstore"
)

func main() {
	savePath := flag.String("save", "waclient.json", "path to persist credentials between runs")
	sendTo := flag.String("send-to", "", "if set, send a text message to this jid once connected")
	sendText := flag.String("text", "hello from waclient", "text to send with -send-to")
	flag.Parse()

	log := logrus.StandardLogger()
	log.SetLevel(logrus.InfoLevel)

	creds, err := loadOrCreateCreds(*savePath)
	if err != nil {
		log.WithError(err).Fatal("waclient: loading credentials")
	}

	keys := signalstore.NewMemoryKeyStore()
	opts := waengine.NewOptions()
	opts.Logger = log

	client := waengine.New(creds, keys, opts)

	waengine.On(client, func(e waengine.Connected) {
		log.WithField("me", e.Me.String()).Info("waclient: connected")
	})
	waengine.On(client, func(e waengine.Disconnected) {
		log.WithField("permanent", e.Permanent).WithField("reason", e.Reason).Warn("waclient: disconnected")
	})
	waengine.On(client, func(e waengine.MessageReceived) {
		log.WithField("from", e.From.String()).WithField("body", string(e.Plaintext)).Info("waclient: message received")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		log.WithError(err).Fatal("waclient: connect failed")
	}

	if *sendTo != "" {
		to, err := jid.Parse(*sendTo)
		if err != nil {
			log.WithError(err).Fatal("waclient: invalid -send-to jid")
		}
		sendCtx, sendCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer sendCancel()
		if _, err := client.SendText(sendCtx, to, *sendText); err != nil {
			log.WithError(err).Error("waclient: send failed")
		}
	}

	if err := persistCreds(*savePath, client); err != nil {
		log.WithError(err).Warn("waclient: failed to persist credentials")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	if err := client.Close(); err != nil {
		log.WithError(err).Warn("waclient: close returned an error")
	}
}

func loadOrCreateCreds(path string) (*signalstore.AuthenticationCreds, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return waengine.LoadSaveData(data)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	return freshCreds()
}

func freshCreds() (*signalstore.AuthenticationCreds, error) {
	noiseKey, err := randomKeyPair()
	if err != nil {
		return nil, err
	}
	pairingEphemeral, err := randomKeyPair()
	if err != nil {
		return nil, err
	}
	identityKey, err := randomKeyPair()
	if err != nil {
		return nil, err
	}
	signedPreKeyPair, err := randomKeyPair()
	if err != nil {
		return nil, err
	}
	var advSecret [32]byte
	if _, err := rand.Read(advSecret[:]); err != nil {
		return nil, err
	}

	var regID [2]byte
	if _, err := rand.Read(regID[:]); err != nil {
		return nil, err
	}
	registrationID := uint16(regID[0])<<8 | uint16(regID[1])

	signedPreKey := signalstore.SignedPreKey{
		KeyID:   1,
		Public:  signedPreKeyPair.Public,
		Private: signedPreKeyPair.Private,
	}

	return signalstore.InitAuthCreds(registrationID, noiseKey, pairingEphemeral, identityKey, signedPreKey, advSecret), nil
}

func randomKeyPair() (signalstore.KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return signalstore.KeyPair{}, err
	}
	return signalstore.KeyPair{Private: priv}, nil
}

func persistCreds(path string, client *waengine.Client) error {
	data, err := client.Save()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
