package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kunboruto20/borutowaileys-library/binarynode"
	"github.com/Kunboruto20/borutowaileys-library/jid"
)

type fakeDecrypter struct {
	mu        sync.Mutex
	failTimes int
	calls     int
}

func (f *fakeDecrypter) Decrypt(address, envelopeType string, ciphertext []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failTimes {
		return nil, errors.New("transient failure")
	}
	return ciphertext, nil
}

type fakeSink struct {
	mu               sync.Mutex
	received         []string
	receipts         []string
	retriesNeeded    []string
	resendsRequested []string
	deliveryReceipts []string
	distributions    []string
}

func (s *fakeSink) MessageReceived(from jid.JID, plaintext []byte, stanzaID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, string(plaintext))
}

func (s *fakeSink) ReceiptNeeded(to jid.JID, stanzaID string, receiptType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, stanzaID)
}

func (s *fakeSink) RetryNeeded(to jid.JID, stanzaID string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retriesNeeded = append(s.retriesNeeded, stanzaID)
}

func (s *fakeSink) ResendRequested(to jid.JID, stanzaID string, retryCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resendsRequested = append(s.resendsRequested, stanzaID)
}

func (s *fakeSink) DeliveryReceipt(from jid.JID, stanzaID string, receiptType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveryReceipts = append(s.deliveryReceipts, stanzaID)
}

func (s *fakeSink) SenderKeyDistributionReceived(from jid.JID, group jid.JID, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.distributions = append(s.distributions, string(payload))
}

type noopSender struct{}

func (noopSender) Send(ctx context.Context, n binarynode.BinaryNode) error { return nil }

// padForTest mirrors sender.padPKCS7, since the fake decrypter here
// returns its input unchanged and the receiver always unpads after
// "decrypting".
func padForTest(data []byte) []byte {
	const blockSize = 16
	padLen := blockSize - (len(data) % blockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func messageNode(from, id string, body []byte) binarynode.BinaryNode {
	return binarynode.BinaryNode{
		Tag:   "message",
		Attrs: map[string]string{"from": from, "id": id},
		Content: binarynode.NodeList{
			{Tag: "enc", Attrs: map[string]string{"type": "msg"}, Content: binarynode.Bytes(padForTest(body))},
		},
	}
}

func distributionNode(from, group, id string, payload []byte) binarynode.BinaryNode {
	return binarynode.BinaryNode{
		Tag:   "message",
		Attrs: map[string]string{"from": from, "id": id, "category": "sender-key-distribution", "group": group},
		Content: binarynode.NodeList{
			{Tag: "enc", Attrs: map[string]string{"type": "pkmsg"}, Content: binarynode.Bytes(padForTest(payload))},
		},
	}
}

// TestHandleLiveInstallsSenderKeyDistribution confirms a message tagged
// as a sender-key distribution (spec.md §4.H's 1-to-1 pkmsg/msg fan-out)
// is routed to the dedicated sink call-out instead of MessageReceived.
func TestHandleLiveInstallsSenderKeyDistribution(t *testing.T) {
	dec := &fakeDecrypter{}
	sink := &fakeSink{}
	r := New(dec, sink, noopSender{}, nil)
	defer r.Close()

	r.HandleLive(distributionNode("111@s.whatsapp.net", "12345-67@g.us", "ID1", []byte("dist-payload")))

	require.Eventually(t, func() bool { sink.mu.Lock(); defer sink.mu.Unlock(); return len(sink.distributions) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "dist-payload", sink.distributions[0])
	assert.Empty(t, sink.received)
}

func TestHandleLiveDecryptsAndEmitsReceipt(t *testing.T) {
	dec := &fakeDecrypter{}
	sink := &fakeSink{}
	r := New(dec, sink, noopSender{}, nil)
	defer r.Close()

	r.HandleLive(messageNode("111@s.whatsapp.net", "ID1", []byte("hello")))

	require.Eventually(t, func() bool { sink.mu.Lock(); defer sink.mu.Unlock(); return len(sink.received) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "hello", sink.received[0])
	assert.Equal(t, []string{"ID1"}, sink.receipts)
}

func TestDecryptRetriesThenSucceeds(t *testing.T) {
	dec := &fakeDecrypter{failTimes: 2}
	sink := &fakeSink{}
	opts := NewOptions()
	opts.RetryRequestDelay = 5 * time.Millisecond
	r := New(dec, sink, noopSender{}, opts)
	defer r.Close()

	r.HandleLive(messageNode("222@s.whatsapp.net", "ID2", []byte("retried")))
	require.Eventually(t, func() bool { sink.mu.Lock(); defer sink.mu.Unlock(); return len(sink.received) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "retried", sink.received[0])
}

func TestDecryptGivesUpAfterMaxRetries(t *testing.T) {
	dec := &fakeDecrypter{failTimes: 100}
	sink := &fakeSink{}
	opts := NewOptions()
	opts.RetryRequestDelay = 5 * time.Millisecond
	r := New(dec, sink, noopSender{}, opts)
	defer r.Close()

	r.HandleLive(messageNode("333@s.whatsapp.net", "ID3", []byte("never")))
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.received)
	assert.Equal(t, []string{"ID3"}, sink.retriesNeeded, "persistent non-session failure must ask the peer to resend")
}

func TestIgnoredJIDIsDropped(t *testing.T) {
	dec := &fakeDecrypter{}
	sink := &fakeSink{}
	r := New(dec, sink, noopSender{}, nil)
	defer r.Close()

	ignored := jid.NewUserJID("444", 0)
	r.Ignore(ignored)
	r.HandleLive(messageNode("444@s.whatsapp.net", "ID4", []byte("ignored")))

	time.Sleep(100 * time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.received)
}

// TestFloodGuardDropsBurstAboveLimit mirrors spec.md §8's literal
// floodThreshold=50/floodWindowMs=10000 property with a longer
// (one-minute) window: 60 stanzas land inside one window, only the first
// FloodThreshold are forwarded, the rest are dropped but still ack'd.
func TestFloodGuardDropsBurstAboveLimit(t *testing.T) {
	dec := &fakeDecrypter{}
	sink := &fakeSink{}
	acks := &countingSender{}
	opts := NewOptions()
	opts.FloodThreshold = 50
	opts.FloodWindow = time.Minute // long enough that the burst below lands in one window
	r := New(dec, sink, acks, opts)
	defer r.Close()

	for i := 0; i < 60; i++ {
		r.HandleLive(messageNode("555@s.whatsapp.net", fmt.Sprintf("ID%d", i), []byte("x")))
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.received, 50, "only floodThreshold stanzas are forwarded to the sink")
	assert.Equal(t, int32(60), acks.count(), "every one of the 60 is still ack'd on the wire")
}

// TestFloodGuardResetsOnNextWindow confirms the counter is a hard
// per-window reset, not a gradually-refilling bucket: once the window
// elapses the very next stanza is allowed again immediately.
func TestFloodGuardResetsOnNextWindow(t *testing.T) {
	dec := &fakeDecrypter{}
	sink := &fakeSink{}
	opts := NewOptions()
	opts.FloodThreshold = 2
	opts.FloodWindow = 20 * time.Millisecond
	r := New(dec, sink, noopSender{}, opts)
	defer r.Close()

	r.HandleLive(messageNode("555@s.whatsapp.net", "A", []byte("1")))
	r.HandleLive(messageNode("555@s.whatsapp.net", "B", []byte("2")))
	r.HandleLive(messageNode("555@s.whatsapp.net", "C", []byte("3"))) // over threshold, dropped

	time.Sleep(30 * time.Millisecond) // let the window elapse
	r.HandleLive(messageNode("555@s.whatsapp.net", "D", []byte("4")))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"1", "2", "4"}, sink.received)
}

type countingSender struct {
	n int32
}

func (c *countingSender) Send(ctx context.Context, n binarynode.BinaryNode) error {
	atomic.AddInt32(&c.n, 1)
	return nil
}

func (c *countingSender) count() int32 { return atomic.LoadInt32(&c.n) }

func TestEnqueueOfflinePreservesOrder(t *testing.T) {
	dec := &fakeDecrypter{}
	sink := &fakeSink{}
	r := New(dec, sink, noopSender{}, nil)
	defer r.Close()

	r.EnqueueOffline(messageNode("666@s.whatsapp.net", "A", []byte("1")))
	r.EnqueueOffline(messageNode("666@s.whatsapp.net", "B", []byte("2")))
	r.EnqueueOffline(messageNode("666@s.whatsapp.net", "C", []byte("3")))

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.received) == 3
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, sink.received)
}
