// Package receiver turns inbound BinaryNode stanzas into decrypted
// application events: it applies the flood guard and ignored-JID filter,
// retries decryption with backoff, emits the wire-level retry/ack
// protocol, and drains the server's offline-message batch through a
// single consumer so ordering is preserved (spec.md §4.G, component G).
// It is grounded on the teacher's async.Manager (offline-message
// retrieval scheduler, retry accounting) and crypto's replay-protection
// nonce cache, generalized from Tox's store-and-forward friend messages
// to WhatsApp's notification/iq-batch delivery split.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Kunboruto20/borutowaileys-library/binarynode"
	"github.com/Kunboruto20/borutowaileys-library/internal/ttlcache"
	"github.com/Kunboruto20/borutowaileys-library/jid"
	"github.com/Kunboruto20/borutowaileys-library/signalcipher"
)

// DefaultFloodThreshold and DefaultFloodWindow are the per-sender flood
// guard's defaults (spec.md §6.3 floodThreshold/floodWindowMs, §8 "For
// floodThreshold=50, floodWindowMs=10000: sending 51 messages from one
// JID within 10s acks all 51 but forwards at most 50 to handlers; in the
// 11th second the counter resets"). The guard is a hard per-window
// counter, not a continuously-refilling token bucket: it must reset to
// zero the instant the window elapses, not drain gradually.
const (
	DefaultFloodThreshold = 50
	DefaultFloodWindow    = 10 * time.Second
)

// DefaultMaxMsgRetryCount and DefaultRetryRequestDelay match spec.md
// §6.3's maxMsgRetryCount/retryRequestDelayMs defaults: the local decrypt
// retry loop's attempt cap and its exponential-backoff starting delay.
const (
	DefaultMaxMsgRetryCount  = 5
	DefaultRetryRequestDelay = 250 * time.Millisecond
)

// Decrypter is the subset of the signalcipher surface the receiver
// needs; kept as an interface here so tests can substitute a fake
// without pulling in full session bootstrap. A fake wanting to exercise
// the "missing keys" give-up path should return signalcipher.ErrNoSession.
type Decrypter interface {
	Decrypt(senderAddress string, envelopeType string, ciphertext []byte) ([]byte, error)
}

// Sink is where fully decrypted application events and the wire-level
// retry protocol's call-outs go (spec.md §4.G/§4.J): typically an
// *eventbus.Bus-backed adapter plus the pre-key-bundle and resend
// plumbing needed to actually answer a retry.
type Sink interface {
	MessageReceived(from jid.JID, plaintext []byte, stanzaID string)
	ReceiptNeeded(to jid.JID, stanzaID string, receiptType string)
	// RetryNeeded is called when our own decrypt of a message from to
	// has failed persistently for a reason other than a missing session
	// (spec.md §4.G point 4): it must send `receipt type=retry count=N`,
	// attaching a fresh pre-key bundle once count > 1.
	RetryNeeded(to jid.JID, stanzaID string, count int)
	// ResendRequested is called when an inbound `receipt type=retry`
	// arrives from to for a message we previously sent it (spec.md's
	// Receipt Handler / sendMessagesAgain): it must re-encrypt and
	// relay that message.
	ResendRequested(to jid.JID, stanzaID string, retryCount int)
	// DeliveryReceipt is called for every other inbound receipt type
	// (delivery/read/played/...), left for the embedder to turn into a
	// message-receipt.update event.
	DeliveryReceipt(from jid.JID, stanzaID string, receiptType string)
	// SenderKeyDistributionReceived is called for a message carrying a
	// group sender-key distribution rather than application plaintext
	// (spec.md §4.H's 1-to-1 pkmsg/msg distribution envelope): it must
	// install the distribution into the named group's cipher before any
	// skmsg from the sender can be opened.
	SenderKeyDistributionReceived(from jid.JID, group jid.JID, payload []byte)
}

// Sender can write a single node back out, used to emit acks and
// receipts.
type Sender interface {
	Send(ctx context.Context, n binarynode.BinaryNode) error
}

// Receiver processes the inbound stanza stream.
type Receiver struct {
	log     *logrus.Logger
	decrypt Decrypter
	sink    Sink
	sender  Sender

	ignored   map[string]struct{}
	ignoredMu sync.RWMutex

	floodMu        sync.Mutex
	floodCounts    map[string]*floodWindow
	floodThreshold int
	floodWindow    time.Duration

	maxMsgRetryCount  int
	retryRequestDelay time.Duration
	decryptRetries    *ttlcache.Cache[string, int]

	// retryMu serializes wire-level retry emission across the whole
	// connection (spec.md §4.G point 4: "under a retry mutex").
	retryMu     sync.Mutex
	retryCounts *ttlcache.Cache[string, int]

	offline   chan binarynode.BinaryNode
	wg        sync.WaitGroup
	closeCh   chan struct{}
	closeOnce sync.Once
}

// floodWindow is one sender's hard-reset counter: count resets to zero,
// not gradually, the instant windowStart is more than floodWindow old.
type floodWindow struct {
	count       int
	windowStart time.Time
}

// Options configures a Receiver.
type Options struct {
	FloodThreshold    int
	FloodWindow       time.Duration
	MaxMsgRetryCount  int
	RetryRequestDelay time.Duration
	OfflineQueueSize  int
	Logger            *logrus.Logger
}

// NewOptions returns spec.md-default Options.
func NewOptions() *Options {
	return &Options{
		FloodThreshold:    DefaultFloodThreshold,
		FloodWindow:       DefaultFloodWindow,
		MaxMsgRetryCount:  DefaultMaxMsgRetryCount,
		RetryRequestDelay: DefaultRetryRequestDelay,
		OfflineQueueSize:  256,
	}
}

// New constructs a Receiver. A nil opts falls back to NewOptions().
func New(decrypt Decrypter, sink Sink, sender Sender, opts *Options) *Receiver {
	if opts == nil {
		opts = NewOptions()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Receiver{
		log:               log,
		decrypt:           decrypt,
		sink:              sink,
		sender:            sender,
		ignored:           make(map[string]struct{}),
		floodCounts:       make(map[string]*floodWindow),
		floodThreshold:    opts.FloodThreshold,
		floodWindow:       opts.FloodWindow,
		maxMsgRetryCount:  opts.MaxMsgRetryCount,
		retryRequestDelay: opts.RetryRequestDelay,
		decryptRetries:    ttlcache.New[string, int](5*time.Minute, nil),
		retryCounts:       ttlcache.New[string, int](10*time.Minute, nil),
		offline:           make(chan binarynode.BinaryNode, opts.OfflineQueueSize),
		closeCh:           make(chan struct{}),
	}
	r.decryptRetries.StartSweeper(time.Minute)
	r.retryCounts.StartSweeper(time.Minute)

	r.wg.Add(2)
	go r.drainOffline()
	go r.sweepFlood()
	return r
}

func (r *Receiver) Ignore(j jid.JID) {
	r.ignoredMu.Lock()
	defer r.ignoredMu.Unlock()
	r.ignored[j.ToNonAD().String()] = struct{}{}
}

func (r *Receiver) isIgnored(j jid.JID) bool {
	r.ignoredMu.RLock()
	defer r.ignoredMu.RUnlock()
	_, ok := r.ignored[j.ToNonAD().String()]
	return ok
}

// allowFlood reports whether one more stanza from key may be processed
// this window, counting every call, dropped stanzas included (spec.md §8
// flood-guard property). The window resets hard, not gradually, once floodWindow has
// elapsed since it started.
func (r *Receiver) allowFlood(key string) bool {
	r.floodMu.Lock()
	defer r.floodMu.Unlock()

	now := time.Now()
	w, ok := r.floodCounts[key]
	if !ok || now.Sub(w.windowStart) >= r.floodWindow {
		w = &floodWindow{windowStart: now}
		r.floodCounts[key] = w
	}
	w.count++
	return w.count <= r.floodThreshold
}

func (r *Receiver) sweepFlood() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.floodWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			r.floodMu.Lock()
			for key, w := range r.floodCounts {
				if now.Sub(w.windowStart) >= 2*r.floodWindow {
					delete(r.floodCounts, key)
				}
			}
			r.floodMu.Unlock()
		case <-r.closeCh:
			return
		}
	}
}

// HandleLive processes one stanza received outside the offline batch
// (spec.md §4.G "offline-batch vs live stanza ordering": live stanzas
// are handled immediately, not queued behind the batch).
func (r *Receiver) HandleLive(n binarynode.BinaryNode) {
	r.handle(n)
}

// EnqueueOffline queues a stanza from the server's offline-message batch
// for strictly ordered, single-consumer processing.
func (r *Receiver) EnqueueOffline(n binarynode.BinaryNode) {
	select {
	case r.offline <- n:
	case <-r.closeCh:
	}
}

func (r *Receiver) drainOffline() {
	defer r.wg.Done()
	for {
		select {
		case n := <-r.offline:
			r.handle(n)
		case <-r.closeCh:
			return
		}
	}
}

// ackableTag reports whether tag is one of the stanza tags spec.md §4.G
// point 6 requires an `ack` for, exactly once, regardless of which path (ignored, flood-dropped,
// or fully processed) the stanza took.
func ackableTag(tag string) bool {
	switch tag {
	case "message", "receipt", "notification", "call":
		return true
	default:
		return false
	}
}

func (r *Receiver) handle(n binarynode.BinaryNode) {
	fromAttr, ok := n.Attrs["from"]
	if !ok {
		r.log.WithField("tag", n.Tag).Warn("receiver: stanza missing 'from' attribute, dropping")
		return
	}
	from, err := jid.Parse(fromAttr)
	if err != nil {
		r.log.WithError(err).Warn("receiver: unparseable 'from', dropping")
		return
	}

	ackable := ackableTag(n.Tag)

	if r.isIgnored(from) {
		if ackable {
			r.ack(n, "")
		}
		return
	}
	if !r.allowFlood(from.ToNonAD().String()) {
		r.log.WithField("from", from.String()).Warn("receiver: flood guard dropped stanza")
		if ackable {
			r.ack(n, "")
		}
		return
	}

	var errCode string
	switch n.Tag {
	case "message":
		errCode = r.handleMessage(n, from)
	case "receipt":
		r.handleReceipt(n, from)
	case "notification":
		// App-state-sync/history payloads: out of scope beyond ack'ing
		// per spec.md §1 non-goals; left to the embedder's own
		// subscription via router.Subscribe.
	case "call":
		// Call offer/accept/reject bookkeeping: out of scope per spec.md
		// §1 non-goals; no CallSnapshot is recorded here. Left to the
		// embedder's own subscription.
	}

	if ackable {
		r.ack(n, errCode)
	}
}

// ack sends the transport-level `ack` spec.md §4.G point 6 requires for
// every processed (or dropped) message|receipt|notification|call, once.
// errCode is set on the ack's error attribute on a processing failure,
// empty on success or a guard drop.
func (r *Receiver) ack(n binarynode.BinaryNode, errCode string) {
	to, ok := n.Attrs["from"]
	if !ok {
		return
	}
	attrs := map[string]string{
		"to":    to,
		"id":    n.Attrs["id"],
		"class": n.Tag,
	}
	if errCode != "" {
		attrs["error"] = errCode
	}
	ackNode := binarynode.BinaryNode{Tag: "ack", Attrs: attrs}
	if err := r.sender.Send(context.Background(), ackNode); err != nil {
		r.log.WithError(err).Warn("receiver: failed to send ack")
	}
}

// handleMessage decrypts one message stanza and emits it, returning the
// ack error code to report ("" on success).
func (r *Receiver) handleMessage(n binarynode.BinaryNode, from jid.JID) string {
	stanzaID := n.Attrs["id"]
	enc, ok := n.GetChildByTag("enc")
	if !ok {
		return ""
	}
	ciphertext, ok := enc.BytesContent()
	if !ok {
		r.log.Warn("receiver: enc node without bytes content, dropping")
		return "parsing_error"
	}
	envelopeType := enc.Attrs["type"]

	padded, err := r.decryptWithRetry(from.SignalAddress(), envelopeType, ciphertext)
	if err != nil {
		return r.handlePersistentDecryptFailure(from, stanzaID, err)
	}
	plaintext, err := unpadPKCS7(padded)
	if err != nil {
		r.log.WithError(err).WithField("from", from.String()).Error("receiver: invalid padding after decrypt")
		return "parsing_error"
	}

	if n.Attrs["category"] == "sender-key-distribution" {
		group, err := jid.Parse(n.Attrs["group"])
		if err != nil {
			r.log.WithError(err).Warn("receiver: malformed sender-key distribution group attribute, dropping")
			return "parsing_error"
		}
		r.sink.SenderKeyDistributionReceived(from, group, plaintext)
		if stanzaID != "" {
			r.sink.ReceiptNeeded(from, stanzaID, "delivery")
		}
		return ""
	}

	r.sink.MessageReceived(from, plaintext, stanzaID)

	if stanzaID != "" {
		r.sink.ReceiptNeeded(from, stanzaID, "delivery")
	}
	return ""
}

// handleReceipt maps an inbound `receipt` stanza to either the wire-level
// resend protocol (type=retry: the peer couldn't decrypt a message we
// sent, spec.md's Receipt Handler/sendMessagesAgain) or a plain delivery-
// status update forwarded to the sink.
func (r *Receiver) handleReceipt(n binarynode.BinaryNode, from jid.JID) {
	stanzaID := n.Attrs["id"]
	receiptType := n.Attrs["type"]
	if receiptType == "retry" {
		retryCount := parseRetryCount(n.Attrs["count"])
		r.sink.ResendRequested(from, stanzaID, retryCount)
		return
	}
	r.sink.DeliveryReceipt(from, stanzaID, receiptType)
}

func parseRetryCount(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 1
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 {
		return 1
	}
	return n
}

// unpadPKCS7 reverses the padding sender.padPKCS7 applies before
// encryption (spec.md §4.H); kept local rather than shared with the
// sender package since it's a one-line inverse, not worth a dependency.
func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("receiver: cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > 16 {
		return nil, fmt.Errorf("receiver: invalid padding")
	}
	return data[:len(data)-padLen], nil
}

// decryptWithRetry retries transient decrypt failures with exponential
// backoff up to maxMsgRetryCount attempts, starting at
// retryRequestDelay (spec.md §4.G point 4).
func (r *Receiver) decryptWithRetry(address, envelopeType string, ciphertext []byte) ([]byte, error) {
	delay := r.retryRequestDelay
	var lastErr error
	for attempt := 0; attempt < r.maxMsgRetryCount; attempt++ {
		plaintext, err := r.decrypt.Decrypt(address, envelopeType, ciphertext)
		if err == nil {
			r.decryptRetries.Delete(address)
			return plaintext, nil
		}
		lastErr = err
		if errors.Is(err, signalcipher.ErrNoSession) {
			break // missing keys: no point retrying locally, give up now
		}
		r.decryptRetries.Update(address, func(v int, ok bool) int { return v + 1 })
		time.Sleep(delay)
		delay *= 2
	}
	return nil, fmt.Errorf("receiver: %w", lastErr)
}

// handlePersistentDecryptFailure implements spec.md §4.G point 4's "on
// persistent failure" branch: a missing-keys failure gives up
// immediately with a parsing_error nack; anything else asks the sender
// to retry over the wire, under the connection-wide retry mutex, capped
// at maxMsgRetryCount retry receipts per (id, participant) (spec.md §8
// "Retry accounting").
func (r *Receiver) handlePersistentDecryptFailure(from jid.JID, stanzaID string, err error) string {
	r.log.WithError(err).WithField("from", from.String()).Error("receiver: decrypt failed after retries")

	if errors.Is(err, signalcipher.ErrNoSession) {
		return "parsing_error"
	}

	r.retryMu.Lock()
	defer r.retryMu.Unlock()

	key := stanzaID + "|" + from.SignalAddress()
	count, exhausted := r.nextRetryCount(key)
	if exhausted {
		return "parsing_error"
	}
	r.sink.RetryNeeded(from, stanzaID, count)
	return ""
}

// nextRetryCount increments key's retry count and reports it exhausted
// once it exceeds maxMsgRetryCount. The entry stays until its TTL lapses,
// so a straggling duplicate failure for the same (id, participant) never
// emits another receipt within that window (spec.md §8).
func (r *Receiver) nextRetryCount(key string) (count int, exhausted bool) {
	count = r.retryCounts.Update(key, func(v int, ok bool) int { return v + 1 })
	if count > r.maxMsgRetryCount {
		return count, true
	}
	return count, false
}

// RetryCount reports how many consecutive local decrypt failures are
// currently on record for address, for diagnostics/tests.
func (r *Receiver) RetryCount(address string) int {
	v, _ := r.decryptRetries.Get(address)
	return v
}

// Close stops the offline-batch consumer and flood sweeper, and waits
// for both to exit.
func (r *Receiver) Close() {
	r.closeOnce.Do(func() { close(r.closeCh) })
	r.wg.Wait()
	r.decryptRetries.Close()
	r.retryCounts.Close()
}
