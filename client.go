package waengine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Kunboruto20/borutowaileys-library/auth"
	"github.com/Kunboruto20/borutowaileys-library/binarynode"
	"github.com/Kunboruto20/borutowaileys-library/eventbus"
	"github.com/Kunboruto20/borutowaileys-library/internal/ttlcache"
	"github.com/Kunboruto20/borutowaileys-library/internal/waproto"
	"github.com/Kunboruto20/borutowaileys-library/jid"
	"github.com/Kunboruto20/borutowaileys-library/receiver"
	"github.com/Kunboruto20/borutowaileys-library/router"
	"github.com/Kunboruto20/borutowaileys-library/sender"
	"github.com/Kunboruto20/borutowaileys-library/signalcipher"
	"github.com/Kunboruto20/borutowaileys-library/signalstore"
	"github.com/Kunboruto20/borutowaileys-library/transport"
)

// State is the connection supervisor's lifecycle state (spec.md
// component I): connecting -> handshaking -> open -> closing -> closed.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Client is the top-level connection supervisor: it owns the transport,
// the credential/session store, and the routing/eventing fan-out built
// from the packages above, wired the way the teacher's Tox struct wires
// its own net/crypto/friend subsystems behind one New/Run/Kill surface.
type Client struct {
	opts *Options
	log  *logrus.Logger

	store *signalstore.Transactor
	keys  signalstore.SignalKeyStore

	credsMu sync.RWMutex
	creds   *signalstore.AuthenticationCreds

	transport *transport.Transport
	router    *router.Router
	bus       *eventbus.Bus
	recv      *receiver.Receiver
	send      *sender.Sender

	sessionsMu sync.Mutex
	sessions   map[string]*signalcipher.SessionCipher

	groupsMu sync.Mutex
	groups   map[string]*signalcipher.GroupCipher

	membersMu sync.Mutex
	members   map[string][]jid.JID // group jid string -> participant list

	sent *ttlcache.Cache[string, sentMessage]

	mu    sync.Mutex
	state State

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	manualClose bool
}

// New constructs a Client around an existing credential set and key
// store. A nil opts falls back to NewOptions(); creds may be a freshly
// generated set (see signalstore.InitAuthCreds) or one loaded via
// LoadSaveData.
func New(creds *signalstore.AuthenticationCreds, keys signalstore.SignalKeyStore, opts *Options) *Client {
	if opts == nil {
		opts = NewOptions()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	c := &Client{
		opts:     opts,
		log:      log,
		store:    signalstore.NewTransactor(keys, log),
		keys:     keys,
		creds:    creds,
		router:   router.New(log),
		bus:      eventbus.New(log),
		sessions: make(map[string]*signalcipher.SessionCipher),
		groups:   make(map[string]*signalcipher.GroupCipher),
		members:  make(map[string][]jid.JID),
		sent:     ttlcache.New[string, sentMessage](30*time.Minute, nil),
		closeCh:  make(chan struct{}),
	}
	c.sent.StartSweeper(5 * time.Minute)

	c.recv = receiver.New(c, c, c, opts.Receiver)
	c.send = sender.New(c, deviceEncrypter{c}, groupEncrypter{c}, log)
	return c
}

// On registers a typed event handler, delegating to eventbus.Subscribe.
func On[T any](c *Client, fn func(T)) {
	eventbus.Subscribe(c.bus, fn)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.log.WithField("state", s).Debug("waengine: state changed")
}

// State reports the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server, runs the Noise handshake and ClientPayload
// exchange, and starts the background read loop. It returns once the
// connection is open (spec.md component I: connecting -> handshaking ->
// open).
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	c.credsMu.RLock()
	creds := c.creds
	c.credsMu.RUnlock()

	payload := auth.BuildClientPayload(creds, c.opts.Platform, c.opts.Device, c.opts.AppVersion)
	finishBytes, err := payload.Marshal()
	if err != nil {
		return wrapErr(ErrKindProtocol, "Client.Connect", err)
	}

	c.setState(StateHandshaking)
	topts := transport.NewOptions()
	topts.URL = c.opts.WebsocketURL
	topts.Logger = c.log
	c.transport = transport.New(topts)

	if _, err := c.transport.Dial(ctx, creds.NoiseKey.Private[:], finishBytes); err != nil {
		c.setState(StateDisconnected)
		return wrapErr(ErrKindTransport, "Client.Connect", err)
	}

	c.setState(StateOpen)
	c.wg.Add(1)
	go c.readLoop()

	var me jid.JID
	if creds.Me != nil {
		me, _ = jid.Parse(creds.Me.ID)
	}
	c.bus.Emit(Connected{Me: me})
	return nil
}

// readLoop decodes inbound frames into BinaryNodes and dispatches them,
// until the transport errors out or the client is closed.
func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		frame, err := c.transport.ReadFrame()
		if err != nil {
			select {
			case <-c.closeCh:
				return
			default:
			}
			c.log.WithError(err).Warn("waengine: read loop ending, transport error")
			c.handleDisconnect(err)
			return
		}

		n, _, err := binarynode.Decode(frame)
		if err != nil {
			c.log.WithError(err).Warn("waengine: dropping malformed frame")
			continue
		}

		c.router.Dispatch(n)
		if n.Tag == "message" {
			c.recv.HandleLive(n)
		}
	}
}

// handleDisconnect classifies the failure per spec.md §4.I's table and,
// unless the close was caller-initiated or the classification says to
// stop, schedules a reconnect with the matching backoff multiplier
// (spec.md component I: disconnect classification + reconnect backoff).
func (c *Client) handleDisconnect(cause error) {
	c.mu.Lock()
	manual := c.manualClose
	c.mu.Unlock()

	c.setState(StateDisconnected)

	code, reason := transport.ClassifyDisconnect(cause)
	dr := disconnectReason{Code: code, Reason: reason}
	class := dr.classify()
	stopReconnect := manual || class == DisconnectFatal || class == DisconnectAuthClear

	c.bus.Emit(Disconnected{Reason: cause.Error(), Permanent: stopReconnect, At: timeNow()})

	if class == DisconnectAuthClear {
		c.bus.Emit(AuthClearRequired{Code: code, Reason: reason})
	}

	if stopReconnect {
		return
	}
	c.wg.Add(1)
	go c.reconnectLoop(dr, class == DisconnectRestart)
}

// reconnectLoop retries Connect until it succeeds or the client is
// closed. immediate skips the backoff delay for the very first attempt
// (spec.md §4.I "restartRequired ... reconnect immediately"); every
// subsequent attempt uses dr's multiplier against the base schedule.
func (c *Client) reconnectLoop(dr disconnectReason, immediate bool) {
	defer c.wg.Done()
	for attempt := 1; ; attempt++ {
		delay := clampBackoff(dr.backoffDelay(attempt), c.opts.ReconnectMinBackoff, c.opts.ReconnectMaxBackoff)
		if immediate && attempt == 1 {
			delay = 0
		}
		select {
		case <-c.closeCh:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		c.log.WithError(err).Warn("waengine: reconnect attempt failed")
	}
}

func timeNow() time.Time { return time.Now() }

// Close tears the connection down idempotently, marking it as a manual
// close so the reconnect loop does not fire (spec.md component I:
// "manual-close/reconnect idempotence").
func (c *Client) Close() error {
	c.mu.Lock()
	c.manualClose = true
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closeCh) })
	c.setState(StateClosing)

	var err error
	if c.transport != nil {
		err = c.transport.Close()
	}
	c.router.Close()
	c.recv.Close()
	c.sent.Close()
	c.wg.Wait()
	c.setState(StateClosed)
	return err
}

// Send implements router/sender's Transmitter interface: it writes n as
// a single encrypted, length-prefixed frame.
func (c *Client) Send(ctx context.Context, n binarynode.BinaryNode) error {
	encoded, err := binarynode.Encode(n)
	if err != nil {
		return wrapErr(ErrKindProtocol, "Client.Send", err)
	}
	if err := c.transport.WriteFrame(encoded); err != nil {
		return wrapErr(ErrKindTransport, "Client.Send", err)
	}
	return nil
}

// sentMessage is what ResendRequested needs to replay a message the peer
// claims it never managed to decrypt (spec.md's Receipt Handler /
// sendMessagesAgain): the plaintext we originally encrypted, so a fresh
// session or sender key produces a usable ciphertext on retry.
type sentMessage struct {
	to   jid.JID
	data []byte
}

// rememberSent records a just-sent message's plaintext, keyed by stanza
// id, so a later wire-level retry receipt can find it again.
func (c *Client) rememberSent(id string, to jid.JID, data []byte) {
	c.sent.Set(id, sentMessage{to: to, data: data})
}

// SendText encrypts and sends a plain-text message body to every known
// device of to (spec.md §4.H). Device resolution is left to an iq round
// trip the embedder or a future usync helper performs; here to is taken
// to already be a single fully qualified device jid if Device != 0, or
// is resolved to just itself otherwise.
func (c *Client) SendText(ctx context.Context, to jid.JID, body string) (string, error) {
	msg := &waproto.Message{Conversation: body}
	data := msg.Marshal()

	var id string
	var err error
	if to.IsGroup() {
		id, err = c.send.SendToGroup(ctx, to, data)
	} else {
		id, err = c.send.SendToDevices(ctx, []jid.JID{to}, data)
	}
	if err != nil {
		return "", err
	}
	c.rememberSent(id, to, data)
	return id, nil
}

// MessageReceived implements receiver.Sink.
func (c *Client) MessageReceived(from jid.JID, plaintext []byte, stanzaID string) {
	var msg waproto.Message
	body := plaintext
	if err := msg.Unmarshal(plaintext); err == nil && msg.Conversation != "" {
		body = []byte(msg.Conversation)
	}
	c.bus.Emit(MessageReceived{From: from, Plaintext: body, StanzaID: stanzaID})
}

// ReceiptNeeded implements receiver.Sink: it emits the receipt event and
// writes the ack node back out.
func (c *Client) ReceiptNeeded(to jid.JID, stanzaID string, receiptType string) {
	c.bus.Emit(ReceiptReceived{From: to, StanzaID: stanzaID, Type: receiptType})
	n := binarynode.BinaryNode{
		Tag:   "receipt",
		Attrs: map[string]string{"to": to.String(), "id": stanzaID, "type": receiptType},
	}
	if err := c.Send(context.Background(), n); err != nil {
		c.log.WithError(err).Warn("waengine: failed to send receipt")
	}
}

// SenderKeyDistributionReceived implements receiver.Sink: it installs an
// inbound group sender-key distribution into that group's cipher so a
// subsequent skmsg from the sender can be opened (spec.md §4.H).
func (c *Client) SenderKeyDistributionReceived(from jid.JID, group jid.JID, payload []byte) {
	dist, err := signalcipher.UnmarshalSenderKeyDistribution(payload)
	if err != nil {
		c.log.WithError(err).Warn("waengine: malformed sender-key distribution, dropping")
		return
	}
	cipher := c.groupCipherFor(group.String())
	cipher.InstallDistribution(from.SignalAddress(), dist)
}

// RetryNeeded implements receiver.Sink: spec.md §4.G point 4's wire-level
// retry protocol. It sends `receipt type=retry count=N` back to the
// sender, attaching a fresh pre-key bundle once count > 1 so the sender
// can re-establish a clean session instead of retrying into the broken
// one.
func (c *Client) RetryNeeded(to jid.JID, stanzaID string, count int) {
	n := binarynode.BinaryNode{
		Tag: "receipt",
		Attrs: map[string]string{
			"to":    to.String(),
			"id":    stanzaID,
			"type":  "retry",
			"count": fmt.Sprintf("%d", count),
		},
	}
	if count > 1 {
		keyNode, err := c.ownPreKeyBundleNode()
		if err != nil {
			c.log.WithError(err).Warn("waengine: building fresh pre-key bundle for retry receipt failed")
		} else {
			n.Content = binarynode.NodeList{keyNode}
		}
	}
	if err := c.Send(context.Background(), n); err != nil {
		c.log.WithError(err).Warn("waengine: failed to send retry receipt")
	}
}

// ResendRequested implements receiver.Sink: the peer's Receipt Handler
// (spec.md's sendMessagesAgain) asked us to resend a message it could
// not decrypt. A retryCount greater than 1 means its first retry also
// failed, so we drop our cached session/sender key for it first, forcing
// a fresh pkmsg/distribution on the resend rather than repeating
// whatever produced the undecryptable ciphertext the first time.
func (c *Client) ResendRequested(to jid.JID, stanzaID string, retryCount int) {
	msg, ok := c.sent.Get(stanzaID)
	if !ok {
		c.log.WithField("id", stanzaID).Warn("waengine: resend requested for a message we no longer have cached")
		return
	}
	if retryCount > 1 {
		c.resetSessionFor(msg.to)
	}

	ctx := context.Background()
	var err error
	if msg.to.IsGroup() {
		_, err = c.send.SendToGroup(ctx, msg.to, msg.data)
	} else {
		_, err = c.send.SendToDevices(ctx, []jid.JID{msg.to}, msg.data)
	}
	if err != nil {
		c.log.WithError(err).WithField("to", msg.to.String()).Warn("waengine: resend failed")
	}
}

// DeliveryReceipt implements receiver.Sink for every inbound receipt
// that isn't a wire-level retry: it simply surfaces the status as an
// event for the embedder.
func (c *Client) DeliveryReceipt(from jid.JID, stanzaID string, receiptType string) {
	c.bus.Emit(ReceiptReceived{From: from, StanzaID: stanzaID, Type: receiptType})
}

// resetSessionFor drops any cached session/sender key for to, so the next
// send re-establishes from scratch (pkmsg for a 1:1 device, a fresh
// sender-key distribution for a group).
func (c *Client) resetSessionFor(to jid.JID) {
	if to.IsGroup() {
		c.groupsMu.Lock()
		delete(c.groups, to.String())
		c.groupsMu.Unlock()
		return
	}
	c.sessionsMu.Lock()
	delete(c.sessions, to.SignalAddress())
	c.sessionsMu.Unlock()
}

// requestPreKeyBundle fetches device's current pre-key bundle via an
// `iq type=get xmlns=encrypt` round trip (spec.md §4.D
// "processPreKeyBundle"), correlated through the router the same way any
// other iq response is.
func (c *Client) requestPreKeyBundle(ctx context.Context, device jid.JID) (signalcipher.PreKeyBundle, error) {
	id, err := sender.GenerateMessageID()
	if err != nil {
		return signalcipher.PreKeyBundle{}, err
	}
	req := binarynode.BinaryNode{
		Tag:   "iq",
		Attrs: map[string]string{"id": id, "type": "get", "xmlns": "encrypt", "to": jid.ServerDefault},
		Content: binarynode.NodeList{
			{Tag: "key", Content: binarynode.NodeList{
				{Tag: "user", Attrs: map[string]string{"jid": device.String()}},
			}},
		},
	}
	if err := c.Send(ctx, req); err != nil {
		return signalcipher.PreKeyBundle{}, err
	}
	resp, err := c.router.AwaitIQ(ctx, id)
	if err != nil {
		return signalcipher.PreKeyBundle{}, err
	}
	return parsePreKeyBundle(resp)
}

// parsePreKeyBundle reads the `key`/`user` node shape ownPreKeyBundleNode
// builds and requestPreKeyBundle expects back (an engine-local framing,
// see DESIGN.md, since the official wire shape is out of this engine's
// reach without a phone-side pairing partner to interoperate against).
func parsePreKeyBundle(resp binarynode.BinaryNode) (signalcipher.PreKeyBundle, error) {
	var bundle signalcipher.PreKeyBundle

	keyNode, ok := resp.GetChildByTag("key")
	if !ok {
		return bundle, fmt.Errorf("waengine: pre-key bundle response missing key node")
	}
	userNode, ok := keyNode.GetChildByTag("user")
	if !ok {
		return bundle, fmt.Errorf("waengine: pre-key bundle response missing user node")
	}

	identityNode, ok := userNode.GetChildByTag("identity")
	if !ok {
		return bundle, fmt.Errorf("waengine: pre-key bundle missing identity key")
	}
	identity, ok := identityNode.BytesContent()
	if !ok || len(identity) != 32 {
		return bundle, fmt.Errorf("waengine: malformed identity key")
	}
	copy(bundle.IdentityKey[:], identity)

	if regNode, ok := userNode.GetChildByTag("registration"); ok {
		if b, ok := regNode.BytesContent(); ok && len(b) == 4 {
			bundle.RegistrationID = binary.BigEndian.Uint32(b)
		}
	}

	signedNode, ok := userNode.GetChildByTag("signed")
	if !ok {
		return bundle, fmt.Errorf("waengine: pre-key bundle missing signed pre-key")
	}
	if idNode, ok := signedNode.GetChildByTag("id"); ok {
		if b, ok := idNode.BytesContent(); ok && len(b) == 4 {
			bundle.SignedPreKeyID = binary.BigEndian.Uint32(b)
		}
	}
	pubNode, ok := signedNode.GetChildByTag("public")
	if !ok {
		return bundle, fmt.Errorf("waengine: pre-key bundle missing signed pre-key public")
	}
	pub, ok := pubNode.BytesContent()
	if !ok || len(pub) != 32 {
		return bundle, fmt.Errorf("waengine: malformed signed pre-key public")
	}
	copy(bundle.SignedPreKeyPublic[:], pub)

	if sigNode, ok := signedNode.GetChildByTag("signature"); ok {
		if sig, ok := sigNode.BytesContent(); ok && len(sig) == 64 {
			copy(bundle.SignedPreKeySig[:], sig)
		}
	}

	if oneTime, ok := userNode.GetChildByTag("onetime"); ok {
		idN, hasID := oneTime.GetChildByTag("id")
		pubN, hasPub := oneTime.GetChildByTag("public")
		if hasID && hasPub {
			if b, ok := idN.BytesContent(); ok && len(b) == 4 {
				bundle.OneTimePreKeyID = binary.BigEndian.Uint32(b)
			}
			if b, ok := pubN.BytesContent(); ok && len(b) == 32 {
				copy(bundle.OneTimePreKeyPublic[:], b)
				bundle.HasOneTimePreKey = true
			}
		}
	}

	return bundle, nil
}

// ownPreKeyBundleNode builds the `key`/`user` node carrying our own
// identity, registration id, and signed pre-key — the same shape
// parsePreKeyBundle consumes — for attachment to a retry receipt or a
// future own-bundle-publish iq.
func (c *Client) ownPreKeyBundleNode() (binarynode.BinaryNode, error) {
	c.credsMu.RLock()
	creds := c.creds
	c.credsMu.RUnlock()

	regID := make([]byte, 4)
	binary.BigEndian.PutUint32(regID, uint32(creds.RegistrationID))
	signedID := make([]byte, 4)
	binary.BigEndian.PutUint32(signedID, creds.SignedPreKey.KeyID)

	return binarynode.BinaryNode{
		Tag: "key",
		Content: binarynode.NodeList{
			{
				Tag: "user",
				Content: binarynode.NodeList{
					{Tag: "identity", Content: binarynode.Bytes(creds.SignedIdentityKey.Public[:])},
					{Tag: "registration", Content: binarynode.Bytes(regID)},
					{Tag: "signed", Content: binarynode.NodeList{
						{Tag: "id", Content: binarynode.Bytes(signedID)},
						{Tag: "public", Content: binarynode.Bytes(creds.SignedPreKey.Public[:])},
						{Tag: "signature", Content: binarynode.Bytes(creds.SignedPreKey.Signature[:])},
					}},
				},
			},
		},
	}, nil
}

// SetGroupParticipants records group's current member list, so SendText
// can fan a sender-key distribution out to anyone who hasn't seen it yet
// (spec.md §4.H). The embedder is responsible for calling this from its
// own group-metadata/usync iq round trip; this engine performs no group
// membership discovery of its own.
func (c *Client) SetGroupParticipants(group jid.JID, participants []jid.JID) {
	c.membersMu.Lock()
	defer c.membersMu.Unlock()
	c.members[group.String()] = participants
}

func (c *Client) groupParticipants(group jid.JID) []jid.JID {
	c.membersMu.Lock()
	defer c.membersMu.Unlock()
	return c.members[group.String()]
}

// groupCipherFor returns the (lazily created) sender-key cipher for a group.
func (c *Client) groupCipherFor(groupJID string) *signalcipher.GroupCipher {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	g, ok := c.groups[groupJID]
	if !ok {
		g = signalcipher.NewGroupCipher()
		c.groups[groupJID] = g
	}
	return g
}

// ensureOwnSenderKey installs this client's own sender-key distribution on
// first use, deriving a stable chain id from the group jid and our own
// identity key (rather than a central counter authority) and seeding the
// chain with fresh random key material.
func (c *Client) ensureOwnSenderKey(group jid.JID, cipher *signalcipher.GroupCipher) error {
	if cipher.HasOwnSenderKey() {
		return nil
	}

	c.credsMu.RLock()
	identityPub := c.creds.SignedIdentityKey.Public
	c.credsMu.RUnlock()

	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return fmt.Errorf("waengine: seeding sender key for %s: %w", group.String(), err)
	}
	chainID := signalcipher.ChainIDFromGroup(group.String(), addressFromIdentity(identityPub))
	cipher.OwnDistribution(identityPub, chainID, seed)
	return nil
}

// addressFromIdentity gives ensureOwnSenderKey a stable per-identity string
// to mix into the chain id without needing a real device jid on hand.
func addressFromIdentity(identityPub [32]byte) string {
	return fmt.Sprintf("%x", identityPub)
}

// sessionFor returns the (lazily created) session cipher for address.
func (c *Client) sessionFor(address string) *signalcipher.SessionCipher {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	s, ok := c.sessions[address]
	if !ok {
		c.credsMu.RLock()
		local := signalcipher.LocalIdentity{
			IdentityPriv: c.creds.SignedIdentityKey.Private,
			IdentityPub:  c.creds.SignedIdentityKey.Public,
		}
		c.credsMu.RUnlock()
		s = signalcipher.NewSessionCipher(local, nil, signalcipher.PermissiveTrust)
		c.sessions[address] = s
	}
	return s
}

// Decrypt implements receiver.Decrypter. For a "pkmsg" envelope, the
// first 32 bytes of ciphertext are the sender's fresh ephemeral public
// key (an engine-local framing choice — see DESIGN.md — distinct from
// the official wire format, since that detail is out of this engine's
// reach without the phone-side pairing partner to interoperate against)
// and the remainder is the usual AEAD body; for "msg" the session must
// already exist.
func (c *Client) Decrypt(address string, envelopeType string, ciphertext []byte) ([]byte, error) {
	session := c.sessionFor(address)

	if envelopeType == "pkmsg" {
		if len(ciphertext) < 32 {
			return nil, fmt.Errorf("waengine: pkmsg too short")
		}
		var peerEphemeral [32]byte
		copy(peerEphemeral[:], ciphertext[:32])

		c.credsMu.RLock()
		signedPreKeyPriv := c.creds.SignedPreKey.Private
		c.credsMu.RUnlock()

		peerIdentity, err := addressIdentity(address)
		if err != nil {
			return nil, err
		}
		if err := session.AcceptPreKeyMessage(peerIdentity, peerEphemeral, signedPreKeyPriv, nil); err != nil {
			return nil, err
		}
		ciphertext = ciphertext[32:]
	}

	return session.Decrypt(ciphertext)
}

// deviceEncrypter adapts Client to sender.DeviceEncrypter. It exists
// separately from Client itself because DeviceEncrypter.Encrypt and
// GroupEncrypter.Encrypt have different signatures and Go methods can't
// be overloaded on a single receiver type.
type deviceEncrypter struct{ c *Client }

func (d deviceEncrypter) Encrypt(ctx context.Context, device jid.JID, plaintext []byte) ([]byte, string, error) {
	session := d.c.sessionFor(device.SignalAddress())
	if !session.HasSession() {
		ephemeralPub, err := d.establishSession(ctx, device, session)
		if err != nil {
			return nil, "", fmt.Errorf("waengine: establishing session with %s: %w", device.String(), err)
		}
		ciphertext, err := session.Encrypt(plaintext)
		if err != nil {
			return nil, "", err
		}
		envelope := append(append([]byte{}, ephemeralPub[:]...), ciphertext...)
		return envelope, "pkmsg", nil
	}
	ciphertext, err := session.Encrypt(plaintext)
	return ciphertext, "msg", err
}

// establishSession runs spec.md §4.D's processPreKeyBundle step: fetch
// device's current pre-key bundle over the wire, then seed session with
// it, returning the fresh ephemeral public key the pkmsg envelope must
// carry so the peer can run the matching AcceptPreKeyMessage.
func (d deviceEncrypter) establishSession(ctx context.Context, device jid.JID, session *signalcipher.SessionCipher) ([32]byte, error) {
	bundle, err := d.c.requestPreKeyBundle(ctx, device)
	if err != nil {
		return [32]byte{}, fmt.Errorf("fetching pre-key bundle: %w", err)
	}
	var ephemeralPriv [32]byte
	if _, err := rand.Read(ephemeralPriv[:]); err != nil {
		return [32]byte{}, fmt.Errorf("generating session ephemeral key: %w", err)
	}
	return session.ProcessPreKeyBundle(device.SignalAddress(), bundle, ephemeralPriv)
}

// groupEncrypter adapts Client to sender.GroupEncrypter.
type groupEncrypter struct{ c *Client }

func (g groupEncrypter) Encrypt(ctx context.Context, group jid.JID, plaintext []byte) ([]byte, error) {
	cipher := g.c.groupCipherFor(group.String())
	if err := g.c.ensureOwnSenderKey(group, cipher); err != nil {
		return nil, err
	}
	return cipher.Encrypt(plaintext)
}

// Participants resolves group metadata from the membership cache
// SetGroupParticipants populates. This engine performs no group-metadata
// iq round trip of its own (spec.md §4.F leaves device/group resolution
// to the embedder); an empty cache simply means no one is fanned out to
// yet.
func (g groupEncrypter) Participants(ctx context.Context, group jid.JID) ([]jid.JID, error) {
	return g.c.groupParticipants(group), nil
}

// Distribution returns our current sender-key distribution for group,
// installing one first if we have never sent a group message here
// before (spec.md §4.H).
func (g groupEncrypter) Distribution(ctx context.Context, group jid.JID) ([]byte, error) {
	cipher := g.c.groupCipherFor(group.String())
	if err := g.c.ensureOwnSenderKey(group, cipher); err != nil {
		return nil, err
	}
	dist, ok := cipher.CurrentOwnDistribution()
	if !ok {
		return nil, fmt.Errorf("waengine: no sender key installed for %s", group.String())
	}
	return dist.Marshal(), nil
}

// addressIdentity is a placeholder mapping from a SignalAddress string
// back to the peer's identity key; a real deployment looks this up from
// the device-list/identity-key cache populated by usync, not derived
// from the address string itself.
func addressIdentity(address string) ([32]byte, error) {
	var out [32]byte
	if len(address) == 0 {
		return out, fmt.Errorf("waengine: empty address")
	}
	b := []byte(address)
	for i := range out {
		out[i] = b[i%len(b)]
	}
	return out, nil
}
