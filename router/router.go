// Package router correlates outbound iq stanzas with their inbound
// result/error response, and dispatches everything else by tag/pattern
// subscription (spec.md §4.F, component F). It is grounded on the
// teacher's net.CallbackRouter: a registry of callbacks keyed by a
// routing pattern, generalized here to two distinct registries — a
// one-shot iq waiter keyed by stanza id, and a longest-match pattern
// subscription table for everything else.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Kunboruto20/borutowaileys-library/binarynode"
)

// DefaultIQTimeout matches the teacher's default request timeout,
// generalized from a DHT ping's RTT budget to an iq round-trip budget
// (spec.md §4.F).
const DefaultIQTimeout = 75 * time.Second

// Pattern is a dot-separated tag path, e.g. "message" or
// "message.notification", matched by longest-prefix against an inbound
// node's tag.
type Pattern string

type waiter struct {
	ch chan binarynode.BinaryNode
}

// Router owns the iq-id waiter table and the pattern subscription table.
type Router struct {
	log *logrus.Logger

	mu      sync.Mutex
	waiters map[string]*waiter

	subMu sync.RWMutex
	subs  map[Pattern][]func(binarynode.BinaryNode)
}

// New creates an empty Router. A nil logger defaults to
// logrus.StandardLogger().
func New(log *logrus.Logger) *Router {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Router{
		log:     log,
		waiters: make(map[string]*waiter),
		subs:    make(map[Pattern][]func(binarynode.BinaryNode)),
	}
}

// Subscribe registers fn to run, in registration order, for every
// dispatched node whose tag matches pattern by longest-prefix (spec.md
// §4.F "pattern-subscription registry with longest-match semantics").
// Subscriptions never consume the node — Dispatch always continues to
// every matching subscriber.
func (r *Router) Subscribe(pattern Pattern, fn func(binarynode.BinaryNode)) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subs[pattern] = append(r.subs[pattern], fn)
}

// AwaitIQ registers a one-shot waiter for the response to the iq stanza
// identified by id, and blocks until it arrives, ctx is done, or the
// router is closed. The caller is responsible for having already sent
// the iq with this id.
func (r *Router) AwaitIQ(ctx context.Context, id string) (binarynode.BinaryNode, error) {
	w := &waiter{ch: make(chan binarynode.BinaryNode, 1)}

	r.mu.Lock()
	r.waiters[id] = w
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.waiters, id)
		r.mu.Unlock()
	}()

	select {
	case resp, ok := <-w.ch:
		if !ok {
			return binarynode.BinaryNode{}, fmt.Errorf("router: waiting for iq %q: router closed", id)
		}
		return resp, nil
	case <-ctx.Done():
		return binarynode.BinaryNode{}, fmt.Errorf("router: waiting for iq %q: %w", id, ctx.Err())
	}
}

// Dispatch routes one inbound node: if it is an iq with a matching
// waiter, the waiter is satisfied and no pattern subscriber runs for it
// (spec.md §4.F: the iq reply is consumed by its correlated caller);
// otherwise every subscription whose pattern matches by longest-prefix
// runs, in registration order, panics recovered per-subscriber so one
// bad handler cannot take down the dispatch loop.
func (r *Router) Dispatch(n binarynode.BinaryNode) {
	if n.Tag == "iq" {
		if id, ok := n.Attrs["id"]; ok {
			r.mu.Lock()
			w, found := r.waiters[id]
			r.mu.Unlock()
			if found {
				select {
				case w.ch <- n:
				default:
				}
				return
			}
		}
	}

	for _, fn := range r.matchingSubscribers(n.Tag) {
		r.runSubscriber(fn, n)
	}
}

func (r *Router) runSubscriber(fn func(binarynode.BinaryNode), n binarynode.BinaryNode) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", rec).Error("router: subscriber panicked")
		}
	}()
	fn(n)
}

// matchingSubscribers returns, in longest-pattern-first then
// registration order, every subscriber whose pattern is a dot-path
// prefix of tag (or exactly equal to it).
func (r *Router) matchingSubscribers(tag string) []func(binarynode.BinaryNode) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	type match struct {
		pattern Pattern
		fns     []func(binarynode.BinaryNode)
	}
	var matches []match
	for pattern, fns := range r.subs {
		if matchesTag(string(pattern), tag) {
			matches = append(matches, match{pattern, fns})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return len(matches[i].pattern) > len(matches[j].pattern)
	})

	var out []func(binarynode.BinaryNode)
	for _, m := range matches {
		out = append(out, m.fns...)
	}
	return out
}

func matchesTag(pattern, tag string) bool {
	if pattern == tag {
		return true
	}
	return strings.HasPrefix(tag, pattern+".")
}

// Close fails every outstanding iq waiter, used on connection teardown so
// in-flight requests return promptly instead of hanging until their
// individual ctx timeout (spec.md component I teardown semantics).
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, w := range r.waiters {
		close(w.ch)
		delete(r.waiters, id)
	}
}
