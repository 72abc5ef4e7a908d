// Package fanout delivers events to subscribed live connections.
//
// Delivery is best-effort: subscribers observe events on one channel in
// publish order, nothing is queued for absent connections, and a failed
// send never fails the publish. The fanout router is not a message broker.
package fanout

import (
	"fmt"
	"strings"

	"github.com/zymochat/platform/internal/model"
)

// Namespace partitions the channel key space so a conversation id can never
// collide with a tenant or identity id.
type Namespace string

const (
	NamespaceConversation Namespace = "conversation"
	NamespaceTenant       Namespace = "tenant"
	NamespaceIdentity     Namespace = "identity"
)

// ChannelKey names one broadcast channel.
type ChannelKey struct {
	Namespace Namespace
	ID        string
}

// Conversation returns the channel for parties viewing one conversation.
func Conversation(id string) ChannelKey {
	return ChannelKey{Namespace: NamespaceConversation, ID: id}
}

// Tenant returns the channel every member of the tenant is subscribed to.
func Tenant(id string) ChannelKey {
	return ChannelKey{Namespace: NamespaceTenant, ID: id}
}

// Identity returns the channel for one identity's own connections.
func Identity(id string) ChannelKey {
	return ChannelKey{Namespace: NamespaceIdentity, ID: id}
}

// String renders the wire form, e.g. "conversation:01924fd3-…".
func (k ChannelKey) String() string {
	return string(k.Namespace) + ":" + k.ID
}

// ParseKey inverts String.
func ParseKey(s string) (ChannelKey, error) {
	ns, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return ChannelKey{}, fmt.Errorf("invalid channel key %q: %w", s, model.ErrMalformed)
	}
	switch Namespace(ns) {
	case NamespaceConversation, NamespaceTenant, NamespaceIdentity:
		return ChannelKey{Namespace: Namespace(ns), ID: id}, nil
	}
	return ChannelKey{}, fmt.Errorf("unknown channel namespace %q: %w", ns, model.ErrMalformed)
}

// Conn is a live connection the router can deliver to. Send must be safe
// for concurrent use and must not block indefinitely.
type Conn interface {
	ID() string
	Send(ev model.Event) error
}
