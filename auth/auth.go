// Package auth implements the broker's pluggable authentication and
// authorization surface (spec.md §4.5 "Authentication and authorization").
package auth

import (
	"context"
	"sync"
)

// Credentials is what a CONNECT offered for authentication: a
// username/password pair, a client certificate, or nothing at all.
type Credentials struct {
	Username        string
	Password        string
	CertificatePEM  string
}

// Identity is the authenticated principal a session acts as once
// Authenticator.Authenticate succeeds. It is distinct from ClientID:
// many client ids can authenticate as the same identity.
type Identity string

// Authenticator decides whether a CONNECT's credentials are acceptable
// and what identity they authenticate as.
type Authenticator interface {
	// Authenticate returns the identity behind creds, or ok=false if the
	// credentials are not acceptable (spec.md §4.3 "Connect": a failed
	// authentication sends CONNACK with ErrBadUsernameOrPassword or
	// ErrNotAuthorized and closes the connection).
	Authenticate(ctx context.Context, creds Credentials) (id Identity, ok bool, err error)
}

// Operation is one of the four activities an Authorizer is asked to
// permit (spec.md §4.5 "Authorization"): Connect, Publish(topic),
// Subscribe(filter), and Receive(topic) — the last covering delivery to
// an individual subscriber, separately from whether that subscriber was
// allowed to subscribe in the first place.
type Operation int

const (
	OpPublish Operation = iota
	OpSubscribe
	// OpConnect gates the Connect activity: consulted once per CONNECT,
	// after authentication succeeds, and again by the broker's
	// reauthorize sweep whenever AuthorizationUpdate fires (spec.md §4.3
	// "Connect", "Authorization update").
	OpConnect
	// OpReceive gates delivery of a specific publication to a specific
	// subscriber, consulted on every deliver, independent of the
	// Subscribe-time check against the filter (spec.md §4.5).
	OpReceive
)

// Authorizer decides whether an authenticated identity may perform one of
// the four activities against a given topic/filter (spec.md §4.5
// "Authorization"). Re-evaluation: the broker calls Authorize again
// whenever its AuthorizationUpdate event fires, so a session's access can
// be revoked without a reconnect (spec.md §4.3 "Authorization update").
type Authorizer interface {
	Authorize(ctx context.Context, id Identity, op Operation, topic string) bool
}

// AllowAll accepts any credentials as the username (or "anonymous" for
// none) and permits every operation. It is the broker's default when no
// authentication is configured (spec.md §6 "auth.mode=none").
type AllowAll struct{}

func (AllowAll) Authenticate(_ context.Context, creds Credentials) (Identity, bool, error) {
	if creds.Username == "" {
		return Identity("anonymous"), true, nil
	}
	return Identity(creds.Username), true, nil
}

func (AllowAll) Authorize(context.Context, Identity, Operation, string) bool { return true }

// Static authenticates against a fixed username/password table
// (spec.md §6 "auth.mode=static"), grounded on the in-process Auth map
// of the teacher's config.
type Static struct {
	Credentials map[string]string // username -> password
}

func NewStatic(table map[string]string) *Static {
	return &Static{Credentials: table}
}

func (s *Static) Authenticate(_ context.Context, creds Credentials) (Identity, bool, error) {
	password, ok := s.Credentials[creds.Username]
	if !ok || password != creds.Password {
		return "", false, nil
	}
	return Identity(creds.Username), true, nil
}

// StaticAuthorizer permits Connect for every identity and grants topic
// access under "<identity>/#" only, the narrowest useful default for a
// Static deployment.
type StaticAuthorizer struct{}

func (StaticAuthorizer) Authorize(_ context.Context, id Identity, op Operation, topic string) bool {
	if op == OpConnect {
		return true
	}
	prefix := string(id) + "/"
	return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
}

// Dynamic wraps another Authorizer with a mutable allow-list of
// identities permitted to Connect, updated at runtime by the sidecar
// control plane's $edgehub/authorized_identities topic (spec.md §6
// "Sidecar control topics"). Every other Operation is delegated to Inner
// unchanged. A nil allow-list (the zero value, before the first update)
// imposes no restriction, so a broker with no sidecar configured behaves
// exactly like Inner.
type Dynamic struct {
	Inner Authorizer

	mu      sync.RWMutex
	allowed map[string]bool
}

// NewDynamic wraps inner, defaulting to AllowAll if inner is nil.
func NewDynamic(inner Authorizer) *Dynamic {
	if inner == nil {
		inner = AllowAll{}
	}
	return &Dynamic{Inner: inner}
}

// SetIdentities replaces the Connect allow-list with ids. Passing an
// empty, non-nil slice denies every identity; to lift the restriction
// entirely, construct a fresh Dynamic.
func (d *Dynamic) SetIdentities(ids []string) {
	allowed := make(map[string]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	d.mu.Lock()
	d.allowed = allowed
	d.mu.Unlock()
}

func (d *Dynamic) Authorize(ctx context.Context, id Identity, op Operation, topic string) bool {
	if op == OpConnect {
		d.mu.RLock()
		allowed := d.allowed
		d.mu.RUnlock()
		if allowed != nil && !allowed[string(id)] {
			return false
		}
	}
	return d.Inner.Authorize(ctx, id, op, topic)
}
