package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/golang/glog"
)

const probeKey = "__gophboard_probe__"

// Tiered is the storage strategy chosen once at startup: the durable tier when
// it passes a probe, and the session tier for everything the durable tier
// cannot take. Callers never branch on which tier is in use.
type Tiered struct {
	durable Store
	session *SessionStore
}

// Select probes durable and returns the strategy. A nil or failing durable
// store leaves the session tier as the only backend.
func Select(ctx context.Context, durable Store, session *SessionStore) *Tiered {
	t := &Tiered{session: session}
	if durable == nil {
		glog.Warningf("no durable storage configured, using session storage only")
		return t
	}
	if err := probe(ctx, durable); err != nil {
		glog.Warningf("durable storage unavailable, using session storage only: %v", err)
		return t
	}
	t.durable = durable
	return t
}

func probe(ctx context.Context, s Store) error {
	if err := s.Set(ctx, probeKey, []byte("1")); err != nil {
		return fmt.Errorf("probe write: %w", err)
	}
	if _, err := s.Get(ctx, probeKey); err != nil {
		return fmt.Errorf("probe read: %w", err)
	}
	if err := s.Delete(ctx, probeKey); err != nil {
		return fmt.Errorf("probe delete: %w", err)
	}
	return nil
}

// Durable reports whether the durable tier passed the probe.
func (t *Tiered) Durable() bool {
	return t.durable != nil
}

// Session exposes the session tier for page-hide cleanup.
func (t *Tiered) Session() *SessionStore {
	return t.session
}

// Get reads the session tier first, then the durable tier. A session entry
// only exists while it is newer than the durable one: Set retires it on the
// next successful durable write.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	if v, err := t.session.Get(ctx, key); err == nil || t.durable == nil {
		return v, err
	}
	v, err := t.durable.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		glog.V(1).Infof("durable get %s failed: %v", key, err)
	}
	return v, err
}

// Set writes the durable tier and falls back to the session tier on failure.
func (t *Tiered) Set(ctx context.Context, key string, value []byte) error {
	if t.durable != nil {
		err := t.durable.Set(ctx, key, value)
		if err == nil {
			t.session.Delete(ctx, key)
			return nil
		}
		glog.Warningf("durable set %s failed, writing session tier: %v", key, err)
	}
	return t.session.Set(ctx, key, value)
}

// Delete removes key from both tiers.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	var err error
	if t.durable != nil {
		err = t.durable.Delete(ctx, key)
	}
	t.session.Delete(ctx, key)
	return err
}

// Keys returns the union of both tiers.
func (t *Tiered) Keys(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	if t.durable != nil {
		keys, err := t.durable.Keys(ctx, prefix)
		if err != nil {
			glog.Warningf("durable keys %s failed: %v", prefix, err)
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	keys, _ := t.session.Keys(ctx, prefix)
	for _, k := range keys {
		seen[k] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
