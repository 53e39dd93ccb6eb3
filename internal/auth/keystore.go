package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/owulveryck/cipherhub/internal/envelope"
)

// ProxyKey is one proxy's key material together with the JWS algorithm
// it signs with. For the HS256 dev path Signing and Verification are
// the same shared secret; for asymmetric algorithms Signing holds the
// private key and Verification the public one.
type ProxyKey struct {
	Algorithm    string
	Signing      any
	Verification any
}

// KeyStore resolves the key material of a proxy. How keys are loaded
// (files, a CA, a remote directory) is an external concern; the broker
// and the client library only ever go through this interface.
type KeyStore interface {
	ProxyKey(ctx context.Context, proxy envelope.AppOrProxyID) (ProxyKey, error)
}

// ErrUnknownProxy is returned when no key material exists for a proxy.
var ErrUnknownProxy = fmt.Errorf("no key material for proxy")

// StaticKeyStore holds proxy keys in memory. It backs tests, demos and
// single-site deployments where secrets arrive via configuration.
type StaticKeyStore struct {
	mu   sync.RWMutex
	keys map[string]ProxyKey
}

func NewStaticKeyStore() *StaticKeyStore {
	return &StaticKeyStore{keys: make(map[string]ProxyKey)}
}

// AddSecret registers an HS256 shared secret for proxy.
func (s *StaticKeyStore) AddSecret(proxy envelope.AppOrProxyID, secret []byte) {
	s.AddKey(proxy, ProxyKey{Algorithm: "HS256", Signing: secret, Verification: secret})
}

// AddKey registers arbitrary key material for proxy.
func (s *StaticKeyStore) AddKey(proxy envelope.AppOrProxyID, key ProxyKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[proxy.Proxy().String()] = key
}

func (s *StaticKeyStore) ProxyKey(ctx context.Context, proxy envelope.AppOrProxyID) (ProxyKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[proxy.Proxy().String()]
	if !ok {
		return ProxyKey{}, fmt.Errorf("%w: %s", ErrUnknownProxy, proxy.Proxy())
	}
	return key, nil
}

// SharedSecretKeyStore signs and verifies every proxy with one HS256
// secret. Demo and single-operator deployments only; production wires
// a real per-proxy store behind the same interface.
type SharedSecretKeyStore struct {
	Secret []byte
}

func (s SharedSecretKeyStore) ProxyKey(ctx context.Context, proxy envelope.AppOrProxyID) (ProxyKey, error) {
	if len(s.Secret) == 0 {
		return ProxyKey{}, fmt.Errorf("%w: shared secret not configured", ErrUnknownProxy)
	}
	return ProxyKey{Algorithm: "HS256", Signing: s.Secret, Verification: s.Secret}, nil
}

// CachedKeyStore puts a TTL cache in front of a slower KeyStore, so a
// burst of requests from one proxy resolves its key once. Lookup
// failures are not cached; a proxy that just registered becomes usable
// on the next request.
type CachedKeyStore struct {
	next  KeyStore
	cache *gocache.Cache
}

// NewCachedKeyStore caches successful lookups from next for ttl.
func NewCachedKeyStore(next KeyStore, ttl time.Duration) *CachedKeyStore {
	return &CachedKeyStore{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (c *CachedKeyStore) ProxyKey(ctx context.Context, proxy envelope.AppOrProxyID) (ProxyKey, error) {
	name := proxy.Proxy().String()
	if cached, ok := c.cache.Get(name); ok {
		return cached.(ProxyKey), nil
	}
	key, err := c.next.ProxyKey(ctx, proxy)
	if err != nil {
		return ProxyKey{}, err
	}
	c.cache.SetDefault(name, key)
	return key, nil
}
