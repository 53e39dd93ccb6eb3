package envelope

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// IDKind discriminates the two identity levels that may appear as a
// sender or recipient of an envelope.
type IDKind int

const (
	KindInvalid IDKind = iota
	KindProxy
	KindApp
)

func (k IDKind) String() string {
	switch k {
	case KindProxy:
		return "proxy"
	case KindApp:
		return "app"
	default:
		return "invalid"
	}
}

// brokerDomain is fixed once at startup; every identity in the system
// must be rooted under it. Mirrors the broker name being part of the
// process identity rather than per-request state.
var brokerDomain atomic.Value

// SetBrokerDomain installs the broker's own domain (e.g.
// "broker.example.org"). It must be called before any identity is
// parsed. Calling it again replaces the domain; identities parsed under
// the previous domain keep their string form.
func SetBrokerDomain(domain string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return fmt.Errorf("broker domain must not be empty")
	}
	for _, label := range strings.Split(domain, ".") {
		if err := checkLabel(label); err != nil {
			return fmt.Errorf("broker domain %q: %w", domain, err)
		}
	}
	brokerDomain.Store(domain)
	return nil
}

// BrokerDomain returns the configured broker domain, or "" if
// SetBrokerDomain has not been called.
func BrokerDomain() string {
	d, _ := brokerDomain.Load().(string)
	return d
}

// AppOrProxyID names either an app (app.proxy.broker-domain) or a proxy
// (proxy.broker-domain). The zero value is invalid.
type AppOrProxyID struct {
	kind IDKind
	name string
}

// NewProxyID builds the identity of a proxy directly under the broker.
func NewProxyID(proxy string) (AppOrProxyID, error) {
	domain := BrokerDomain()
	if domain == "" {
		return AppOrProxyID{}, fmt.Errorf("broker domain not configured")
	}
	proxy = strings.ToLower(proxy)
	if err := checkLabel(proxy); err != nil {
		return AppOrProxyID{}, fmt.Errorf("proxy label %q: %w", proxy, err)
	}
	return AppOrProxyID{kind: KindProxy, name: proxy + "." + domain}, nil
}

// NewAppID builds the identity of an app behind the given proxy.
func NewAppID(app, proxy string) (AppOrProxyID, error) {
	p, err := NewProxyID(proxy)
	if err != nil {
		return AppOrProxyID{}, err
	}
	app = strings.ToLower(app)
	if err := checkLabel(app); err != nil {
		return AppOrProxyID{}, fmt.Errorf("app label %q: %w", app, err)
	}
	return AppOrProxyID{kind: KindApp, name: app + "." + p.name}, nil
}

// ParseAppOrProxyID parses a dot-joined identity and classifies it by
// how many labels precede the broker domain: one is a proxy, two an
// app. Anything else is rejected.
func ParseAppOrProxyID(s string) (AppOrProxyID, error) {
	domain := BrokerDomain()
	if domain == "" {
		return AppOrProxyID{}, fmt.Errorf("broker domain not configured")
	}
	s = strings.ToLower(strings.TrimSpace(s))
	suffix := "." + domain
	if !strings.HasSuffix(s, suffix) {
		return AppOrProxyID{}, fmt.Errorf("identity %q is not under broker domain %q", s, domain)
	}
	rest := strings.TrimSuffix(s, suffix)
	labels := strings.Split(rest, ".")
	for _, label := range labels {
		if err := checkLabel(label); err != nil {
			return AppOrProxyID{}, fmt.Errorf("identity %q: %w", s, err)
		}
	}
	switch len(labels) {
	case 1:
		return AppOrProxyID{kind: KindProxy, name: s}, nil
	case 2:
		return AppOrProxyID{kind: KindApp, name: s}, nil
	default:
		return AppOrProxyID{}, fmt.Errorf("identity %q has %d labels above the broker, want 1 or 2", s, len(labels))
	}
}

func (id AppOrProxyID) String() string { return id.name }

func (id AppOrProxyID) Kind() IDKind { return id.kind }

func (id AppOrProxyID) IsApp() bool { return id.kind == KindApp }

func (id AppOrProxyID) IsProxy() bool { return id.kind == KindProxy }

// IsZero reports whether the identity is the invalid zero value.
func (id AppOrProxyID) IsZero() bool { return id.kind == KindInvalid }

// Proxy returns the proxy component: the identity itself for proxies,
// the owning proxy for apps.
func (id AppOrProxyID) Proxy() AppOrProxyID {
	if id.kind != KindApp {
		return id
	}
	_, rest, _ := strings.Cut(id.name, ".")
	return AppOrProxyID{kind: KindProxy, name: rest}
}

// MarshalText renders the identity as its dot-joined form, which also
// makes it usable as a JSON object key.
func (id AppOrProxyID) MarshalText() ([]byte, error) {
	if id.kind == KindInvalid {
		return nil, fmt.Errorf("cannot encode zero identity")
	}
	return []byte(id.name), nil
}

func (id *AppOrProxyID) UnmarshalText(b []byte) error {
	parsed, err := ParseAppOrProxyID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ContainsID reports whether set holds id.
func ContainsID(set []AppOrProxyID, id AppOrProxyID) bool {
	for _, c := range set {
		if c == id {
			return true
		}
	}
	return false
}

func checkLabel(label string) error {
	if label == "" || len(label) > 63 {
		return fmt.Errorf("label must be 1-63 characters")
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-' && i > 0 && i < len(label)-1:
		default:
			return fmt.Errorf("label contains invalid character %q", c)
		}
	}
	return nil
}
