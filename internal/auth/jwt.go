package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/owulveryck/cipherhub/internal/envelope"
)

// Scheme is the Authorization scheme carrying the extended request
// signature.
const Scheme = "SamplyJWT"

// DefaultSkew is how far a request's dat claim may drift from the
// broker's clock.
const DefaultSkew = 5 * time.Minute

// envelopeTokenLifetime bounds the exp claim of envelope tokens. The
// broker only verifies at ingress; the margin exists so recipients can
// re-verify tokens that rode along in long-polled responses.
const envelopeTokenLifetime = 24 * time.Hour

var (
	// ErrInvalidToken: the JWS failed to parse or its signature or
	// registered claims did not check out.
	ErrInvalidToken = errors.New("invalid token")
	// ErrWrongSender: the envelope's from does not match the token's
	// subject.
	ErrWrongSender = errors.New("envelope from does not match token subject")
	// ErrStaleRequest: the dat claim is outside the accepted skew.
	ErrStaleRequest = errors.New("request signature outside accepted clock skew")
	// ErrRequestMismatch: the signed method or URI differs from the
	// request line.
	ErrRequestMismatch = errors.New("signature does not cover this request")
	// ErrDigestMismatch: the signed body digest differs from the body.
	ErrDigestMismatch = errors.New("body digest mismatch")
)

// BodyDigest is the b64url SHA-256 of a body JWS's signature segment,
// or "" for an empty body. Digesting only the signature segment is
// enough: it already commits to header and claims.
func BodyDigest(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	seg := body
	if i := strings.LastIndexByte(string(body), '.'); i >= 0 {
		seg = body[i+1:]
	}
	sum := sha256.Sum256(seg)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

type envelopeClaims struct {
	jwt.RegisteredClaims
	Msg json.RawMessage `json:"msg"`
}

type requestClaims struct {
	jwt.RegisteredClaims
	Method string `json:"mth"`
	URI    string `json:"uri"`
	Date   int64  `json:"dat"`
	Digest string `json:"dig"`
}

// Signer mints the two token kinds one party needs: envelope tokens
// wrapping a payload, and extended request tokens covering the HTTP
// request line, date and body digest.
type Signer struct {
	id    envelope.AppOrProxyID
	store KeyStore
}

// NewSigner signs as id, with key material from store. Proxies sign on
// behalf of their apps, so the key lookup always resolves id's proxy.
func NewSigner(id envelope.AppOrProxyID, store KeyStore) *Signer {
	return &Signer{id: id, store: store}
}

// ID returns the identity this signer asserts as sub.
func (s *Signer) ID() envelope.AppOrProxyID { return s.id }

// SignEnvelope wraps msg in a compact JWS with the signer's identity
// as subject.
func (s *Signer) SignEnvelope(ctx context.Context, msg any) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encoding envelope payload: %w", err)
	}
	now := time.Now()
	claims := envelopeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.id.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(envelopeTokenLifetime)),
		},
		Msg: raw,
	}
	return s.sign(ctx, claims)
}

// SignRequest mints the extended token for one HTTP request. body is
// the raw request body (the envelope JWS), empty for bodyless
// requests.
func (s *Signer) SignRequest(ctx context.Context, method, uri string, body []byte) (string, error) {
	now := time.Now()
	claims := requestClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.id.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(DefaultSkew)),
		},
		Method: method,
		URI:    uri,
		Date:   now.Unix(),
		Digest: BodyDigest(body),
	}
	return s.sign(ctx, claims)
}

func (s *Signer) sign(ctx context.Context, claims jwt.Claims) (string, error) {
	key, err := s.store.ProxyKey(ctx, s.id)
	if err != nil {
		return "", err
	}
	method := jwt.GetSigningMethod(key.Algorithm)
	if method == nil {
		return "", fmt.Errorf("unknown signing algorithm %q", key.Algorithm)
	}
	token, err := jwt.NewWithClaims(method, claims).SignedString(key.Signing)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Verifier checks the two token kinds against the key store. A request
// that passes VerifyRequest has a trustworthy sender; an envelope that
// passes VerifyEnvelope has a trustworthy from.
type Verifier struct {
	store KeyStore
	skew  time.Duration
}

// NewVerifier builds a verifier. A non-positive skew falls back to
// DefaultSkew.
func NewVerifier(store KeyStore, skew time.Duration) *Verifier {
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &Verifier{store: store, skew: skew}
}

// keyfunc resolves the verification key of the token subject's proxy
// and pins the algorithm to what the store says that proxy uses.
func (v *Verifier) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		sub, err := token.Claims.GetSubject()
		if err != nil {
			return nil, err
		}
		sender, err := envelope.ParseAppOrProxyID(sub)
		if err != nil {
			return nil, err
		}
		key, err := v.store.ProxyKey(ctx, sender)
		if err != nil {
			return nil, err
		}
		if token.Method.Alg() != key.Algorithm {
			return nil, fmt.Errorf("token signed with %q, proxy key expects %q", token.Method.Alg(), key.Algorithm)
		}
		return key.Verification, nil
	}
}

// VerifyRequest validates an extended request token against the actual
// request line and body and returns the authenticated sender.
func (v *Verifier) VerifyRequest(ctx context.Context, token, method, uri string, body []byte) (envelope.AppOrProxyID, error) {
	claims := &requestClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, v.keyfunc(ctx), jwt.WithLeeway(v.skew)); err != nil {
		return envelope.AppOrProxyID{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Method != method || claims.URI != uri {
		return envelope.AppOrProxyID{}, ErrRequestMismatch
	}
	if d := time.Since(time.Unix(claims.Date, 0)); d > v.skew || d < -v.skew {
		return envelope.AppOrProxyID{}, ErrStaleRequest
	}
	if claims.Digest != BodyDigest(body) {
		return envelope.AppOrProxyID{}, ErrDigestMismatch
	}
	sender, err := envelope.ParseAppOrProxyID(claims.Subject)
	if err != nil {
		return envelope.AppOrProxyID{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return sender, nil
}

// VerifyEnvelope validates an envelope token, decodes its payload and
// checks that the payload's from matches the token subject. It is the
// only constructor of Signed values in the system.
func VerifyEnvelope[T any, PT interface {
	*T
	Sender() envelope.AppOrProxyID
}](ctx context.Context, v *Verifier, token string) (envelope.Signed[PT], error) {
	claims := &envelopeClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, v.keyfunc(ctx), jwt.WithLeeway(v.skew)); err != nil {
		return envelope.Signed[PT]{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	msg := PT(new(T))
	if err := json.Unmarshal(claims.Msg, msg); err != nil {
		return envelope.Signed[PT]{}, fmt.Errorf("%w: decoding payload: %v", ErrInvalidToken, err)
	}
	from, err := envelope.ParseAppOrProxyID(claims.Subject)
	if err != nil {
		return envelope.Signed[PT]{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if msg.Sender() != from {
		return envelope.Signed[PT]{}, ErrWrongSender
	}
	return envelope.NewSigned(msg, token, from), nil
}
