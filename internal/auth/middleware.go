package auth

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/owulveryck/cipherhub/internal/envelope"
)

// senderKey is where the middleware parks the authenticated sender in
// the gin context.
const senderKey = "cipherhub.sender"

// MaxBodyBytes bounds envelope bodies. Tasks are small ciphertext
// shells; anything bigger is abuse.
const MaxBodyBytes = 1 << 20

// RequireSignature authenticates every request with the extended
// SamplyJWT Authorization token. The body is read here so the digest
// can be checked; handlers get it back untouched.
func RequireSignature(verifier *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, Scheme+" ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + Scheme + " authorization"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes)
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		sender, err := verifier.VerifyRequest(c.Request.Context(), token, c.Request.Method, c.Request.URL.RequestURI(), body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(senderKey, sender)
		c.Next()
	}
}

// Sender returns the authenticated sender placed by RequireSignature.
// The boolean is false on routes that skipped authentication.
func Sender(c *gin.Context) (envelope.AppOrProxyID, bool) {
	v, ok := c.Get(senderKey)
	if !ok {
		return envelope.AppOrProxyID{}, false
	}
	id, ok := v.(envelope.AppOrProxyID)
	return id, ok
}
