package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// SubjectHeader names the caller when the raw shared secret is presented
const SubjectHeader = "X-Parley-Subject"

const anonymousSubject = "anonymous"

var (
	ErrMissingCredentials = errors.New("missing bearer token")
	ErrInvalidCredentials = errors.New("invalid bearer token")
	ErrForbidden          = errors.New("access to thread denied")
)

// Identity is the authenticated caller of a request
type Identity struct {
	Subject string
}

// Authorizer decides whether id may act on threadID. A nil error grants access.
type Authorizer func(ctx context.Context, id Identity, threadID string) error

// AllowAll is the default Authorizer
func AllowAll(context.Context, Identity, string) error { return nil }

// Authenticator checks bearer tokens against the gateway's shared secret.
//
// Two token forms are accepted: the secret itself, used by trusted backends that
// name the caller in SubjectHeader, and a signed subject token of the form
// "<subject>.<hex hmac-sha256(secret, subject)>" issued by SignSubject.
// With an empty secret authentication is disabled.
type Authenticator struct {
	sharedSecret string
}

// NewAuthenticator creates an authenticator for secret
func NewAuthenticator(sharedSecret string) *Authenticator {
	return &Authenticator{sharedSecret: sharedSecret}
}

// Enabled reports whether requests must carry a token
func (a *Authenticator) Enabled() bool {
	return a.sharedSecret != ""
}

// SignSubject issues a bearer token bound to subject
func (a *Authenticator) SignSubject(subject string) string {
	return subject + "." + a.sign(subject)
}

// VerifySignature checks an HMAC-SHA256 signature of subject
func (a *Authenticator) VerifySignature(subject, signature string) bool {
	return subtle.ConstantTimeCompare([]byte(a.sign(subject)), []byte(signature)) == 1
}

func (a *Authenticator) sign(subject string) string {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(subject))
	return hex.EncodeToString(h.Sum(nil))
}

// Authenticate resolves the identity of r
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if !a.Enabled() {
		return Identity{Subject: headerSubject(r)}, nil
	}

	token, ok := bearerToken(r)
	if !ok {
		return Identity{}, ErrMissingCredentials
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(a.sharedSecret)) == 1 {
		return Identity{Subject: headerSubject(r)}, nil
	}

	idx := strings.LastIndexByte(token, '.')
	if idx <= 0 || idx == len(token)-1 {
		return Identity{}, ErrInvalidCredentials
	}
	subject, signature := token[:idx], token[idx+1:]
	if !a.VerifySignature(subject, signature) {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{Subject: subject}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func headerSubject(r *http.Request) string {
	if subject := strings.TrimSpace(r.Header.Get(SubjectHeader)); subject != "" {
		return subject
	}
	return anonymousSubject
}
