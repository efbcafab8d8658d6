package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	errTokenFormat    = errors.New("invalid token format")
	errTokenSignature = errors.New("invalid token signature")
	errTokenExpired   = errors.New("token expired")
)

// DocumentToken is the decoded content of a signed download token.
type DocumentToken struct {
	Subject   string
	Path      string
	ExpiresAt time.Time
}

// SignedURLSigner creates and validates signed document download tokens.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSignedURLSigner constructs a signer with the provided secret and TTL.
func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SignedURLSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Sign returns a token granting access to relPath on behalf of subject.
func (s *SignedURLSigner) Sign(subject, relPath string) (string, DocumentToken, error) {
	if subject == "" || relPath == "" {
		return "", DocumentToken{}, fmt.Errorf("subject and path required")
	}
	if len(s.secret) == 0 {
		return "", DocumentToken{}, fmt.Errorf("signing secret missing")
	}
	tok := DocumentToken{Subject: subject, Path: relPath, ExpiresAt: s.now().Add(s.ttl).Truncate(time.Second)}
	ts := strconv.FormatInt(tok.ExpiresAt.Unix(), 10)
	encodedSubject := base64.RawURLEncoding.EncodeToString([]byte(subject))
	encodedPath := base64.RawURLEncoding.EncodeToString([]byte(relPath))
	sig := s.signature(encodedSubject, ts, encodedPath)
	return strings.Join([]string{encodedSubject, ts, encodedPath, sig}, "."), tok, nil
}

// Verify validates the token signature and expiry.
func (s *SignedURLSigner) Verify(token string) (DocumentToken, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return DocumentToken{}, errTokenFormat
	}
	encodedSubject, ts, encodedPath, sig := parts[0], parts[1], parts[2], parts[3]
	if !hmac.Equal([]byte(s.signature(encodedSubject, ts, encodedPath)), []byte(sig)) {
		return DocumentToken{}, errTokenSignature
	}
	subject, err := base64.RawURLEncoding.DecodeString(encodedSubject)
	if err != nil {
		return DocumentToken{}, errTokenFormat
	}
	path, err := base64.RawURLEncoding.DecodeString(encodedPath)
	if err != nil {
		return DocumentToken{}, errTokenFormat
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return DocumentToken{}, errTokenFormat
	}
	tok := DocumentToken{Subject: string(subject), Path: string(path), ExpiresAt: time.Unix(unix, 0)}
	if s.now().After(tok.ExpiresAt) {
		return DocumentToken{}, errTokenExpired
	}
	return tok, nil
}

func (s *SignedURLSigner) signature(parts ...string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}
