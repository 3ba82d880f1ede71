// Package tracking signs and verifies the tokens carried by open-pixel and
// click-redirect URLs.
package tracking

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenTTL is how long a tracking link stays valid.
const TokenTTL = 365 * 24 * time.Hour

// URL paths served by the public site.
const (
	TrackPrefix     = "/api/track/"
	OpenPath        = "/api/track/open"
	ClickPath       = "/api/track/click"
	UnsubscribePath = "/api/unsubscribe/"
)

var (
	// ErrMissingSecret is returned by NewCodec when no signing secret is set.
	ErrMissingSecret = errors.New("tracking secret is required")

	// ErrInvalidToken covers malformed, tampered and expired tokens.
	ErrInvalidToken = errors.New("invalid tracking token")
)

// OpenClaims identify one email sent to one recipient.
type OpenClaims struct {
	RecipientID uuid.UUID `json:"recipientId"`
	SequenceID  uuid.UUID `json:"sequenceId"`
	EmailID     string    `json:"emailId"`
	jwt.RegisteredClaims
}

// ClickClaims identify one link of one email sent to one recipient.
// OriginalLink is stored query-escaped.
type ClickClaims struct {
	RecipientID  uuid.UUID `json:"recipientId"`
	SequenceID   uuid.UUID `json:"sequenceId"`
	EmailID      string    `json:"emailId"`
	LinkIndex    int       `json:"linkIndex"`
	OriginalLink string    `json:"originalLink"`
	jwt.RegisteredClaims
}

// Target identifies the email a tracking URL is minted for.
type Target struct {
	RecipientID uuid.UUID
	SequenceID  uuid.UUID
	EmailID     string
}

// Codec mints and verifies HS256 tracking tokens.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec creates a codec signing with secret.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Codec{secret: []byte(secret), now: time.Now}, nil
}

func (c *Codec) registered() jwt.RegisteredClaims {
	now := c.now()
	return jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
	}
}

func (c *Codec) sign(claims jwt.Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign tracking token: %w", err)
	}
	return token, nil
}

// OpenToken mints the token for an open pixel.
func (c *Codec) OpenToken(t Target) (string, error) {
	return c.sign(&OpenClaims{
		RecipientID:      t.RecipientID,
		SequenceID:       t.SequenceID,
		EmailID:          t.EmailID,
		RegisteredClaims: c.registered(),
	})
}

// ClickToken mints the token for the link at linkIndex pointing to link.
func (c *Codec) ClickToken(t Target, linkIndex int, link string) (string, error) {
	return c.sign(&ClickClaims{
		RecipientID:      t.RecipientID,
		SequenceID:       t.SequenceID,
		EmailID:          t.EmailID,
		LinkIndex:        linkIndex,
		OriginalLink:     url.QueryEscape(link),
		RegisteredClaims: c.registered(),
	})
}

// OpenURL returns {siteURL}/api/track/open?d={token}.
func (c *Codec) OpenURL(siteURL string, t Target) (string, error) {
	token, err := c.OpenToken(t)
	if err != nil {
		return "", err
	}
	return trimSlash(siteURL) + OpenPath + "?d=" + token, nil
}

// ClickURL returns {siteURL}/api/track/click?d={token}.
func (c *Codec) ClickURL(siteURL string, t Target, linkIndex int, link string) (string, error) {
	token, err := c.ClickToken(t, linkIndex, link)
	if err != nil {
		return "", err
	}
	return trimSlash(siteURL) + ClickPath + "?d=" + token, nil
}

// UnsubscribeURL returns the recipient's one-click unsubscribe link.
func UnsubscribeURL(siteURL, token string) string {
	return trimSlash(siteURL) + UnsubscribePath + token
}

// VerifyOpen parses and validates an open token.
func (c *Codec) VerifyOpen(token string) (*OpenClaims, error) {
	claims := &OpenClaims{}
	if err := c.parse(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyClick parses and validates a click token. The returned claims carry
// the original link unescaped.
func (c *Codec) VerifyClick(token string) (*ClickClaims, error) {
	claims := &ClickClaims{}
	if err := c.parse(token, claims); err != nil {
		return nil, err
	}

	link, err := url.QueryUnescape(claims.OriginalLink)
	if err != nil {
		return nil, fmt.Errorf("%w: bad link encoding", ErrInvalidToken)
	}
	claims.OriginalLink = link
	return claims, nil
}

func (c *Codec) parse(token string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}

func trimSlash(s string) string {
	return strings.TrimRight(s, "/")
}
