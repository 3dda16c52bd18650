// Package ack mints the redirect and bearer credential returned with a
// PaymentACK, and checks those credentials when the redirect is followed.
package ack

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

const defaultTTL = 5 * time.Minute

// ErrOtherAudience marks a valid credential minted for another redirect
// target.
var ErrOtherAudience = errors.New("credential issued for another resource")

type Config struct {
	// Secret signs credentials (HMAC-SHA256). An empty secret disables
	// issuance: every Issue fails with CredentialIssuanceFailed.
	Secret []byte
	TTL    time.Duration
	// ReceiptBase is the server resource a payer is redirected to when the
	// merchant data is not a URL; the payment id and "receipt" are appended.
	ReceiptBase string
	// Issuer names this server in the iss claim.
	Issuer string
}

// Credential is the redirect metadata sent alongside a PaymentACK.
type Credential struct {
	Token     string
	Location  string
	ExpiresAt time.Time
}

type Issuer struct {
	cfg  Config
	now  func() time.Time
	rand io.Reader
}

func NewIssuer(cfg Config) *Issuer {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "bip70-server"
	}
	return &Issuer{cfg: cfg, now: time.Now, rand: rand.Reader}
}

// RedirectTarget picks where the payer goes next: the merchant data itself
// when it is an absolute http(s) URL, the server receipt otherwise.
func (i *Issuer) RedirectTarget(paymentID string, merchantData []byte) (string, error) {
	if u, err := url.Parse(string(merchantData)); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return u.String(), nil
	}
	return i.ReceiptURL(paymentID)
}

// ReceiptURL is the server resource holding the PaymentACK of paymentID.
func (i *Issuer) ReceiptURL(paymentID string) (string, error) {
	if i.cfg.ReceiptBase == "" {
		return "", errors.New("no receipt base configured")
	}
	return url.JoinPath(i.cfg.ReceiptBase, paymentID, "receipt")
}

// Issue mints a credential for paymentID scoped to its redirect target.
func (i *Issuer) Issue(paymentID string, merchantData []byte) (Credential, error) {
	if len(i.cfg.Secret) == 0 {
		return Credential{}, protocol.Errorf(protocol.CodeCredentialIssuanceFailed, "credential secret not configured")
	}
	target, err := i.RedirectTarget(paymentID, merchantData)
	if err != nil {
		return Credential{}, protocol.Wrap(protocol.CodeCredentialIssuanceFailed, err, "redirect target")
	}

	jti := make([]byte, 16)
	if _, err := io.ReadFull(i.rand, jti); err != nil {
		return Credential{}, protocol.Wrap(protocol.CodeCredentialIssuanceFailed, err, "credential id")
	}
	now := i.now()
	expiresAt := now.Add(i.cfg.TTL)
	claims := jwt.RegisteredClaims{
		Issuer:    i.cfg.Issuer,
		Subject:   paymentID,
		Audience:  jwt.ClaimStrings{target},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        hex.EncodeToString(jti),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
	if err != nil {
		return Credential{}, protocol.Wrap(protocol.CodeCredentialIssuanceFailed, err, "sign credential")
	}

	location, err := url.Parse(target)
	if err != nil {
		return Credential{}, protocol.Wrap(protocol.CodeCredentialIssuanceFailed, err, "redirect target")
	}
	q := location.Query()
	q.Set("code", token)
	location.RawQuery = q.Encode()

	return Credential{Token: token, Location: location.String(), ExpiresAt: expiresAt.Truncate(time.Second)}, nil
}

// Claims are the checked contents of a credential.
type Claims struct {
	PaymentID string
	Audience  []string
	ExpiresAt time.Time
}

// Verify checks signature, issuer and expiry of token, and that it was
// minted for the redirect target audience.
func (i *Issuer) Verify(token, audience string) (Claims, error) {
	if len(i.cfg.Secret) == 0 {
		return Claims{}, errors.New("credential secret not configured")
	}
	if audience == "" {
		return Claims{}, errors.New("credential audience not given")
	}
	var rc jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &rc, func(*jwt.Token) (any, error) {
		return i.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if errors.Is(err, jwt.ErrTokenInvalidAudience) {
		return Claims{}, fmt.Errorf("%w: want %s", ErrOtherAudience, audience)
	}
	if err != nil {
		return Claims{}, fmt.Errorf("invalid credential: %w", err)
	}
	if rc.Subject == "" {
		return Claims{}, errors.New("invalid credential: missing subject")
	}
	return Claims{PaymentID: rc.Subject, Audience: rc.Audience, ExpiresAt: rc.ExpiresAt.Time}, nil
}
