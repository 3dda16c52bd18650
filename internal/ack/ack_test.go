package ack

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

func newTestIssuer() *Issuer {
	return NewIssuer(Config{
		Secret:      []byte("secret"),
		TTL:         time.Minute,
		ReceiptBase: "http://127.0.0.1:8081/payments",
	})
}

func TestIssueMerchantRedirect(t *testing.T) {
	i := newTestIssuer()
	cred, err := i.Issue("p1", []byte("https://merchant.example/orders/42?lang=en"))
	require.NoError(t, err)

	loc, err := url.Parse(cred.Location)
	require.NoError(t, err)
	assert.Equal(t, "merchant.example", loc.Host)
	assert.Equal(t, "/orders/42", loc.Path)
	assert.Equal(t, "en", loc.Query().Get("lang"))
	assert.Equal(t, cred.Token, loc.Query().Get("code"))

	claims, err := i.Verify(cred.Token, "https://merchant.example/orders/42?lang=en")
	require.NoError(t, err)
	assert.Equal(t, "p1", claims.PaymentID)
	assert.Equal(t, []string{"https://merchant.example/orders/42?lang=en"}, claims.Audience)
	assert.Equal(t, cred.ExpiresAt.Unix(), claims.ExpiresAt.Unix())
}

func TestIssueReceiptRedirect(t *testing.T) {
	i := newTestIssuer()
	cred, err := i.Issue("p2", []byte("opaque-context"))
	require.NoError(t, err)

	loc, err := url.Parse(cred.Location)
	require.NoError(t, err)
	assert.Equal(t, "/payments/p2/receipt", loc.Path)

	receipt, err := i.ReceiptURL("p2")
	require.NoError(t, err)
	_, err = i.Verify(cred.Token, receipt)
	assert.NoError(t, err)
}

func TestCredentialsAreUnique(t *testing.T) {
	i := newTestIssuer()
	a, err := i.Issue("p", nil)
	require.NoError(t, err)
	b, err := i.Issue("p", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Token, b.Token)
}

func TestVerifyRejects(t *testing.T) {
	i := newTestIssuer()
	cred, err := i.Issue("p3", nil)
	require.NoError(t, err)

	receipt, err := i.ReceiptURL("p3")
	require.NoError(t, err)

	other := NewIssuer(Config{Secret: []byte("other"), ReceiptBase: "http://x"})
	_, err = other.Verify(cred.Token, receipt)
	assert.Error(t, err)

	_, err = i.Verify(cred.Token+"x", receipt)
	assert.Error(t, err)

	// Scoped to its redirect target only.
	_, err = i.Verify(cred.Token, "https://merchant.example/")
	assert.ErrorIs(t, err, ErrOtherAudience)
	otherReceipt, err := i.ReceiptURL("p4")
	require.NoError(t, err)
	_, err = i.Verify(cred.Token, otherReceipt)
	assert.ErrorIs(t, err, ErrOtherAudience)
	_, err = i.Verify(cred.Token, "")
	assert.Error(t, err)

	i.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = i.Verify(cred.Token, receipt)
	assert.Error(t, err)
}

func TestIssueWithoutSecret(t *testing.T) {
	i := NewIssuer(Config{ReceiptBase: "http://x"})
	_, err := i.Issue("p", nil)
	assert.ErrorIs(t, err, protocol.ErrCredentialIssuanceFailed)
	_, err = i.Verify("anything", "http://x/p/receipt")
	assert.Error(t, err)
}
