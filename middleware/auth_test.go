package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/breez/partial-sync/config"
	"github.com/breez/partial-sync/reconcile"
	"github.com/breez/partial-sync/store"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	pubkey := privateKey.PubKey().SerializeCompressed()
	message := []byte("test message")
	signature, err := SignMessage(privateKey, message)
	require.NoError(t, err, "failed to sign message")
	recoveredKey, err := VerifyMessage(message, signature)
	require.NoError(t, err, "failed to verify message")
	require.Equal(t, recoveredKey.SerializeCompressed(), pubkey)
}

func signedRequest(t *testing.T, key *btcec.PrivateKey, n *reconcile.ChangeNotification) *http.Request {
	toSign, err := NotificationMessage(n)
	require.NoError(t, err)
	signature, err := SignMessage(key, []byte(toSign))
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/notify", nil)
	req.Header.Set("Authorization", "Signature "+signature)
	return req
}

func TestAuthenticate(t *testing.T) {
	notifier, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	stranger, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	cfg := &config.Config{NotifierPubkey: &config.PublicKey{Raw: notifier.PubKey()}}

	n := &reconcile.ChangeNotification{
		Tables:   "posts",
		Query:    store.Query{"id": 5},
		Hashsum:  "abc",
		Op:       "update",
		OrigOp:   reconcile.OpPatch,
		DeviceID: "device-1",
		Path:     "/api/posts",
	}

	require.NoError(t, Authenticate(cfg, signedRequest(t, notifier, n), n))
	require.ErrorIs(t, Authenticate(cfg, signedRequest(t, stranger, n), n), ErrUntrustedNotifier)
	require.ErrorIs(t, Authenticate(cfg, httptest.NewRequest("POST", "/notify", nil), n), ErrMissingSignature)

	tampered := *n
	tampered.Hashsum = "def"
	require.Error(t, Authenticate(cfg, signedRequest(t, notifier, n), &tampered))

	require.NoError(t, Authenticate(&config.Config{}, httptest.NewRequest("POST", "/notify", nil), n), "unsigned notifications are accepted without a notifier key")
}

func TestNotificationMessageSeparatesFields(t *testing.T) {
	n := reconcile.ChangeNotification{
		Tables:   "posts",
		Query:    store.Query{"id": 5},
		Hashsum:  "abc",
		Op:       "update",
		OrigOp:   reconcile.OpPatch,
		DeviceID: "d",
		Path:     "/api/x-y",
	}
	shifted := n
	shifted.Path = "/api/x"
	shifted.Range = "y-"

	msg, err := NotificationMessage(&n)
	require.NoError(t, err)
	shiftedMsg, err := NotificationMessage(&shifted)
	require.NoError(t, err)
	require.NotEqual(t, msg, shiftedMsg)

	notifier, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	cfg := &config.Config{NotifierPubkey: &config.PublicKey{Raw: notifier.PubKey()}}
	require.Error(t, Authenticate(cfg, signedRequest(t, notifier, &n), &shifted))
}
