package middleware

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/breez/partial-sync/config"
	"github.com/breez/partial-sync/reconcile"
	"github.com/breez/partial-sync/store"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tv42/zbase32"
)

const signatureScheme = "Signature "

var ErrMissingSignature = fmt.Errorf("missing signature")
var ErrInvalidSignature = fmt.Errorf("invalid signature")
var ErrUntrustedNotifier = fmt.Errorf("untrusted notifier")
var SignedMsgPrefix = []byte("partialsync:")

// Authenticate checks that a notification was signed by the configured
// notifier key. Without a configured key every notification is accepted.
func Authenticate(config *config.Config, r *http.Request, n *reconcile.ChangeNotification) error {
	if config.NotifierPubkey == nil || config.NotifierPubkey.Raw == nil {
		return nil
	}

	authHeader := r.Header.Get("Authorization")
	if len(authHeader) <= len(signatureScheme) || !strings.HasPrefix(authHeader, signatureScheme) {
		return ErrMissingSignature
	}

	toVerify, err := NotificationMessage(n)
	if err != nil {
		return err
	}
	pubkey, err := VerifyMessage([]byte(toVerify), authHeader[len(signatureScheme):])
	if err != nil {
		return err
	}
	if !pubkey.IsEqual(config.NotifierPubkey.Raw) {
		return ErrUntrustedNotifier
	}
	return nil
}

// NotificationMessage returns the canonical message a notifier signs for n.
func NotificationMessage(n *reconcile.ChangeNotification) (string, error) {
	msg, err := json.Marshal(struct {
		Tables   string              `json:"tables"`
		Query    store.Query         `json:"query"`
		Hashsum  string              `json:"hashsum"`
		Op       string              `json:"op"`
		OrigOp   reconcile.Operation `json:"orig_op"`
		DeviceID string              `json:"deviceID"`
		Path     string              `json:"path"`
		Range    string              `json:"range"`
	}{n.Tables, n.Query, n.Hashsum, n.Op, n.OrigOp, n.DeviceID, n.Path, n.Range})
	if err != nil {
		return "", fmt.Errorf("failed to encode notification: %w", err)
	}
	return string(msg), nil
}

func SignMessage(key *btcec.PrivateKey, msg []byte) (string, error) {
	message := append(SignedMsgPrefix, msg...)
	digest := chainhash.DoubleHashB(message)
	signture, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %v", err)
	}
	sig := zbase32.EncodeToString(signture)
	return sig, nil
}

func VerifyMessage(message []byte, signature string) (*btcec.PublicKey, error) {
	// The signature should be zbase32 encoded
	sig, err := zbase32.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %v", err)
	}

	msg := append(SignedMsgPrefix, message...)
	first := sha256.Sum256(msg)
	second := sha256.Sum256(first[:])
	pubkey, wasCompressed, err := ecdsa.RecoverCompact(
		sig,
		second[:],
	)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	if !wasCompressed {
		return nil, ErrInvalidSignature
	}

	return pubkey, nil
}
