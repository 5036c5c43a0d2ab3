package terminal

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"

	cryptossh "golang.org/x/crypto/ssh"
)

// ErrPassphraseRequired signals that a private key is encrypted and no
// passphrase was supplied to decrypt it.
var ErrPassphraseRequired = errors.New("Need password to decrypt the private key.")

// ErrInvalidPrivateKey is the catch-all for a key that is not a recognized
// format, or whose passphrase was wrong, once every kind has been tried.
var ErrInvalidPrivateKey = errors.New("Not a valid private key file or wrong password for decrypting the private key.")

// keyKind is one entry in the ordered fallthrough: RSA, DSA, ECDSA, Ed25519.
// header is the PEM block type that kind claims responsibility for; an
// OPENSSH PRIVATE KEY or PKCS8 PRIVATE KEY block is claimed by the
// ed25519 kind, since that is the format ssh-keygen emits for it.
type keyKind struct {
	name    string
	headers []string
}

var keyKinds = []keyKind{
	{name: "rsa", headers: []string{"RSA PRIVATE KEY"}},
	{name: "dsa", headers: []string{"DSA PRIVATE KEY"}},
	{name: "ecdsa", headers: []string{"EC PRIVATE KEY"}},
	{name: "ed25519", headers: []string{"OPENSSH PRIVATE KEY", "PRIVATE KEY"}},
}

// parsePrivateKey tries RSA, then DSA, then ECDSA, then Ed25519, in that
// order. A kind that does not recognize the PEM header is skipped. The
// kind that does recognize it either succeeds, short-circuits on a
// missing passphrase, or — for a corrupt body under a recognized header —
// falls through to the next kind as a generic format error.
func parsePrivateKey(pemBytes []byte, passphrase string) (cryptossh.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidPrivateKey
	}

	if passphrase == "" && isEncryptedBlock(block) {
		return nil, ErrPassphraseRequired
	}

	for _, kind := range keyKinds {
		if !kind.claims(block.Type) {
			continue
		}

		// The passphrase variant rejects unencrypted keys, so it is only used
		// for blocks that are actually encrypted.
		var signer cryptossh.Signer
		var err error
		if isEncryptedBlock(block) {
			signer, err = cryptossh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
		} else {
			signer, err = cryptossh.ParsePrivateKey(pemBytes)
		}
		if err == nil {
			return signer, nil
		}
		if passphrase == "" && looksLikePassphraseError(err) {
			return nil, ErrPassphraseRequired
		}
		// Recognized header, unparsable body (or wrong passphrase): fall
		// through to the next kind, though in practice a real header is
		// conclusive and every remaining kind will also fail.
	}

	return nil, ErrInvalidPrivateKey
}

func (k keyKind) claims(pemType string) bool {
	for _, h := range k.headers {
		if pemType == h {
			return true
		}
	}
	return false
}

func isEncryptedBlock(block *pem.Block) bool {
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // no replacement for legacy PEM encryption detection
		return true
	}
	return strings.Contains(block.Headers["Proc-Type"], "ENCRYPTED") || strings.Contains(string(block.Bytes), "bcrypt")
}

func looksLikePassphraseError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "passphrase") || strings.Contains(msg, "password")
}
