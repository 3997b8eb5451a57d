package prefill

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// credentialKeyLength is the AES-256 key size HKDF derives (spec.md §4.M:
// "HKDF(shared, salt=ChallengeId, info=service-specific tag, L=32)").
const credentialKeyLength = 32

// nonceLength is the AES-GCM nonce size (spec.md §4.M: "AES-GCM using a
// 12-byte random nonce").
const nonceLength = 12

// EncryptedCredential is the wire payload a provide-credential command
// sends back in response to a credential-challenge (spec.md §4.M:
// "send {ChallengeId, ClientPublicKey, EncryptedCredential, Nonce, Tag}").
// Fields are base64-standard-encoded byte strings.
type EncryptedCredential struct {
	ChallengeID         string `json:"challengeId"`
	ClientPublicKey     string `json:"clientPublicKey"`
	EncryptedCredential string `json:"encryptedCredential"`
	Nonce               string `json:"nonce"`
	Tag                 string `json:"tag"`
}

// autoLoginCredential is the JSON plaintext encrypted for auto-login
// (spec.md §4.M: "JSON {username, refreshToken} for auto-login"). This
// struct's fields, once decrypted on the daemon side, are exactly the
// secret material that must never reach a log line.
type autoLoginCredential struct {
	Username     string `json:"username"`
	RefreshToken string `json:"refreshToken"`
}

// encryptCredential performs the manager's half of the ECDH + HKDF +
// AES-GCM credential exchange: generate an ephemeral client key pair,
// derive a shared secret with the daemon's challenge public key, derive an
// AES-256 key scoped to this ChallengeID and storefront, and seal
// plaintext under it.
//
// serviceInfo is the storefront-specific HKDF info string (e.g. "steam-
// prefill-credential", "epic-prefill-credential"); it must match what the
// daemon derives or decryption fails on the other end.
func encryptCredential(challengeID, serverPublicKeyB64 string, serviceInfo string, plaintext []byte) (EncryptedCredential, error) {
	curve := ecdh.P256()

	serverKeyBytes, err := base64.StdEncoding.DecodeString(serverPublicKeyB64)
	if err != nil {
		return EncryptedCredential{}, fmt.Errorf("decoding server public key: %w", err)
	}
	serverKey, err := curve.NewPublicKey(serverKeyBytes)
	if err != nil {
		return EncryptedCredential{}, fmt.Errorf("parsing server public key: %w", err)
	}

	clientKey, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return EncryptedCredential{}, fmt.Errorf("generating client key pair: %w", err)
	}

	shared, err := clientKey.ECDH(serverKey)
	if err != nil {
		return EncryptedCredential{}, fmt.Errorf("computing shared secret: %w", err)
	}

	aesKey := make([]byte, credentialKeyLength)
	kdf := hkdf.New(sha256.New, shared, []byte(challengeID), []byte(serviceInfo))
	if _, err := io.ReadFull(kdf, aesKey); err != nil {
		return EncryptedCredential{}, fmt.Errorf("deriving credential key: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return EncryptedCredential{}, fmt.Errorf("constructing AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLength)
	if err != nil {
		return EncryptedCredential{}, fmt.Errorf("constructing AES-GCM: %w", err)
	}

	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return EncryptedCredential{}, fmt.Errorf("generating nonce: %w", err)
	}

	// Go's GCM seals ciphertext||tag into one slice; the wire format
	// wants them split, so the final TagSize bytes are carved off.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagOffset := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagOffset], sealed[tagOffset:]

	return EncryptedCredential{
		ChallengeID:         challengeID,
		ClientPublicKey:     base64.StdEncoding.EncodeToString(clientKey.PublicKey().Bytes()),
		EncryptedCredential: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:               base64.StdEncoding.EncodeToString(nonce),
		Tag:                 base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// encryptPasswordCredential seals a plain password for a manual-login
// challenge.
func encryptPasswordCredential(challengeID, serverPublicKeyB64, serviceInfo, password string) (EncryptedCredential, error) {
	return encryptCredential(challengeID, serverPublicKeyB64, serviceInfo, []byte(password))
}

// encryptAutoLoginCredential seals a stored username+refresh-token pair
// for an auto-login challenge.
func encryptAutoLoginCredential(challengeID, serverPublicKeyB64, serviceInfo, username, refreshToken string) (EncryptedCredential, error) {
	plaintext, err := json.Marshal(autoLoginCredential{Username: username, RefreshToken: refreshToken})
	if err != nil {
		return EncryptedCredential{}, fmt.Errorf("encoding auto-login credential: %w", err)
	}
	return encryptCredential(challengeID, serverPublicKeyB64, serviceInfo, plaintext)
}

// toParameters converts an EncryptedCredential into the provide-credential
// command's parameter map.
func (c EncryptedCredential) toParameters() map[string]any {
	return map[string]any{
		"challengeId":         c.ChallengeID,
		"clientPublicKey":     c.ClientPublicKey,
		"encryptedCredential": c.EncryptedCredential,
		"nonce":               c.Nonce,
		"tag":                 c.Tag,
	}
}
