// Package dkim signs outbound mail and verifies inbound signatures.
// Keys are RSA-2048; signatures use relaxed/relaxed canonicalization
// with rsa-sha256, matching what the large providers expect.
package dkim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

// KeyPair holds a freshly generated signing key and the DNS record that
// publishes its public half.
type KeyPair struct {
	// PrivateKeyPEM is the PKCS#8 PEM encoding of the private key.
	PrivateKeyPEM string
	// DNSRecord is the TXT record value to publish at
	// <selector>._domainkey.<domain>.
	DNSRecord string
}

// GenerateKeyPair creates a new RSA-2048 DKIM key pair.
func GenerateKeyPair() (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("dkim: generating key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("dkim: encoding private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("dkim: encoding public key: %w", err)
	}

	return &KeyPair{
		PrivateKeyPEM: string(privPEM),
		DNSRecord:     "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pubDER),
	}, nil
}

// ParsePrivateKey decodes a PEM encoded RSA private key in either
// PKCS#8 or PKCS#1 form.
func ParsePrivateKey(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("dkim: no PEM block in key data")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("dkim: unsupported private key type")
		}
		return signer, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("dkim: parsing private key: %w", err)
	}
	return key, nil
}
