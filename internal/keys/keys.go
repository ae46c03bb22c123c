// Package keys loads the per-validator key directory (spec.md §6) and
// provides the signing/verification primitive for candidate transactions
// and votes. Asymmetric key material is assumed already present — this
// package never generates keys, only reads PEM and signs/verifies.
//
// Go's crypto/ed25519 is used as the primary scheme rather than pulling in
// an ecosystem signing library: it is itself the idiomatic, canonical Go
// entry point for this primitive, and no repository in the retrieval pack
// wraps message signing in a third-party library for a non-blockchain
// signature scheme (see DESIGN.md).
package keys

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// Signer signs canonical payload bytes with this node's private key.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
	ASN() int
}

// Verifier checks a signature against a known validator's public key.
type Verifier interface {
	Verify(asn int, payload, signature []byte) bool
}

// Directory loads and holds the committee's public keys plus this node's
// private key, supporting both Ed25519 and RSA-PSS PEM files.
type Directory struct {
	selfASN     int
	selfPriv    ed25519.PrivateKey
	selfRSAPriv *rsa.PrivateKey
	pubKeys     map[int]ed25519.PublicKey
	rsaPubKeys  map[int]*rsa.PublicKey
}

// LoadDirectory reads one PEM file per validator ASN from dir (named
// "<asn>.pub.pem") plus this node's private key file.
func LoadDirectory(dir string, selfASN int, selfPrivPath string) (*Directory, error) {
	d := &Directory{
		selfASN:    selfASN,
		pubKeys:    make(map[int]ed25519.PublicKey),
		rsaPubKeys: make(map[int]*rsa.PublicKey),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading key directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		asn, ok := parseASNFilename(entry.Name())
		if !ok {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading public key for AS%d: %w", asn, err)
		}
		pub, rsaPub, err := parsePublicKeyPEM(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing public key for AS%d: %w", asn, err)
		}
		if pub != nil {
			d.pubKeys[asn] = pub
		}
		if rsaPub != nil {
			d.rsaPubKeys[asn] = rsaPub
		}
	}

	privRaw, err := os.ReadFile(selfPrivPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	priv, rsaPriv, err := parsePrivateKeyPEM(privRaw)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	d.selfPriv = priv
	d.selfRSAPriv = rsaPriv
	return d, nil
}

// ASN returns this node's own validator AS number.
func (d *Directory) ASN() int { return d.selfASN }

// Sign signs payload with this node's private key, preferring Ed25519 when
// both key types happen to be loaded.
func (d *Directory) Sign(payload []byte) ([]byte, error) {
	if d.selfPriv != nil {
		return ed25519.Sign(d.selfPriv, payload), nil
	}
	if d.selfRSAPriv != nil {
		digest := sha256.Sum256(payload)
		return rsa.SignPSS(rand.Reader, d.selfRSAPriv, crypto.SHA256, digest[:], &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthAuto,
			Hash:       crypto.SHA256,
		})
	}
	return nil, fmt.Errorf("no private key loaded")
}

// Verify checks signature against the known public key for asn.
func (d *Directory) Verify(asn int, payload, signature []byte) bool {
	if pub, ok := d.pubKeys[asn]; ok {
		return ed25519.Verify(pub, payload, signature)
	}
	if pub, ok := d.rsaPubKeys[asn]; ok {
		digest := sha256.Sum256(payload)
		err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthAuto,
			Hash:       crypto.SHA256,
		})
		return err == nil
	}
	return false
}

func parseASNFilename(name string) (int, bool) {
	base := filepath.Base(name)
	var asn int
	n, err := fmt.Sscanf(base, "%d.pub.pem", &asn)
	if err != nil || n != 1 {
		return 0, false
	}
	return asn, true
}

func parsePublicKeyPEM(raw []byte) (ed25519.PublicKey, *rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, nil, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, nil, err
	}
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return k, nil, nil
	case *rsa.PublicKey:
		return nil, k, nil
	default:
		return nil, nil, fmt.Errorf("unsupported public key type %T", pub)
	}
}

func parsePrivateKeyPEM(raw []byte) (ed25519.PrivateKey, *rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		switch k := key.(type) {
		case ed25519.PrivateKey:
			return k, nil, nil
		case *rsa.PrivateKey:
			return nil, k, nil
		}
	}
	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return nil, rsaKey, nil
	}
	return nil, nil, fmt.Errorf("unsupported private key encoding")
}
