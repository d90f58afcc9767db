// Package sshkey parses, fingerprints and generates OpenSSH keys on top of
// golang.org/x/crypto/ssh.
package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/juju/errors"
	"golang.org/x/crypto/ssh"
)

// MinRSABits is the smallest RSA modulus accepted for uploaded keys.
const MinRSABits = 2048

// rsaGenerateBits is the modulus size used for generated RSA keys.
const rsaGenerateBits = 3072

// Algorithm selects the key type produced by Generate.
type Algorithm string

const (
	AlgorithmED25519 Algorithm = "ed25519"
	AlgorithmRSA     Algorithm = "rsa"
)

// ParseAlgorithm converts a config value into an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case AlgorithmED25519, AlgorithmRSA:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported key algorithm %q", s)
	}
}

var allowedTypes = map[string]bool{
	ssh.KeyAlgoED25519:    true,
	ssh.KeyAlgoRSA:        true,
	ssh.KeyAlgoECDSA256:   true,
	ssh.KeyAlgoECDSA384:   true,
	ssh.KeyAlgoECDSA521:   true,
	ssh.KeyAlgoSKED25519:  true,
	ssh.KeyAlgoSKECDSA256: true,
}

// PublicKey is a validated OpenSSH public key split into its parts.
type PublicKey struct {
	Type        string // e.g. "ssh-ed25519"
	Data        string // base64 wire encoding
	Comment     string
	Fingerprint string // "SHA256:..."
}

// String returns the key as an authorized_keys line.
func (k PublicKey) String() string {
	if k.Comment == "" {
		return k.Type + " " + k.Data
	}
	return k.Type + " " + k.Data + " " + k.Comment
}

// Parse validates a single authorized_keys style line. Lines with leading
// options, unsupported algorithms or short RSA moduli are rejected with an
// errors.NotValid error.
func Parse(line string) (PublicKey, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return PublicKey{}, errors.NotValidf("empty public key")
	}
	if strings.ContainsAny(line, "\r\n") {
		return PublicKey{}, errors.NotValidf("public key spans multiple lines")
	}

	pk, comment, options, rest, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return PublicKey{}, errors.NotValidf("public key (%v)", err)
	}
	if len(options) > 0 {
		return PublicKey{}, errors.NotValidf("public key with options %q", strings.Join(options, ","))
	}
	if len(strings.TrimSpace(string(rest))) > 0 {
		return PublicKey{}, errors.NotValidf("trailing data after public key")
	}
	if err := checkAlgorithm(pk); err != nil {
		return PublicKey{}, err
	}

	return fromSSH(pk, comment), nil
}

// Fingerprint returns the OpenSSH SHA256 fingerprint of an authorized_keys
// line without applying the acceptance rules of Parse.
func Fingerprint(line string) (string, error) {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return "", errors.NotValidf("public key (%v)", err)
	}
	return ssh.FingerprintSHA256(pk), nil
}

func checkAlgorithm(pk ssh.PublicKey) error {
	if !allowedTypes[pk.Type()] {
		return errors.NotValidf("key type %s", pk.Type())
	}
	if pk.Type() != ssh.KeyAlgoRSA {
		return nil
	}
	cpk, ok := pk.(ssh.CryptoPublicKey)
	if !ok {
		return errors.NotValidf("rsa key")
	}
	rsaKey, ok := cpk.CryptoPublicKey().(*rsa.PublicKey)
	if !ok {
		return errors.NotValidf("rsa key")
	}
	if bits := rsaKey.N.BitLen(); bits < MinRSABits {
		return errors.NotValidf("rsa key of %d bits (minimum %d)", bits, MinRSABits)
	}
	return nil
}

func fromSSH(pk ssh.PublicKey, comment string) PublicKey {
	return PublicKey{
		Type:        pk.Type(),
		Data:        base64.StdEncoding.EncodeToString(pk.Marshal()),
		Comment:     strings.TrimSpace(comment),
		Fingerprint: ssh.FingerprintSHA256(pk),
	}
}

// Generated is a new key pair. Private is PEM in OpenSSH format.
type Generated struct {
	Public  PublicKey
	Private string
}

// Generate creates a new key pair of the given algorithm with the comment
// embedded in both halves.
func Generate(alg Algorithm, comment string) (Generated, error) {
	var (
		signer any
		pub    any
	)
	switch alg {
	case AlgorithmED25519:
		p, s, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return Generated{}, fmt.Errorf("generate ed25519 key: %w", err)
		}
		pub, signer = p, s
	case AlgorithmRSA:
		s, err := rsa.GenerateKey(rand.Reader, rsaGenerateBits)
		if err != nil {
			return Generated{}, fmt.Errorf("generate rsa key: %w", err)
		}
		pub, signer = &s.PublicKey, s
	default:
		return Generated{}, errors.NotSupportedf("key algorithm %q", alg)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return Generated{}, fmt.Errorf("convert public key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(signer, comment)
	if err != nil {
		return Generated{}, fmt.Errorf("marshal private key: %w", err)
	}

	return Generated{
		Public:  fromSSH(sshPub, comment),
		Private: string(pem.EncodeToMemory(block)),
	}, nil
}
