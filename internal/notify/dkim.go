package notify

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"
)

// dkimSigner signs alert mail so relays that enforce DMARC accept it
type dkimSigner struct {
	key      *rsa.PrivateKey
	domain   string
	selector string
}

func newDKIMSigner(keyFile, domain, selector string) (*dkimSigner, error) {
	if domain == "" || selector == "" {
		return nil, fmt.Errorf("notify: dkim domain and selector are required with a key file")
	}
	key, err := loadRSAKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	return &dkimSigner{key: key, domain: domain, selector: selector}, nil
}

func (s *dkimSigner) sign(msg []byte) ([]byte, error) {
	var out bytes.Buffer
	err := dkim.Sign(&out, bytes.NewReader(msg), &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             []string{"From", "To", "Subject", "Date", "Message-ID"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return out.Bytes(), nil
}

// loadRSAKey reads a PKCS#1 or PKCS#8 PEM encoded RSA key
func loadRSAKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s: key is not RSA", path)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("%s: unsupported key type %s", path, block.Type)
	}
}
