package dkim

import (
	"bytes"
	"crypto"
	"fmt"

	msgauth "github.com/emersion/go-msgauth/dkim"
)

// signedHeaders is the header set covered by outbound signatures.
var signedHeaders = []string{
	"from", "to", "subject", "date", "message-id", "content-type",
}

// Sign signs a raw message and returns it with the DKIM-Signature
// header prepended. The raw bytes must use CRLF line endings.
func Sign(raw []byte, domain, selector string, key crypto.Signer) ([]byte, error) {
	opts := &msgauth.SignOptions{
		Domain:                 domain,
		Selector:               selector,
		Signer:                 key,
		HeaderCanonicalization: msgauth.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauth.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	}

	var signed bytes.Buffer
	if err := msgauth.Sign(&signed, bytes.NewReader(raw), opts); err != nil {
		return nil, fmt.Errorf("dkim: signing for %s: %w", domain, err)
	}
	return signed.Bytes(), nil
}
