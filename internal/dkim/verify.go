package dkim

import (
	"bytes"

	msgauth "github.com/emersion/go-msgauth/dkim"
)

// Result is the aggregate outcome of verifying a message's signatures.
type Result string

const (
	// ResultNone means the message carries no DKIM signature.
	ResultNone Result = "none"
	// ResultPass means every signature verified.
	ResultPass Result = "pass"
	// ResultFail means at least one signature did not verify.
	ResultFail Result = "fail"
	// ResultTempError means verification could not complete, usually a
	// DNS failure while fetching the key.
	ResultTempError Result = "temperror"
)

// Verify checks all DKIM signatures on a raw message. lookupTXT
// resolves the key records, letting callers inject a caching or test
// resolver. Returns the aggregate result and the domain of the first
// signature.
func Verify(raw []byte, lookupTXT func(domain string) ([]string, error)) (Result, string, error) {
	verifications, err := msgauth.VerifyWithOptions(bytes.NewReader(raw), &msgauth.VerifyOptions{
		LookupTXT: lookupTXT,
	})
	if err != nil {
		return ResultTempError, "", err
	}
	if len(verifications) == 0 {
		return ResultNone, "", nil
	}

	result := ResultPass
	for _, v := range verifications {
		if v.Err == nil {
			continue
		}
		if msgauth.IsTempFail(v.Err) {
			return ResultTempError, verifications[0].Domain, v.Err
		}
		result = ResultFail
	}
	return result, verifications[0].Domain, nil
}
