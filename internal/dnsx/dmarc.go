package dnsx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dmarc"
	"golang.org/x/net/publicsuffix"
)

// FetchDMARC looks up the DMARC policy for the RFC5322.From domain.
// When the domain itself publishes no record the organizational domain
// is consulted per RFC 7489 section 6.6.3. Returns the domain the
// policy was found at, or ErrNotFound when neither publishes one.
func (c *Client) FetchDMARC(ctx context.Context, fromDomain string) (string, *dmarc.Record, error) {
	fromDomain = strings.ToLower(strings.TrimSuffix(fromDomain, "."))

	rec, err := c.dmarcAt(ctx, fromDomain)
	if err == nil {
		return fromDomain, rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", nil, err
	}

	orgDomain, psErr := publicsuffix.EffectiveTLDPlusOne(fromDomain)
	if psErr != nil || orgDomain == fromDomain {
		return "", nil, ErrNotFound
	}
	rec, err = c.dmarcAt(ctx, orgDomain)
	if err != nil {
		return "", nil, err
	}
	return orgDomain, rec, nil
}

func (c *Client) dmarcAt(ctx context.Context, domain string) (*dmarc.Record, error) {
	txts, err := c.TXT(ctx, "_dmarc."+domain)
	if err != nil {
		return nil, err
	}

	// Only records starting with v=DMARC1 count; more than one valid
	// record means no policy (RFC 7489 section 6.6.3).
	var records []string
	for _, txt := range txts {
		if strings.HasPrefix(txt, "v=DMARC1") {
			records = append(records, txt)
		}
	}
	if len(records) != 1 {
		return nil, ErrNotFound
	}

	rec, err := dmarc.Parse(records[0])
	if err != nil {
		return nil, fmt.Errorf("dnsx: DMARC record for %s: %w", domain, err)
	}
	return rec, nil
}
