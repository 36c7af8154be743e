package dnsx

import (
	"context"
	"strings"
)

// DKIMKey fetches the published DKIM key record for selector at domain
// and returns the base64 public key from its p= tag. Long records may
// be split across multiple TXT strings; they are joined before parsing.
func (c *Client) DKIMKey(ctx context.Context, selector, domain string) (string, error) {
	name := selector + "._domainkey." + strings.ToLower(domain)
	txts, err := c.TXT(ctx, name)
	if err != nil {
		return "", err
	}

	record := strings.Join(txts, "")
	for _, tag := range strings.Split(record, ";") {
		tag = strings.TrimSpace(tag)
		if v, ok := strings.CutPrefix(tag, "p="); ok {
			return strings.ReplaceAll(v, " ", ""), nil
		}
	}
	return "", ErrNotFound
}

// LookupTXTFunc returns a plain TXT lookup closure bound to ctx, in the
// shape DKIM verification expects.
func (c *Client) LookupTXTFunc(ctx context.Context) func(string) ([]string, error) {
	return func(name string) ([]string, error) {
		return c.TXT(ctx, name)
	}
}
