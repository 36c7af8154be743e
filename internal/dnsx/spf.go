package dnsx

import (
	"context"
	"net"
	"time"

	"blitiri.com.ar/go/spf"
)

// spfTimeout bounds the whole SPF evaluation, which may involve several
// recursive DNS queries.
const spfTimeout = 10 * time.Second

// SPFResult is the outcome of an SPF evaluation, using the standard
// result names from RFC 7208.
type SPFResult string

const (
	SPFNone      SPFResult = "none"
	SPFNeutral   SPFResult = "neutral"
	SPFPass      SPFResult = "pass"
	SPFFail      SPFResult = "fail"
	SPFSoftFail  SPFResult = "softfail"
	SPFTempError SPFResult = "temperror"
	SPFPermError SPFResult = "permerror"
)

// CheckSPF evaluates the SPF policy of the envelope sender's domain for
// a connection from ip. helo is the hostname given in HELO/EHLO, used
// when the sender is empty (bounces).
func (c *Client) CheckSPF(ctx context.Context, ip net.IP, helo, sender string) (SPFResult, error) {
	ctx, cancel := context.WithTimeout(ctx, spfTimeout)
	defer cancel()

	res, err := spf.CheckHostWithSender(ip, helo, sender,
		spf.WithContext(ctx), spf.WithResolver(c.resolver))

	switch res {
	case spf.None:
		return SPFNone, nil
	case spf.Neutral:
		return SPFNeutral, nil
	case spf.Pass:
		return SPFPass, nil
	case spf.Fail:
		return SPFFail, nil
	case spf.SoftFail:
		return SPFSoftFail, nil
	case spf.TempError:
		return SPFTempError, err
	case spf.PermError:
		return SPFPermError, err
	default:
		return SPFNone, err
	}
}
