package dnsx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// CheckDNSBL queries each configured blocklist for ip and returns the
// names of the lists that have it. An NXDOMAIN answer means the address
// is clean on that list. Only IPv4 addresses are checked.
func (c *Client) CheckDNSBL(ctx context.Context, ip net.IP, lists []string) ([]string, error) {
	v4 := ip.To4()
	if v4 == nil {
		return nil, nil
	}
	reversed := fmt.Sprintf("%d.%d.%d.%d", v4[3], v4[2], v4[1], v4[0])

	var listed []string
	for _, list := range lists {
		query := reversed + "." + strings.TrimSuffix(list, ".")

		lookupCtx, cancel := context.WithTimeout(ctx, queryTimeout)
		addrs, err := c.resolver.LookupHost(lookupCtx, query)
		cancel()

		if err != nil {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
				continue
			}
			// A broken blocklist must not reject mail.
			continue
		}
		if len(addrs) > 0 {
			listed = append(listed, list)
		}
	}
	return listed, nil
}
