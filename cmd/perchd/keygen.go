package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/perchmail/perchd/internal/config"
	"github.com/perchmail/perchd/internal/dkim"
	"github.com/perchmail/perchd/internal/store"
)

// runDKIMKeygen generates a DKIM signing key for a domain, stores it,
// and prints the DNS record the operator has to publish.
func runDKIMKeygen() {
	configPath := flag.String("config", "./perchd.toml", "Path to configuration file")
	domain := flag.String("domain", "", "Domain to generate a key for")
	selector := flag.String("selector", "", "DKIM selector (defaults to the configured selector)")
	flag.Parse()

	if *domain == "" {
		fmt.Fprintln(os.Stderr, "usage: perchd dkim-keygen -domain <domain> [-selector <selector>]")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(2)
	}
	cfg = config.ApplyEnv(cfg)

	sel := *selector
	if sel == "" {
		sel = cfg.DKIM.Selector
	}
	if sel == "" {
		sel = "default"
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening message store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	keys, err := dkim.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error generating key pair: %v\n", err)
		os.Exit(1)
	}

	if _, err := st.DomainByName(*domain); errors.Is(err, store.ErrNotFound) {
		if err := st.CreateDomain(&store.Domain{Name: *domain, Active: true, DKIMSelector: sel}); err != nil {
			fmt.Fprintf(os.Stderr, "error creating domain: %v\n", err)
			os.Exit(1)
		}
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "error looking up domain: %v\n", err)
		os.Exit(1)
	}

	if err := st.SetDomainDKIMKeys(*domain, sel, keys.PrivateKeyPEM, keys.DNSRecord); err != nil {
		fmt.Fprintf(os.Stderr, "error storing keys: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated DKIM key for %s (selector %s)\n\n", *domain, sel)
	fmt.Println("Publish this DNS TXT record:")
	fmt.Printf("\n  %s._domainkey.%s\n\n  %s\n", sel, *domain, keys.DNSRecord)
}
