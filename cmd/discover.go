package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/veilchat/remote/internal/pairing"
)

// runDiscover browses mDNS for advertised hosts on the local network.
func runDiscover(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	fs.SetOutput(stderr)
	timeout := fs.Duration("timeout", 5*time.Second, "how long to browse")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	fmt.Fprintf(stdout, "Browsing for hosts (%s)...\n", *timeout)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	peers, err := pairing.Discover(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: discovery failed: %v\n", err)
		return 1
	}

	if len(peers) == 0 {
		fmt.Fprintln(stdout, "No hosts found.")
		return 0
	}

	for _, p := range peers {
		fmt.Fprintf(stdout, "%s\t%s:%d", p.Name, p.Host, p.Port)
		if p.Fingerprint != "" {
			fmt.Fprintf(stdout, "\tfp=%s", p.Fingerprint)
		}
		fmt.Fprintln(stdout)
	}
	return 0
}
