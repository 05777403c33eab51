package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/veilchat/remote/internal/pairing"
	"github.com/veilchat/remote/internal/transport"
)

// runPair renders a pairing token so the host user can scan or type it.
// Without --token it re-displays the token saved by the last
// 'satellite --pair' run.
func runPair(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	fs.SetOutput(stderr)
	token := fs.String("token", "", "pairing token to render (default: last saved token)")
	noQR := fs.Bool("no-qr", false, "print the token as text only")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	encoded := *token
	if encoded == "" {
		path, err := defaultTokenPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		encoded, err = loadToken(path)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if encoded == "" {
			fmt.Fprintln(stderr, "Error: no saved pairing token; run 'veilchat-remote satellite --pair' first")
			return 1
		}
	}

	tok, err := pairing.Decode(encoded)
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid pairing token: %v\n", err)
		return 1
	}
	if tok.Expired(time.Now()) {
		fmt.Fprintln(stderr, "Error: pairing token has expired; generate a fresh one")
		return 1
	}

	displayTokenDetails(stdout, tok, encoded, !*noQR)
	return 0
}

// displayToken prints a freshly generated token with the satellite's
// identity fingerprint.
func displayToken(stdout io.Writer, encoded string, identity *transport.Identity, withQR bool) {
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "=== Pairing Token ===")
	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "  %s\n", encoded)
	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "Satellite fingerprint: %s\n", transport.Fingerprint(identity.Public))
	fmt.Fprintf(stdout, "Expires in %s. The token is single-use.\n", pairing.TokenTTL)
	if withQR {
		displayQR(stdout, encoded)
	}
}

// displayTokenDetails prints a decoded token for re-display.
func displayTokenDetails(stdout io.Writer, tok *pairing.Token, encoded string, withQR bool) {
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "=== Pairing Token ===")
	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "  %s\n", encoded)
	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "Satellite fingerprint: %s\n", transport.Fingerprint(tok.SatPub))
	if tok.HostHint != "" {
		fmt.Fprintf(stdout, "Satellite name: %s\n", tok.HostHint)
	}
	if tok.Addr != "" {
		fmt.Fprintf(stdout, "Connect address: %s\n", tok.Addr)
	}
	fmt.Fprintf(stdout, "Expires at: %s\n", time.Unix(tok.ExpiresAt, 0).Format(time.RFC3339))
	if withQR {
		displayQR(stdout, encoded)
	}
}

// displayQR renders the token as an ASCII QR code, falling back to the
// plain text already printed when rendering fails.
func displayQR(stdout io.Writer, encoded string) {
	qr, err := qrcode.New(encoded, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(stdout, "(QR rendering failed: %v)\n", err)
		return
	}
	fmt.Fprintln(stdout)
	fmt.Fprint(stdout, qr.ToSmallString(false))
	fmt.Fprintln(stdout)
}
