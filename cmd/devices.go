package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/veilchat/remote/internal/config"
	"github.com/veilchat/remote/internal/registry"
	"github.com/veilchat/remote/internal/transport"
)

func openRegistry(path string, stderr io.Writer) (*registry.Store, bool) {
	if path == "" {
		var err error
		path, err = config.DefaultRegistryPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return nil, false
		}
	}
	store, err := registry.Open(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open registry: %v\n", err)
		return nil, false
	}
	return store, true
}

// runDevicesList prints the remote device table.
func runDevicesList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devices list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	registryPath := fs.String("registry", "", "path to the veilchat database")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	store, ok := openRegistry(*registryPath, stderr)
	if !ok {
		return 1
	}
	defer store.Close()

	devices, err := store.List()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(stdout, "No remote devices.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tFINGERPRINT\tCREATED")
	for _, d := range devices {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			d.ID, d.Name, d.Status,
			shortFingerprint(transport.Fingerprint(d.DevicePublicKey)),
			d.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
	return 0
}

// runDevicesRevoke revokes a device so its next handshake fails.
func runDevicesRevoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devices revoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	registryPath := fs.String("registry", "", "path to the veilchat database")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: veilchat-remote devices revoke <device-id>")
		return 1
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		fmt.Fprintf(stderr, "Error: bad device id %q\n", fs.Arg(0))
		return 1
	}

	store, ok := openRegistry(*registryPath, stderr)
	if !ok {
		return 1
	}
	defer store.Close()

	if err := store.Revoke(id); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Device %d revoked.\n", id)
	return 0
}

// shortFingerprint keeps the first four fingerprint bytes for table
// display. The full value shows during pairing.
func shortFingerprint(fp string) string {
	if len(fp) <= 11 {
		return fp
	}
	return fp[:11] + "..."
}
