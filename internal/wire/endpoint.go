package wire

import "strings"

const unixPrefix = "unix:"

// ParseEndpoint splits an endpoint string into the network and address
// understood by net.Dial. "unix:<path>" names a Unix socket; anything else,
// optionally prefixed with "tcp:", is a TCP address.
func ParseEndpoint(endpoint string) (network, address string) {
	if path, ok := strings.CutPrefix(endpoint, unixPrefix); ok {
		return "unix", path
	}
	return "tcp", strings.TrimPrefix(endpoint, "tcp:")
}

// FormatEndpoint is the inverse of ParseEndpoint.
func FormatEndpoint(network, address string) string {
	if network == "unix" {
		return unixPrefix + address
	}
	return address
}
