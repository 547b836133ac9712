package identity

import (
	"net/http"
	"strings"
)

// allowedHeaders is the whitelist of inbound headers that may influence an
// outbound upstream request. Everything else (forwarding headers, CDN
// metadata, client SDK fingerprints) is dropped.
var allowedHeaders = map[string]bool{
	"accept":       true,
	"content-type": true,
}

// strippedHeaders are removed even if a proxy in front of the gateway
// injected them into the whitelist namespace.
var strippedHeaders = []string{
	"x-real-ip", "x-forwarded-for", "x-forwarded-proto", "x-forwarded-host",
	"cf-ray", "cf-connecting-ip", "cf-ipcountry", "cf-visitor",
}

// FilterHeaders builds a clean outbound header set containing only the
// whitelisted inbound headers.
func FilterHeaders(original http.Header) http.Header {
	clean := make(http.Header)
	for key, vals := range original {
		if !allowedHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range vals {
			clean.Add(key, v)
		}
	}
	for _, h := range strippedHeaders {
		clean.Del(h)
	}
	return clean
}

// userAgent is the client string presented to the upstream provider.
const userAgent = "KiroIDE/1.0 kiro-gateway"

// SetUpstreamHeaders stamps the headers every upstream chat call carries:
// bearer auth, the event-stream accept type, the machine identifier and a
// stable user agent. machineID falls back to the host-derived id when the
// credential has none of its own.
func SetUpstreamHeaders(h http.Header, accessToken, machineID string) {
	if machineID == "" {
		machineID = HostMachineID()
	}
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/vnd.amazon.eventstream")
	h.Set("User-Agent", userAgent)
	h.Set("x-amzn-kiro-machine-id", machineID)
}
