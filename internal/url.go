package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	netUrl "net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

const UnknownDomain = "unknown"

// NormalizeURL lower-cases scheme and host, strips default ports and the fragment.
// A URL that cannot be parsed is returned trimmed but otherwise untouched.
func NormalizeURL(rawUrl string) string {
	rawUrl = strings.TrimSpace(rawUrl)
	u, err := netUrl.Parse(rawUrl)
	if err != nil || u.Host == "" {
		return rawUrl
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" && u.RawPath == "" {
		u.Path = "/"
	}

	return u.String()
}

// HashURL is the hex sha256 of the normalized url. It is used as partition key and idempotency anchor.
func HashURL(rawUrl string) string {
	sum := sha256.Sum256([]byte(NormalizeURL(rawUrl)))
	return hex.EncodeToString(sum[:])
}

// Domain returns the registrable domain (eTLD+1) of the url host.
// IP addresses and hosts without a public suffix are returned as-is, except that IPv6 colons
// become dashes so the domain stays usable as an object key segment.
func Domain(rawUrl string) string {
	u, err := netUrl.Parse(strings.TrimSpace(rawUrl))
	if err != nil {
		return UnknownDomain
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return UnknownDomain
	}
	if net.ParseIP(host) != nil {
		return strings.ReplaceAll(host, ":", "-")
	}
	if !strings.Contains(host, ".") {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}

	return domain
}
