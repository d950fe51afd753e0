package provider

import (
	"net"
	"net/http"
)

// Client returns the configured HTTP client, or one whose connect phase is
// bounded by ConnectTimeout. The client itself carries no overall timeout:
// a streaming response stays open for as long as the generation runs, so the
// only hard deadline belongs to connection establishment.
func (c Config) Client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	connect := c.ConnectTimeout
	if connect <= 0 {
		connect = DefaultConnectTimeout
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: connect}).DialContext,
			TLSHandshakeTimeout:   connect,
			ResponseHeaderTimeout: connect,
		},
	}
}
