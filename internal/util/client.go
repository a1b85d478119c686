// Package util provides shared helpers for the gateway core, primarily
// outbound HTTP client construction with optional proxy support.
package util

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// NewHTTPClient builds the outbound HTTP client shared by upstream calls.
// Streaming responses may stay open for minutes, so the client itself carries
// no timeout; deadlines come from the per-request context.
func NewHTTPClient(proxyURL string) *http.Client {
	client := &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
	if proxyURL != "" {
		SetProxy(proxyURL, client)
	}
	return client
}

// SetProxy configures the provided HTTP client with the given proxy URL.
// It supports SOCKS5, HTTP, and HTTPS proxies. The function modifies the
// client's transport to route requests through the configured proxy server.
func SetProxy(rawURL string, httpClient *http.Client) *http.Client {
	var transport *http.Transport
	proxyURL, errParse := url.Parse(rawURL)
	if errParse == nil {
		if proxyURL.Scheme == "socks5" {
			username := proxyURL.User.Username()
			password, _ := proxyURL.User.Password()
			proxyAuth := &proxy.Auth{User: username, Password: password}
			dialer, errSOCKS5 := proxy.SOCKS5("tcp", proxyURL.Host, proxyAuth, proxy.Direct)
			if errSOCKS5 != nil {
				log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
				return httpClient
			}
			transport = &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				},
			}
		} else if proxyURL.Scheme == "http" || proxyURL.Scheme == "https" {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}
	if transport != nil {
		httpClient.Transport = transport
	}
	return httpClient
}
