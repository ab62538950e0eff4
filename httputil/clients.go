package httputil

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"

	"scrape_runs/config"
	"scrape_runs/queue"
)

const maxRedirects = 5

// DefaultUserAgent is sent to sources that do not configure their own.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36"

type Clients struct {
	Scraping *http.Client // proxied when PROXY_URL is set, for HTML pages
	API      *http.Client // direct, for the marketplace API
	Jobs     *http.Client // direct, dials public addresses only, for url jobs
}

func NewClients(proxyCfg config.ProxyConfig) *Clients {
	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(string, *tls.Conn) http.RoundTripper),
		MaxIdleConns:      20,
		IdleConnTimeout:   90 * time.Second,
	}
	if proxyCfg.URL != "" {
		if proxyURL, err := url.Parse(proxyCfg.URL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	scraping := &http.Client{
		Timeout:   30 * time.Second,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("too many redirects")
			}
			return nil
		},
	}

	return &Clients{
		Scraping: scraping,
		API:      &http.Client{Timeout: 15 * time.Second},
		Jobs:     newJobsClient(),
	}
}

// newJobsClient never goes through the proxy: the dial guard has to see the
// address actually connected to, whatever the name resolved to at admission.
func newJobsClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   publicOnly,
	}
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("too many redirects")
			}
			return nil
		},
	}
}

func publicOnly(network, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", queue.ErrAdmissionRejected, address, err)
	}
	if !queue.IsPublicAddr(ap.Addr()) {
		return fmt.Errorf("%w: dial to non-public %s", queue.ErrAdmissionRejected, ap.Addr())
	}
	return nil
}
