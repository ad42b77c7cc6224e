package httpapi

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/johnrirwin/keygate/internal/apierror"
	"github.com/johnrirwin/keygate/internal/logging"
)

// UpstreamConfig points the proxy at the model provider.
type UpstreamConfig struct {
	BaseURL string
	APIKey  string
	// Timeout bounds the wait for response headers. Streamed bodies are not
	// cut off.
	Timeout time.Duration
}

// Upstream forwards requests unchanged to the provider, swapping the
// caller's key for the server-side one.
type Upstream struct {
	proxy  *httputil.ReverseProxy
	logger *logging.Logger
}

func NewUpstream(cfg UpstreamConfig, logger *logging.Logger) (*Upstream, error) {
	target, err := url.Parse(cfg.BaseURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream base URL %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	u := &Upstream{logger: logger.Named("upstream")}
	u.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
			pr.Out.Header.Del("Authorization")
			if cfg.APIKey != "" {
				pr.Out.Header.Set("Authorization", "Bearer "+cfg.APIKey)
			}
			pr.Out.Header.Del("Cookie")
		},
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.Timeout,
		},
		FlushInterval: -1,
		ModifyResponse: func(resp *http.Response) error {
			// Rate limit headers belong to keygate, not the provider.
			resp.Header.Del("X-RateLimit-Limit")
			resp.Header.Del("X-RateLimit-Remaining")
			resp.Header.Del("X-RateLimit-Reset")
			return nil
		},
		ErrorHandler: u.handleError,
	}
	return u, nil
}

func (u *Upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.proxy.ServeHTTP(w, r)
}

func (u *Upstream) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeTooLarge(w, tooLarge.Limit)
		return
	}
	if r.Context().Err() != nil {
		u.logger.Debug("Client went away during upstream call", logging.WithField("path", r.URL.Path))
		return
	}

	u.logger.Error("Upstream request failed",
		logging.WithField("path", r.URL.Path),
		logging.WithField("requestId", RequestIDFromContext(r.Context())),
		logging.WithError(err),
	)
	apierror.Write(w, http.StatusBadGateway, apierror.New(
		apierror.TypeInternal, apierror.CodeUpstream, "The upstream provider could not be reached."))
}
