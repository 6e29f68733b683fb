package sdk

import (
	"log/slog"
	"net/http"
	"time"
)

// WrapHTTPClient returns an http.Client that stamps the Tracel identity
// headers on every request and logs each round-trip. Use it for endpoints
// the typed client does not cover (Prometheus metrics, the socket.io
// handshake) while keeping requests scoped to the same owner.
//
//	raw := sdk.WrapHTTPClient(client, http.DefaultClient)
//	resp, err := raw.Get(baseURL + "/metrics")
func WrapHTTPClient(client *Client, wrapped *http.Client) *http.Client {
	if wrapped == nil {
		wrapped = http.DefaultClient
	}
	return &http.Client{
		Timeout: wrapped.Timeout,
		Transport: &identityTransport{
			client:  client,
			wrapped: wrapped.Transport,
		},
	}
}

type identityTransport struct {
	client  *Client
	wrapped http.RoundTripper
}

func (t *identityTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	// RoundTrippers must not mutate the caller's request.
	req = req.Clone(req.Context())
	req.Header.Set(AnonIDHeader, t.client.config.AnonID)
	if t.client.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.client.config.Token)
	}

	transport := t.wrapped
	if transport == nil {
		transport = http.DefaultTransport
	}

	resp, err := transport.RoundTrip(req)

	if err == nil {
		slog.Info("[TRACEL]", "method", req.Method, "path", req.URL.Path, "status_code", resp.StatusCode, "sincestart", time.Since(start))
	}

	return resp, err
}
