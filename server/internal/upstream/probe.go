package upstream

import (
	"context"
	"crypto/tls"
	"math"
	"net"
	"net/http"
	"net/url"
	"time"
)

const probeTimeout = 10 * time.Second

// CertStatus describes the TLS leaf certificate served by the upstream.
type CertStatus struct {
	NotAfter string `json:"not_after"`
	Issuer   string `json:"issuer"`
	DaysLeft int    `json:"days_left"`
	// Status is one of: valid | expiring | expired | unreachable.
	Status string `json:"status"`
}

// ProbeResult is the outcome of Jenkins.Probe.
type ProbeResult struct {
	Endpoint   string      `json:"endpoint"`
	Reachable  bool        `json:"reachable"`
	StatusCode int         `json:"status_code,omitempty"`
	LatencyMs  float64     `json:"latency_ms"`
	Error      string      `json:"error,omitempty"`
	TLS        *CertStatus `json:"tls,omitempty"`
}

// Probe checks that the Jenkins API answers and, for https endpoints,
// inspects the served certificate.
func (j *Jenkins) Probe(ctx context.Context) ProbeResult {
	res := ProbeResult{Endpoint: j.base}

	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, j.base+"/api/json?tree=mode", nil)
	if err == nil {
		var resp *http.Response
		resp, err = j.client.Do(req)
		if err == nil {
			resp.Body.Close()
			res.StatusCode = resp.StatusCode
			res.Reachable = resp.StatusCode < 500
		}
	}
	res.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		res.Error = err.Error()
	}

	res.TLS = CheckCert(ctx, j.base, j.insecure)
	return res
}

// CheckCert dials the TLS endpoint behind rawURL and describes its leaf
// certificate. It returns nil for non-https endpoints.
func CheckCert(ctx context.Context, rawURL string, insecure bool) *CertStatus {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" {
		return nil
	}

	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}

	dialCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			InsecureSkipVerify: insecure, //nolint:gosec
		},
	}
	cs := &CertStatus{}
	netConn, err := dialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		cs.Status = "unreachable"
		return cs
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peers := conn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		cs.Status = "unreachable"
		return cs
	}

	leaf := peers[0]
	daysLeft := time.Until(leaf.NotAfter).Hours() / 24
	cs.NotAfter = leaf.NotAfter.UTC().Format(time.RFC3339)
	cs.Issuer = leaf.Issuer.CommonName
	cs.DaysLeft = int(math.Floor(daysLeft))

	switch {
	case daysLeft <= 0:
		cs.Status = "expired"
	case daysLeft <= 30:
		cs.Status = "expiring"
	default:
		cs.Status = "valid"
	}
	return cs
}
