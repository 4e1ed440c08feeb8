package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/obsidianstack/ciwatch/pkg/types"
	"github.com/obsidianstack/ciwatch/server/internal/config"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultBuildLimit = 100
	userAgent         = "ciwatch/1.0"
	maxBodyBytes      = 16 << 20

	jobsTree   = "jobs[name,url,color,description]"
	buildsTree = "builds[number,url,timestamp,result,building,duration,estimatedDuration,actions[causes[userName]]]"
)

// Jenkins fetches pipelines and builds from the Jenkins JSON API.
type Jenkins struct {
	base       string
	client     *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	buildLimit int
	insecure   bool
}

// NewJenkins returns a Jenkins source for cfg. The HTTP client is built once
// and reused across calls.
func NewJenkins(cfg config.UpstreamConfig) (*Jenkins, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream: invalid url %q", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := cfg.BuildLimit
	if limit <= 0 {
		limit = defaultBuildLimit
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Jenkins{
		base:       strings.TrimSuffix(cfg.URL, "/"),
		client:     buildHTTPClient(cfg, timeout),
		limiter:    lim,
		timeout:    timeout,
		buildLimit: limit,
		insecure:   cfg.TLS.InsecureSkipVerify,
	}, nil
}

// authRoundTripper injects basic auth and the user agent into every request.
type authRoundTripper struct {
	base     http.RoundTripper
	username string
	token    string
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", userAgent)
	if t.username != "" || t.token != "" {
		req.SetBasicAuth(t.username, t.token)
	}
	return t.base.RoundTrip(req)
}

func buildHTTPClient(cfg config.UpstreamConfig, timeout time.Duration) *http.Client {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	return &http.Client{
		Transport: &authRoundTripper{
			base:     &http.Transport{TLSClientConfig: tlsCfg, Proxy: http.ProxyFromEnvironment},
			username: cfg.Username,
			token:    cfg.Token(),
		},
		Timeout: timeout,
	}
}

// FetchPipelines lists every job on the Jenkins root.
func (j *Jenkins) FetchPipelines(ctx context.Context) ([]PipelineSnapshot, error) {
	body, err := j.get(ctx, "/api/json?"+url.Values{"tree": {jobsTree}}.Encode())
	if err != nil {
		return nil, &TransportError{Op: "fetch pipelines", Err: err}
	}
	jobs := gjson.GetBytes(body, "jobs")
	out := make([]PipelineSnapshot, 0, len(jobs.Array()))
	for _, job := range jobs.Array() {
		name := job.Get("name").String()
		if name == "" {
			continue
		}
		out = append(out, PipelineSnapshot{
			Name:        name,
			URL:         job.Get("url").String(),
			Status:      StatusFromColor(job.Get("color").String()),
			Description: job.Get("description").String(),
		})
	}
	return out, nil
}

// FetchBuilds returns the most recent builds of pipeline, newest first.
func (j *Jenkins) FetchBuilds(ctx context.Context, pipeline string) ([]BuildSnapshot, error) {
	tree := fmt.Sprintf("%s{0,%d}", buildsTree, j.buildLimit)
	path := "/job/" + url.PathEscape(pipeline) + "/api/json?" + url.Values{"tree": {tree}}.Encode()
	body, err := j.get(ctx, path)
	if err != nil {
		return nil, &TransportError{Pipeline: pipeline, Op: "fetch builds", Err: err}
	}
	builds := gjson.GetBytes(body, "builds").Array()
	out := make([]BuildSnapshot, 0, len(builds))
	for _, b := range builds {
		if !b.Get("number").Exists() {
			continue
		}
		building := b.Get("building").Bool()
		bs := BuildSnapshot{
			Number:            b.Get("number").Int(),
			StartedAt:         time.UnixMilli(b.Get("timestamp").Int()).UTC(),
			Outcome:           OutcomeFromResult(b.Get("result").String(), building),
			EstimatedDuration: msToSeconds(b.Get("estimatedDuration").Float()),
			Actor:             actorOf(b),
			URL:               b.Get("url").String(),
		}
		if !building && bs.Outcome.Terminal() {
			d := msToSeconds(b.Get("duration").Float())
			bs.Duration = &d
		}
		out = append(out, bs)
	}
	if len(out) > j.buildLimit {
		out = out[:j.buildLimit]
	}
	return out, nil
}

// get issues a rate-limited, time-bounded GET against the Jenkins base URL
// and returns the validated JSON body.
func (j *Jenkins) get(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	if err := j.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("malformed json response")
	}
	return body, nil
}

func actorOf(b gjson.Result) string {
	for _, action := range b.Get("actions").Array() {
		for _, cause := range action.Get("causes").Array() {
			if u := cause.Get("userName").String(); u != "" {
				return u
			}
		}
	}
	return types.DefaultActor
}

func msToSeconds(ms float64) float64 { return ms / 1000 }
