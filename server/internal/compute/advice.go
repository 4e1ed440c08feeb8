package compute

import (
	"fmt"
	"strings"

	"github.com/obsidianstack/ciwatch/pkg/types"
)

// Thresholds used by Advise.
const (
	adviceLowSuccess   = 80.0
	adviceFairSuccess  = 95.0
	adviceSlowSeconds  = 600.0
	adviceTepidSeconds = 300.0
)

// Resource is a link an operator can follow to investigate a problem.
type Resource struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

var docResources = []Resource{
	{Title: "Jenkins Pipeline: Troubleshooting", URL: "https://www.jenkins.io/doc/book/pipeline/troubleshooting/"},
	{Title: "Jenkins Declarative Pipeline Syntax", URL: "https://www.jenkins.io/doc/book/pipeline/syntax/"},
	{Title: "Retry step for transient failures", URL: "https://www.jenkins.io/doc/pipeline/steps/workflow-basic-steps/#retry-retry-the-body-up-to-n-times"},
	{Title: "Parallel stages to speed up builds", URL: "https://www.jenkins.io/doc/book/pipeline/syntax/#parallel"},
	{Title: "Archiving and test reports (JUnit)", URL: "https://www.jenkins.io/doc/pipeline/steps/junit/"},
	{Title: "Caching dependencies and Docker layers", URL: "https://docs.docker.com/build/cache/"},
	{Title: "Stash/Unstash to reuse workspace data", URL: "https://www.jenkins.io/doc/pipeline/steps/workflow-basic-steps/#stash-stash-some-files-to-be-used-later-by-unstash"},
}

// Advise returns remediation hints for a pipeline (or the whole fleet) based
// on its summary and recent failures. It always returns at least one hint.
func Advise(s Summary, recentFailures []types.Build) []string {
	var out []string

	switch {
	case s.SuccessRate < adviceLowSuccess:
		out = append(out,
			"Investigate flaky tests; quarantine or fix consistently failing suites.",
			"Enable 'retry' on transient steps (network/artifact fetch).",
			"Add early-fail guards and clearer stage-level timeouts.",
		)
	case s.SuccessRate < adviceFairSuccess:
		out = append(out, "Track recent failures by owner; enforce code owners for critical stages.")
	}

	switch {
	case s.AvgDuration > adviceSlowSeconds:
		out = append(out,
			"Parallelize test execution (e.g., split by timing, sharding).",
			"Cache dependencies (npm/pip/maven) and Docker layers across builds.",
			"Skip unchanged stages via checksum-based or path-based triggers.",
		)
	case s.AvgDuration > adviceTepidSeconds:
		out = append(out, "Pre-build base images and reuse across jobs to cut cold-start time.")
	}

	if len(recentFailures) > 0 {
		out = append(out,
			"Examine last failed build console and stage timings for hotspots.",
			"Add alerts to the owning Slack channel for immediate triage.",
		)
	}

	if len(out) == 0 {
		out = append(out, "Pipelines are healthy. Maintain by monitoring alerts and keeping caches warm.")
	}
	return out
}

// Resources returns console links for up to three recent failures followed by
// general documentation links.
func Resources(recentFailures []types.Build) []Resource {
	out := make([]Resource, 0, 3+len(docResources))
	n := 0
	for _, b := range recentFailures {
		if n == 3 {
			break
		}
		if b.URL == "" {
			continue
		}
		out = append(out, Resource{
			Title: fmt.Sprintf("Console log: %s #%d", b.Pipeline, b.Number),
			URL:   strings.TrimSuffix(b.URL, "/") + "/console",
		})
		n++
	}
	return append(out, docResources...)
}
