// Package generation wraps an LLM completer with the structured-output
// contract used by the pipeline stages: the model emits a fenced `path` block
// naming the artifact and a second fenced block, tagged per call site, holding
// the artifact body. A malformed response is a normal, retryable outcome and
// drives the retry loop in Client; it is never conflated with a provider
// transport failure.
package generation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Payload is the parsed result of a structured model response.
type Payload struct {
	// Path is the artifact path named by the model, whitespace-trimmed.
	Path string

	// Content is the body of the content block, without the fence lines.
	Content string
}

// ParseFailure describes a malformed structured response. Parse failures are
// retryable: the client reissues the request with a reinforced prompt.
type ParseFailure struct {
	Reason string
}

// Error implements the error interface.
func (e *ParseFailure) Error() string {
	return fmt.Sprintf("structured output parse failure: %s", e.Reason)
}

// IsParseFailure reports whether err is a retryable parse failure.
func IsParseFailure(err error) bool {
	var pf *ParseFailure
	return errors.As(err, &pf)
}

// skipMarkers are checked in order; the longer marker first so its trailing
// text is not misread as a reason.
var skipMarkers = []string{"SKIPPED", "SKIP"}

var (
	blockRegexMu sync.Mutex
	blockRegexes = map[string]*regexp.Regexp{}
)

// blockRegex returns a cached regex matching a fenced block with the given
// tag. The tag must be followed by whitespace or a newline so that a tag is
// never matched as a prefix of a longer one.
func blockRegex(tag string) *regexp.Regexp {
	blockRegexMu.Lock()
	defer blockRegexMu.Unlock()

	if re, ok := blockRegexes[tag]; ok {
		return re
	}
	re := regexp.MustCompile("(?s)```" + regexp.QuoteMeta(tag) + "(?:[ \t]*\n|[ \t]+)(.*?)```")
	blockRegexes[tag] = re
	return re
}

// findBlock returns the body of the first fenced block tagged tag.
func findBlock(raw, tag string) (string, bool) {
	m := blockRegex(tag).FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Parse extracts the path and content blocks from a raw model response.
// Surrounding prose is ignored and the two blocks may appear in either order.
// A missing block, an empty path, or empty content is a *ParseFailure.
func Parse(raw, contentTag string) (*Payload, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &ParseFailure{Reason: "empty response"}
	}

	pathBody, ok := findBlock(raw, "path")
	if !ok {
		return nil, &ParseFailure{Reason: "missing path block"}
	}
	path := strings.TrimSpace(pathBody)
	if path == "" {
		return nil, &ParseFailure{Reason: "empty path block"}
	}

	contentBody, ok := findBlock(raw, contentTag)
	if !ok {
		return nil, &ParseFailure{Reason: fmt.Sprintf("missing %s block", contentTag)}
	}
	content := strings.TrimSuffix(contentBody, "\n")
	if strings.TrimSpace(content) == "" {
		return nil, &ParseFailure{Reason: fmt.Sprintf("empty %s block", contentTag)}
	}

	return &Payload{Path: path, Content: content}, nil
}

// DetectSkip reports whether the model deliberately declined to produce an
// artifact. An uppercase skip marker anywhere in the response means "no
// artifact for this item" and is mutually exclusive with block extraction;
// callers check it before Parse. The returned reason is the free text
// following the marker.
func DetectSkip(raw string) (reason string, skipped bool) {
	for _, marker := range skipMarkers {
		idx := strings.Index(raw, marker)
		if idx < 0 {
			continue
		}
		rest := strings.TrimLeft(raw[idx+len(marker):], ":-. \t\n")
		reason = strings.TrimSpace(rest)
		if reason == "" {
			reason = "model declined to produce output"
		}
		return reason, true
	}
	return "", false
}

// Render produces the wire form of a payload. Parsing a rendered payload
// yields back the identical path and content.
func Render(payload Payload, contentTag string) string {
	var sb strings.Builder
	sb.WriteString("```path\n")
	sb.WriteString(payload.Path)
	sb.WriteString("\n```\n\n```")
	sb.WriteString(contentTag)
	sb.WriteString("\n")
	sb.WriteString(payload.Content)
	sb.WriteString("\n```")
	return sb.String()
}
