package patch

import (
	"fmt"
	"strings"

	"github.com/core-tools/hsu-telemetry-control/pkg/config"
	"github.com/core-tools/hsu-telemetry-control/pkg/errors"
)

// Strategy rewrites one value inside an artifact's content. Apply must leave
// every byte outside the edited value untouched and return an AnchorError
// when its location cannot be found.
type Strategy interface {
	Apply(content []byte, value string) ([]byte, error)
	Read(content []byte) (string, error)
}

// NewStrategy builds the strategy that edits target inside artifact.
func NewStrategy(artifact config.ArtifactConfig, target config.PatchTarget) (Strategy, error) {
	switch artifact.Strategy {
	case config.StrategyLine:
		format := target.ValueFormat
		if format == "" {
			format = "%s"
		}
		return &LineStrategy{
			Anchor:      artifact.Anchor,
			Selector:    artifact.Selector,
			Key:         target.Key,
			ValueFormat: format,
		}, nil
	case config.StrategyToken:
		return &TokenStrategy{Token: target.Token}, nil
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unsupported strategy: %s", artifact.Strategy), nil)
	}
}

// LineStrategy edits the value of the first Key line inside the block that
// starts at Anchor. When Selector is set, only a block containing a line
// with the selector text qualifies. Apply always renders ValueFormat, so a
// value that was edited by hand into another shape is normalised.
type LineStrategy struct {
	Anchor      string
	Selector    string
	Key         string
	ValueFormat string
}

type keyLine struct {
	index  int
	indent string
	key    string
	sep    string
	value  string
	ending string
}

func (s *LineStrategy) Apply(content []byte, value string) ([]byte, error) {
	lines := splitLines(string(content))
	kl, err := s.locate(lines)
	if err != nil {
		return nil, err
	}

	rendered := strings.Replace(s.ValueFormat, "%s", value, 1)
	lines[kl.index] = kl.indent + kl.key + kl.sep + rendered + kl.ending
	return []byte(strings.Join(lines, "")), nil
}

func (s *LineStrategy) Read(content []byte) (string, error) {
	kl, err := s.locate(splitLines(string(content)))
	if err != nil {
		return "", err
	}

	prefix, suffix, _ := strings.Cut(s.ValueFormat, "%s")
	v := kl.value
	if !strings.HasPrefix(v, prefix) || !strings.HasSuffix(v[len(prefix):], suffix) {
		return "", errors.NewAnchorError(fmt.Sprintf("value of %s does not match format %s: %s", s.Key, s.ValueFormat, v), nil)
	}
	return v[len(prefix) : len(v)-len(suffix)], nil
}

func (s *LineStrategy) locate(lines []string) (keyLine, error) {
	anchorSeen := false
	for start := 0; start < len(lines); start++ {
		if strings.TrimSpace(lines[start]) != s.Anchor {
			continue
		}
		anchorSeen = true

		end := blockEnd(lines, start+1)
		if s.Selector != "" && !blockContains(lines[start+1:end], s.Selector) {
			continue
		}
		for i := start + 1; i < end; i++ {
			if kl, ok := parseKeyLine(lines[i], s.Key); ok {
				kl.index = i
				return kl, nil
			}
		}
		return keyLine{}, errors.NewAnchorError(fmt.Sprintf("key %s not found in block %s", s.Key, s.Anchor), nil)
	}

	if anchorSeen {
		return keyLine{}, errors.NewAnchorError(fmt.Sprintf("no block %s matches selector %s", s.Anchor, s.Selector), nil)
	}
	return keyLine{}, errors.NewAnchorError(fmt.Sprintf("anchor not found: %s", s.Anchor), nil)
}

// blockEnd returns the index of the next section header at or after from.
func blockEnd(lines []string, from int) int {
	for i := from; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "[") {
			return i
		}
	}
	return len(lines)
}

func blockContains(lines []string, selector string) bool {
	needle := strings.ToLower(selector)
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.Contains(strings.ToLower(trimmed), needle) {
			return true
		}
	}
	return false
}

// parseKeyLine splits "<indent><key><sep><value><ending>" where sep is any
// run of blanks and at most one '='.
func parseKeyLine(line, key string) (keyLine, bool) {
	body, ending := stripEnding(line)
	trimmed := strings.TrimLeft(body, " \t")
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return keyLine{}, false
	}
	indent := body[:len(body)-len(trimmed)]

	keyEnd := strings.IndexAny(trimmed, " \t=")
	if keyEnd <= 0 || !strings.EqualFold(trimmed[:keyEnd], key) {
		return keyLine{}, false
	}

	rest := trimmed[keyEnd:]
	sepEnd := 0
	seenEquals := false
	for sepEnd < len(rest) {
		c := rest[sepEnd]
		if c == '=' && !seenEquals {
			seenEquals = true
		} else if c != ' ' && c != '\t' {
			break
		}
		sepEnd++
	}

	value := rest[sepEnd:]
	if i := strings.Index(value, " #"); i >= 0 {
		value = value[:i]
	}
	value = strings.TrimRight(value, " \t")
	return keyLine{
		indent: indent,
		key:    trimmed[:keyEnd],
		sep:    rest[:sepEnd],
		value:  value,
		ending: rest[sepEnd+len(value):] + ending,
	}, true
}

// TokenStrategy rewrites the digits that follow a literal token, e.g.
// "netflow://:2055". All occurrences of the previous literal change.
type TokenStrategy struct {
	Token string
}

func (s *TokenStrategy) Apply(content []byte, value string) ([]byte, error) {
	text := string(content)
	previous, err := s.previousValue(text)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.Grow(len(text))
	rest := text
	for {
		i := strings.Index(rest, s.Token)
		if i < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:i+len(s.Token)])
		rest = rest[i+len(s.Token):]
		digits := leadingDigits(rest)
		if digits == previous {
			b.WriteString(value)
		} else {
			b.WriteString(digits)
		}
		rest = rest[len(digits):]
	}
	return []byte(b.String()), nil
}

func (s *TokenStrategy) Read(content []byte) (string, error) {
	return s.previousValue(string(content))
}

func (s *TokenStrategy) previousValue(text string) (string, error) {
	rest := text
	for {
		i := strings.Index(rest, s.Token)
		if i < 0 {
			return "", errors.NewAnchorError(fmt.Sprintf("token not found: %s", s.Token), nil)
		}
		rest = rest[i+len(s.Token):]
		if digits := leadingDigits(rest); digits != "" {
			return digits, nil
		}
	}
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}

// splitLines keeps line endings so that joining the result reproduces the
// input exactly.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.SplitAfter(s, "\n")
}

func stripEnding(line string) (string, string) {
	switch {
	case strings.HasSuffix(line, "\r\n"):
		return line[:len(line)-2], "\r\n"
	case strings.HasSuffix(line, "\n"):
		return line[:len(line)-1], "\n"
	}
	return line, ""
}
