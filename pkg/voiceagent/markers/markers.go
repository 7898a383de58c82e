// Package markers parses the inline sub-protocol agents embed in their
// spoken text:
//
//	$$PROFILE: {"key":"nickname","value":"张大爷"} $$
//	$$DISPLAY_PHOTO: wedding$$
//
// Profile markers carry one JSON object; directives carry a bare keyword.
// Markers are removed from the text that is shown to the user whether or not
// they parse.
package markers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	openSentinel  = "$$"
	closeSentinel = "$$"

	KindProfile      = "PROFILE"
	KindDisplayPhoto = "DISPLAY_PHOTO"
)

type Field struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

// Directive is a non-profile instruction, such as showing a photo.
type Directive struct {
	Name     string `json:"name"`
	Argument string `json:"argument"`
}

// ParseError describes one marker that could not be decoded.
type ParseError struct {
	Kind   string
	Offset int
	Err    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s marker at %d: %v", strings.ToLower(e.Kind), e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var errUnterminated = errors.New("missing closing $$")

type Result struct {
	Display    string
	Fields     []Field
	Directives []Directive
	Errors     []*ParseError
}

// HasMarkers reports whether any marker, valid or not, was seen.
func (r Result) HasMarkers() bool {
	return len(r.Fields) > 0 || len(r.Directives) > 0 || len(r.Errors) > 0
}

// Parse extracts every marker from text. A malformed marker never stops
// extraction of later ones.
func Parse(text string) Result {
	var (
		res Result
		out strings.Builder
	)
	i := 0
	for i < len(text) {
		j := strings.Index(text[i:], openSentinel)
		if j < 0 {
			break
		}
		start := i + j
		kind, bodyStart, ok := sentinelAt(text, start)
		if !ok {
			out.WriteString(text[i : start+len(openSentinel)])
			i = start + len(openSentinel)
			continue
		}
		body := text[bodyStart:]

		var end int
		switch kind {
		case KindProfile:
			field, n, err := decodeProfile(body)
			if err != nil {
				res.Errors = append(res.Errors, &ParseError{Kind: kind, Offset: start, Err: err})
				n = strings.Index(body, closeSentinel)
				if n < 0 {
					res.Errors[len(res.Errors)-1].Err = errUnterminated
					out.WriteString(text[i:])
					i = len(text)
					continue
				}
				end = bodyStart + n + len(closeSentinel)
			} else {
				res.Fields = append(res.Fields, field)
				end = bodyStart + n
			}
		case KindDisplayPhoto:
			n := strings.Index(body, closeSentinel)
			if n < 0 {
				res.Errors = append(res.Errors, &ParseError{Kind: kind, Offset: start, Err: errUnterminated})
				out.WriteString(text[i:])
				i = len(text)
				continue
			}
			arg := strings.TrimSpace(body[:n])
			if arg == "" {
				res.Errors = append(res.Errors, &ParseError{Kind: kind, Offset: start, Err: errors.New("empty keyword")})
			} else {
				res.Directives = append(res.Directives, Directive{Name: kind, Argument: arg})
			}
			end = bodyStart + n + len(closeSentinel)
		}

		out.WriteString(text[i:start])
		i = end
	}
	if i < len(text) {
		out.WriteString(text[i:])
	}
	res.Display = normalizeSpace(out.String())
	return res
}

// StripMarkers returns only the display text of s.
func StripMarkers(s string) string {
	return Parse(s).Display
}

// PartialDisplay is StripMarkers for text that is still streaming. A marker
// whose closing $$ has not arrived yet is hidden instead of shown raw.
func PartialDisplay(s string) string {
	res := Parse(s)
	for i := len(res.Errors) - 1; i >= 0; i-- {
		e := res.Errors[i]
		if errors.Is(e, errUnterminated) {
			return Parse(s[:e.Offset]).Display
		}
	}
	return res.Display
}

func sentinelAt(text string, start int) (kind string, bodyStart int, ok bool) {
	rest := text[start+len(openSentinel):]
	for _, k := range []string{KindProfile, KindDisplayPhoto} {
		if strings.HasPrefix(rest, k+":") {
			return k, start + len(openSentinel) + len(k) + 1, true
		}
	}
	return "", 0, false
}

// decodeProfile reads one JSON object followed by the closing sentinel and
// returns the number of bytes of body consumed, sentinel included.
func decodeProfile(body string) (Field, int, error) {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var raw struct {
		Key   *string `json:"key"`
		Value any     `json:"value"`
	}
	if err := dec.Decode(&raw); err != nil {
		return Field{}, 0, fmt.Errorf("decode payload: %w", err)
	}
	n := int(dec.InputOffset())
	for n < len(body) && isSpace(body[n]) {
		n++
	}
	if !strings.HasPrefix(body[n:], closeSentinel) {
		return Field{}, 0, errors.New("payload not followed by closing $$")
	}
	n += len(closeSentinel)

	if raw.Key == nil || strings.TrimSpace(*raw.Key) == "" {
		return Field{}, 0, errors.New("missing key")
	}
	if raw.Value == nil {
		return Field{}, 0, errors.New("missing value")
	}
	val, err := valueFromAny(raw.Value)
	if err != nil {
		return Field{}, 0, err
	}
	return Field{Key: strings.TrimSpace(*raw.Key), Value: val}, n, nil
}

func decodeUseNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func normalizeSpace(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
