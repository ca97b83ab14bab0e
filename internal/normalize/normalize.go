// Package normalize recovers structured file contributions from free-text
// model responses. Everything here is a pure function of its input.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnparseable means no structured object could be recovered from the text.
	ErrUnparseable = errors.New("unparseable model output")
	// ErrNoUsableFiles means the object parsed but names no file to write.
	ErrNoUsableFiles = errors.New("model output contains no usable files")
)

// FileSpec is one file contribution as emitted by the model.
type FileSpec struct {
	Folder string `json:"folder"`
	File   string `json:"file"`
	Code   string `json:"code"`
}

// FileList decodes either a list of contributions or a single bare object.
type FileList []FileSpec

func (l *FileList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*l = nil
		return nil
	case data[0] == '{':
		var one FileSpec
		if err := json.Unmarshal(data, &one); err != nil {
			return err //nolint:wrapcheck
		}
		*l = FileList{one}
		return nil
	}
	var many []FileSpec
	if err := json.Unmarshal(data, &many); err != nil {
		return err //nolint:wrapcheck
	}
	*l = many
	return nil
}

// Instructions decodes a list of strings or a single string. Anything else is
// dropped: instructions never decide whether a response is usable.
type Instructions []string

func (in *Instructions) UnmarshalJSON(data []byte) error {
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*in = many
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil && strings.TrimSpace(one) != "" {
		*in = Instructions{one}
		return nil
	}
	*in = nil
	return nil
}

// Result is the structured shape a step response is expected to have.
type Result struct {
	Files        FileList     `json:"files"`
	Instructions Instructions `json:"instructions,omitempty"`
}

// Usable returns the contributions whose file name is not blank.
func (r *Result) Usable() []FileSpec {
	if r == nil {
		return nil
	}
	out := make([]FileSpec, 0, len(r.Files))
	for _, f := range r.Files {
		if strings.TrimSpace(f.File) != "" {
			out = append(out, f)
		}
	}
	return out
}

// Decode strips fences, sanitizes quoted spans and parses the text as one
// object. When the full text does not parse, the span between the first '{'
// and the last '}' is tried instead. Failure wraps ErrUnparseable.
func Decode(raw string) (*Result, error) {
	cleaned := StripFences(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: empty text", ErrUnparseable)
	}
	res, err := decodeObject(Sanitize(cleaned))
	if err == nil {
		return res, nil
	}
	first, last := strings.Index(cleaned, "{"), strings.LastIndex(cleaned, "}")
	if first >= 0 && last > first {
		if sliced, sliceErr := decodeObject(Sanitize(cleaned[first : last+1])); sliceErr == nil {
			return sliced, nil
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrUnparseable, err)
}

// Parse is Decode plus the usability rule: a result without any named file
// is returned together with ErrNoUsableFiles.
func Parse(raw string) (*Result, error) {
	res, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if len(res.Usable()) == 0 {
		return res, ErrNoUsableFiles
	}
	return res, nil
}

// Viable is the cheap acceptance check applied to every generation attempt.
func Viable(raw string) bool {
	_, err := Parse(raw)
	return err == nil
}

func decodeObject(text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return nil, errors.New("not a JSON object")
	}
	var res Result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return nil, err //nolint:wrapcheck
	}
	return &res, nil
}

// StripFences removes a surrounding markdown code fence together with its
// language tag, and a bare leading "json" tag.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimLeft(s, "`")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
			s = s[nl+1:]
		} else if brace := strings.IndexAny(s, "{["); brace >= 0 {
			s = s[brace:]
		}
		s = strings.TrimSpace(s)
		if strings.HasSuffix(s, "```") {
			s = strings.TrimSpace(strings.TrimRight(s, "`"))
		}
	}
	if len(s) >= 4 && strings.EqualFold(s[:4], "json") {
		rest := strings.TrimSpace(s[4:])
		if strings.HasPrefix(rest, "{") || strings.HasPrefix(rest, "[") {
			s = rest
		}
	}
	return s
}

// Sanitize repairs the content of quoted spans so that a structurally valid
// payload with broken string content becomes parseable: stray backslashes are
// escaped and raw control characters are replaced by their escape sequences.
// Text outside quoted spans is left untouched apart from NUL bytes, which are
// removed everywhere.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/16)

	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == 0 {
			continue
		}
		if !inString {
			if c == '"' {
				inString = true
			}
			b.WriteByte(c)
			continue
		}
		switch c {
		case '"':
			inString = false
			b.WriteByte(c)
		case '\\':
			if n := validEscapeLen(s[i:]); n > 0 {
				b.WriteString(s[i : i+n])
				i += n - 1
			} else {
				b.WriteString(`\\`)
			}
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, c)
				continue
			}
			b.WriteByte(c)
		}
	}
	return b.String()
}

// validEscapeLen returns the length of the JSON escape sequence starting at
// s[0] (a backslash), or 0 if it is not one.
func validEscapeLen(s string) int {
	if len(s) < 2 {
		return 0
	}
	switch s[1] {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
		return 2
	case 'u':
		if len(s) < 6 {
			return 0
		}
		for _, h := range s[2:6] {
			if !isHex(h) {
				return 0
			}
		}
		return 6
	}
	return 0
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
