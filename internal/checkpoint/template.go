package checkpoint

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Template is a parsed checkpoint file name pattern such as
// "cp-{epoch:04d}.ckpt" or "weights.{epoch:02d}-{val_loss:.2f}".
//
// Placeholders name a field in braces with an optional format spec after a
// colon: {epoch}, {step} and any log key. Specs follow the familiar
// [flags][width][.precision]verb shape with verbs d, f, e and g. Doubled
// braces are literal.
type Template struct {
	raw   string
	parts []templatePart
}

type templatePart struct {
	literal string
	field   string
	spec    string
}

// Fields available to every template besides the log keys.
const (
	FieldEpoch = "epoch"
	FieldStep  = "step"
)

// ParseTemplate parses a file name pattern.
func ParseTemplate(s string) (*Template, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.New("empty checkpoint template")
	}
	t := &Template{raw: s}
	var lit strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '{' && i+1 < len(s) && s[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				return nil, errors.Errorf("template %q: unclosed '{' at %d", s, i)
			}
			field, spec, _ := strings.Cut(s[i+1:i+end], ":")
			if field == "" {
				return nil, errors.Errorf("template %q: empty placeholder at %d", s, i)
			}
			if err := checkSpec(spec); err != nil {
				return nil, errors.Wrapf(err, "template %q: field %q", s, field)
			}
			if lit.Len() > 0 {
				t.parts = append(t.parts, templatePart{literal: lit.String()})
				lit.Reset()
			}
			t.parts = append(t.parts, templatePart{field: field, spec: spec})
			i += end
		case c == '}':
			return nil, errors.Errorf("template %q: single '}' at %d", s, i)
		default:
			lit.WriteByte(c)
		}
	}
	if lit.Len() > 0 {
		t.parts = append(t.parts, templatePart{literal: lit.String()})
	}
	return t, nil
}

// String returns the original pattern.
func (t *Template) String() string { return t.raw }

// HasPlaceholders reports whether rendering depends on training progress.
// A template without placeholders names a single file that every save
// overwrites.
func (t *Template) HasPlaceholders() bool {
	for _, p := range t.parts {
		if p.field != "" {
			return true
		}
	}
	return false
}

// Fields returns the placeholder names in order of appearance.
func (t *Template) Fields() []string {
	var fields []string
	for _, p := range t.parts {
		if p.field != "" {
			fields = append(fields, p.field)
		}
	}
	return fields
}

// Render substitutes epoch, step and logs into the pattern.
func (t *Template) Render(epoch int, step int64, logs map[string]float64) (string, error) {
	var sb strings.Builder
	for _, p := range t.parts {
		if p.field == "" {
			sb.WriteString(p.literal)
			continue
		}
		var (
			value   float64
			integer bool
		)
		switch p.field {
		case FieldEpoch:
			value, integer = float64(epoch), true
		case FieldStep:
			value, integer = float64(step), true
		default:
			v, ok := logs[p.field]
			if !ok {
				return "", errors.Errorf("template %q: no value for %q", t.raw, p.field)
			}
			value = v
		}
		sb.WriteString(formatValue(value, integer, p.spec))
	}
	return sb.String(), nil
}

// checkSpec validates a format spec such as "04d" or ".2f".
func checkSpec(spec string) error {
	if spec == "" {
		return nil
	}
	verb := spec[len(spec)-1]
	if !strings.ContainsRune("dfeg", rune(verb)) {
		return errors.Errorf("unsupported format verb %q", verb)
	}
	for _, c := range spec[:len(spec)-1] {
		if !strings.ContainsRune("0123456789.+- ", c) {
			return errors.Errorf("invalid format spec %q", spec)
		}
	}
	return nil
}

func formatValue(v float64, integer bool, spec string) string {
	if spec == "" {
		if integer {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	if spec[len(spec)-1] == 'd' {
		return fmt.Sprintf("%"+spec, int64(v))
	}
	return fmt.Sprintf("%"+spec, v)
}
