package index

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

const maxLineSize = 1 << 20

var (
	escaper   = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)
	errEscape = errors.New("invalid escape sequence")
)

func escape(s string) string {
	return escaper.Replace(s)
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i == len(s) {
			return "", errEscape
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			return "", fmt.Errorf("%w: \\%c", errEscape, s[i])
		}
	}
	return b.String(), nil
}

// writeProperty writes one key:value line.
func writeProperty(w *bufio.Writer, key, value string) error {
	if _, err := w.WriteString(key); err != nil {
		return err
	}
	if err := w.WriteByte(':'); err != nil {
		return err
	}
	if _, err := w.WriteString(escape(value)); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// readProperties parses key:value lines. Blank lines and lines starting
// with '#' are ignored; a repeated key is an error.
func readProperties(r io.Reader) (map[string]string, error) {
	props := make(map[string]string)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if text == "" || text[0] == '#' {
			continue
		}
		key, raw, ok := strings.Cut(text, ":")
		if !ok || key == "" {
			return nil, fmt.Errorf("line %d: missing separator", line)
		}
		value, err := unescape(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if _, dup := props[key]; dup {
			return nil, fmt.Errorf("line %d: duplicate key %q", line, key)
		}
		props[key] = value
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	return props, nil
}
