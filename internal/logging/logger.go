// Package logging builds the process logger. Every component receives a
// child logger tagged with its component name; secret-bearing fields are
// masked before they reach the writer.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Fields whose values must never appear in logs.
var secretFields = map[string]struct{}{
	"apikey":     {},
	"api_key":    {},
	"apisecret":  {},
	"api_secret": {},
	"secretkey":  {},
	"secret_key": {},
	"password":   {},
	"token":      {},
	"signature":  {},
}

const redacted = "[REDACTED]"

// New creates the root logger at the given level writing to w.
func New(level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(&redactingWriter{out: w}).Level(lvl).With().Timestamp().Logger()
}

// Component returns a child logger tagged with a component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// redactingWriter rewrites secret fields in each JSON log line. Lines that
// are not valid JSON pass through untouched.
type redactingWriter struct {
	out io.Writer
}

func (r *redactingWriter) Write(p []byte) (int, error) {
	var entry map[string]interface{}
	if err := json.Unmarshal(p, &entry); err != nil {
		return r.out.Write(p)
	}
	if !redactMap(entry) {
		return r.out.Write(p)
	}
	cleaned, err := json.Marshal(entry)
	if err != nil {
		return r.out.Write(p)
	}
	cleaned = append(cleaned, '\n')
	if _, err := r.out.Write(cleaned); err != nil {
		return 0, err
	}
	// Report the original length so zerolog does not treat this as a
	// short write.
	return len(p), nil
}

func redactMap(m map[string]interface{}) bool {
	changed := false
	for k, v := range m {
		if _, secret := secretFields[strings.ToLower(k)]; secret {
			m[k] = redacted
			changed = true
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			if redactMap(nested) {
				changed = true
			}
		}
	}
	return changed
}
