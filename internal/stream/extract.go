package stream

import (
	"errors"
	"io"
	"log/slog"
	"strings"
)

// Defaults for the bounded-retry fallback of an Extractor.
const (
	DefaultMaxConsecutiveFailures = 8
	DefaultMaxPendingBytes        = 1 << 20
)

// ExtractorOptions bounds how much damage a persistently malformed stream can do. A zero value disables the
// corresponding limit.
type ExtractorOptions struct {
	// MaxConsecutiveFailures is the number of back-to-back decode failures after which the pending buffer is
	// discarded.
	MaxConsecutiveFailures int
	// MaxPendingBytes caps the unresolved tail kept between chunks.
	MaxPendingBytes int
}

// DefaultExtractorOptions returns the limits used by the server and the terminal client.
func DefaultExtractorOptions() ExtractorOptions {
	return ExtractorOptions{
		MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
		MaxPendingBytes:        DefaultMaxPendingBytes,
	}
}

// Extractor accumulates raw chunks and resolves complete JSON objects out of them. It is owned by a single
// consumption loop and is not safe for concurrent use.
type Extractor struct {
	opts     ExtractorOptions
	pending  string
	failures int

	logger *slog.Logger
}

// NewExtractor creates an Extractor with an empty pending buffer. A nil logger discards log output.
func NewExtractor(opts ExtractorOptions, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Extractor{
		opts:   opts,
		logger: logger,
	}
}

// Extract appends newText to buffer and returns every event that became complete, along with the unresolved
// remainder that should be passed back in with the next chunk. It never fails: corrupt fragments are skipped.
func Extract(buffer, newText string) ([]Event, string) {
	e := Extractor{
		pending: buffer,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	events := e.Feed(newText)
	return events, e.pending
}

// Pending returns the text received but not yet resolved into objects.
func (e *Extractor) Pending() string {
	return e.pending
}

// Reset empties the pending buffer and failure counter, as done at the start of every request.
func (e *Extractor) Reset() {
	e.pending = ""
	e.failures = 0
}

// Feed appends chunk to the pending buffer and returns the events it completed, in stream order.
func (e *Extractor) Feed(chunk string) []Event {
	buf := e.pending + chunk

	var events []Event
	pos := 0
	keep := len(buf)
	for {
		i := strings.IndexByte(buf[pos:], '{')
		if i < 0 {
			// Nothing left can start an object.
			break
		}
		start := pos + i

		end, ok := balancedEnd(buf, start)
		if !ok {
			keep = start
			break
		}

		ev, err := decode(buf[start:end])
		if err != nil {
			if errors.Is(err, errMalformed) {
				e.failures++
				e.logger.Debug("Skipping malformed fragment",
					slog.Int("offset", start),
					slog.Int("failures", e.failures))
				if e.opts.MaxConsecutiveFailures > 0 && e.failures >= e.opts.MaxConsecutiveFailures {
					e.logger.Warn("Too many consecutive parse failures, discarding buffer",
						slog.Int("failures", e.failures),
						slog.Int("bytes", len(buf)))
					e.failures = 0
					keep = len(buf)
					break
				}
				pos = start + 1
				continue
			}

			e.failures = 0
			e.logger.Debug("Ignoring object", slog.String("reason", err.Error()))
			pos = end
			continue
		}

		e.failures = 0
		events = append(events, ev)
		pos = end
	}

	e.pending = buf[keep:]
	if e.opts.MaxPendingBytes > 0 && len(e.pending) > e.opts.MaxPendingBytes {
		e.logger.Warn("Pending buffer exceeded limit, discarding",
			slog.Int("bytes", len(e.pending)),
			slog.Int("limit", e.opts.MaxPendingBytes))
		e.pending = ""
	}
	return events
}

// balancedEnd walks from the opening brace at start and returns the index just past its matching closing
// brace. Braces inside string literals do not count. It reports false if the input ends first.
func balancedEnd(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
