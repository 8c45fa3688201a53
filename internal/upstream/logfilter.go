// Package upstream implements the MCP client role against one upstream
// server, the stdio log-contamination filter it relies on for
// stdio-transport upstreams, and the per-server error/cooldown tracker.
package upstream

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// LogLevel is the inferred severity of a non-JSON-RPC line surfaced by an
// upstream that contaminates its stdout with human-readable logs.
type LogLevel string

const (
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelWarn     LogLevel = "warn"
	LevelError    LogLevel = "error"
	LevelCritical LogLevel = "critical"
)

var levelLadder = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(DEBUG|INFO|WARNING|ERROR|CRITICAL)\s+`),
	regexp.MustCompile(`(?i)^\[(DEBUG|INFO|WARNING|ERROR|CRITICAL)\]`),
	regexp.MustCompile(`(?i)\s(DEBUG|INFO|WARNING|ERROR|CRITICAL)\s`),
}

// ClassifyLine infers the log level of a stdout line that failed the
// JSON-RPC frame test, via the three-regex ladder above. Lines matching
// none of the three patterns default to info.
func ClassifyLine(line string) LogLevel {
	for _, re := range levelLadder {
		if m := re.FindStringSubmatch(line); m != nil {
			return levelFromToken(m[1])
		}
	}
	return LevelInfo
}

func levelFromToken(tok string) LogLevel {
	switch strings.ToUpper(tok) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "CRITICAL":
		return LevelCritical
	default:
		return LevelInfo
	}
}

// jsonrpcEnvelope is the minimal shape checked to decide whether a line is a
// well-formed JSON-RPC 2.0 frame, without fully decoding it.
type jsonrpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// IsJSONRPCFrame reports whether line parses as JSON-RPC 2.0 with at least
// one of {method+id, method alone, result+id, error+id}.
func IsJSONRPCFrame(line []byte) bool {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return false
	}

	var env jsonrpcEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return false
	}
	if env.JSONRPC != "2.0" {
		return false
	}

	hasID := len(env.ID) > 0
	hasMethod := env.Method != ""
	hasResult := len(env.Result) > 0
	hasError := len(env.Error) > 0

	switch {
	case hasMethod:
		return true
	case hasResult && hasID:
		return true
	case hasError && hasID:
		return true
	default:
		return false
	}
}

// LineSplitter buffers arbitrary stdout chunks and yields complete lines,
// retaining a trailing incomplete fragment across Feed calls so that a line
// split across a chunk boundary is still emitted exactly once.
type LineSplitter struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and returns every complete line
// it now contains, in order. Partial trailing data is kept for the next call.
func (s *LineSplitter) Feed(chunk []byte) []string {
	s.buf = append(s.buf, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(s.buf[:idx], []byte("\r"))
		lines = append(lines, string(line))
		s.buf = s.buf[idx+1:]
	}
	return lines
}

// Pending returns the bytes buffered so far that have not yet formed a
// complete line.
func (s *LineSplitter) Pending() []byte {
	return s.buf
}
