// Package stream keeps one live subscription per operation scope and
// feeds its lines to a handler. Frames arrive over SSE from the backend or
// straight from the backend's Redis.
package stream

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

const initialPrefix = "Last Message:"

// Frame is one decoded stream message.
type Frame struct {
	Key   string
	Lines []string
	// Initial marks the snapshot sent when a subscription opens. Its
	// single line is display text and is never classified.
	Initial bool
	// Err is a backend-reported problem with the key, e.g. it not existing
	// yet.
	Err string
}

type wireFrame struct {
	Key   string `json:"key"`
	Data  any    `json:"data"`
	Error string `json:"error"`
}

// DecodeFrame reads {"key", "data"|"error"} where data is either the
// initial " Last Message: ..." string or an object whose message is a
// string or a list of strings.
func DecodeFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := sonic.Unmarshal(data, &w); err != nil {
		return Frame{}, fmt.Errorf("failed to decode stream frame: %w", err)
	}
	f := Frame{Key: w.Key, Err: w.Error}

	switch d := w.Data.(type) {
	case string:
		text := strings.TrimSpace(d)
		if text == "" {
			break
		}
		f.Initial = strings.HasPrefix(text, initialPrefix)
		f.Lines = []string{text}
	case map[string]any:
		f.Lines = messageLines(d["message"])
	}
	return f, nil
}

// DecodePayload reads the bare {"message": ...} document stored under a
// scope key.
func DecodePayload(key string, data []byte) (Frame, error) {
	var doc map[string]any
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return Frame{}, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return Frame{Key: key, Lines: messageLines(doc["message"])}, nil
}

func messageLines(v any) []string {
	var out []string
	switch m := v.(type) {
	case string:
		if s := strings.TrimSpace(m); s != "" {
			out = append(out, s)
		}
	case []any:
		for _, item := range m {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}
