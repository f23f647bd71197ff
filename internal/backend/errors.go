package backend

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/bytedance/sonic"
)

// TransportError is a failed backend call: either the request never
// completed (Err set) or the backend answered non-2xx (StatusCode set).
type TransportError struct {
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Endpoint, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
	}
	return e.Endpoint + ": request failed"
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusCode reports the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

const maxMessageLen = 300

// errorMessage extracts something readable from a non-2xx body: the
// "message"/"error" field of a JSON body, the title or visible text of
// an HTML page (tunnel interstitials, proxy errors), or the raw text.
func errorMessage(contentType string, body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}

	if strings.HasPrefix(text, "{") {
		var parsed struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := sonic.Unmarshal(body, &parsed); err == nil {
			if parsed.Message != "" {
				return truncate(parsed.Message)
			}
			if parsed.Error != "" {
				return truncate(parsed.Error)
			}
		}
	}

	if strings.Contains(contentType, "html") || strings.HasPrefix(strings.ToLower(text), "<!doctype") || strings.HasPrefix(text, "<html") {
		return truncate(htmlText(text))
	}
	return truncate(text)
}

func htmlText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Find("body").Text()), " ")
}

// truncate cuts s to at most maxMessageLen bytes on a rune boundary.
func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	cut := maxMessageLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
