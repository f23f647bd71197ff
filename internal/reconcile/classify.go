// Package reconcile turns free-text stream lines into row status changes.
// Lines are classified against ordered pattern tables, then attributed to
// rows by account, direction and secondary identity, or by campaign label.
package reconcile

import (
	"regexp"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/pgoc/adsbot/internal/rows"
)

// Kind is what a stream line reports about its target.
type Kind string

const (
	KindProgress     Kind = "progress"     // work on the target has started
	KindSuccess      Kind = "success"      // target finished
	KindUnauthorized Kind = "unauthorized" // credential rejected (401)
	KindForbidden    Kind = "forbidden"    // account not reachable with this credential (403)
	KindFailed       Kind = "failed"       // target failed with a message
	KindDetail       Kind = "detail"       // structured detail for the target, no status change
	KindUnclassified Kind = "unclassified" // no pattern matched
)

const (
	unauthorizedMessage = "check credential."
	forbiddenMessage    = "check permissions."
)

// Event is a classified stream line.
type Event struct {
	Kind      Kind
	AccountID string
	Direction rows.Direction
	// Secondary names one member of the row's secondary set (a page).
	Secondary string
	// Label is a backend-generated name ending in the row's label.
	Label   string
	Detail  map[string]any
	Message string
	// Timestamp and Content split a "[ts] content" line.
	Timestamp string
	Content   string
	Line      string
}

// Targeted reports whether the event names a row.
func (e Event) Targeted() bool {
	return e.AccountID != "" || e.Label != ""
}

// LastMessage renders the row-facing "{ts} - {content}" text, or "" for
// lines without a timestamp.
func (e Event) LastMessage() string {
	if e.Timestamp == "" {
		return ""
	}
	return e.Timestamp + " - " + e.Content
}

type rule struct {
	kind  Kind
	re    *regexp.Regexp
	apply func(m []string, ev *Event)
}

var timestamped = regexp.MustCompile(`\[(.*?)\] (.*)`)

// Rules are tried in order and the first match wins. The 401 rule precedes
// the 403 rule because a 401 line also carries the campaigns URL.
var rules = []rule{
	// Progress indicators
	{KindProgress, regexp.MustCompile(`Fetching Campaign Data for page: (.*?) in account (\S+) \((ON|OFF)\)`), func(m []string, ev *Event) {
		ev.Secondary, ev.AccountID, ev.Direction = m[1], m[2], rows.ParseDirection(m[3])
	}},
	{KindProgress, regexp.MustCompile(`Fetching Campaign Data for (\S+) \((ON|OFF)\)`), func(m []string, ev *Event) {
		ev.AccountID, ev.Direction = m[1], rows.ParseDirection(m[2])
	}},
	{KindProgress, regexp.MustCompile(`Fetching Campaign Data for (\S+) schedule (.*)`), func(m []string, ev *Event) {
		ev.AccountID = m[1]
		ev.Direction = scheduleDirection(m[2])
	}},
	{KindProgress, regexp.MustCompile(`Creating Facebook campaign: (.*?)\.`), func(m []string, ev *Event) {
		ev.Label = m[1]
	}},
	{KindProgress, regexp.MustCompile(`Uploading (?:video|image) for (.*?)\.`), func(m []string, ev *Event) {
		ev.Label = m[1]
	}},

	// Success indicators
	{KindSuccess, regexp.MustCompile(`Campaign updates completed for page: (.*?) in account (\S+) \((ON|OFF)\)`), func(m []string, ev *Event) {
		ev.Secondary, ev.AccountID, ev.Direction = m[1], m[2], rows.ParseDirection(m[3])
	}},
	{KindSuccess, regexp.MustCompile(`Campaign updates completed for (\S+) \((ON|OFF)\)`), func(m []string, ev *Event) {
		ev.AccountID, ev.Direction = m[1], rows.ParseDirection(m[2])
	}},
	{KindSuccess, regexp.MustCompile(`(?i)Processing (\S+) Completed`), func(m []string, ev *Event) {
		ev.AccountID = m[1]
	}},
	{KindSuccess, regexp.MustCompile(`Ad creative successfully created for (.*?)\.`), func(m []string, ev *Event) {
		ev.Label = m[1]
	}},

	// Credential and permission problems
	{KindUnauthorized, regexp.MustCompile(`Error during campaign fetch for Ad Account (\S+) \((ON|OFF)\): 401 Client Error`), func(m []string, ev *Event) {
		ev.AccountID, ev.Direction = m[1], rows.ParseDirection(m[2])
		ev.Message = unauthorizedMessage
	}},
	{KindForbidden, regexp.MustCompile(`https://graph\.facebook\.com/v\d+\.\d+/act_(\d+)/campaigns`), func(m []string, ev *Event) {
		ev.AccountID = m[1]
		ev.Message = forbiddenMessage
	}},

	// Failures
	{KindFailed, regexp.MustCompile(`Error fetching campaigns for page: (.*?) in account (\S+) \((ON|OFF)\): (.*)`), func(m []string, ev *Event) {
		ev.Secondary, ev.AccountID, ev.Direction = m[1], m[2], rows.ParseDirection(m[3])
		ev.Message = strings.TrimSpace(m[4])
	}},
	{KindFailed, regexp.MustCompile(`Failed to create ad for adset (.*?), details: (.*)`), func(m []string, ev *Event) {
		ev.Label = m[1]
		ev.Message = errorMessage(m[2])
	}},

	// Detail
	{KindDetail, regexp.MustCompile(`Task Created: (.*) - Status: (\S+) - Message: (.*)`), func(m []string, ev *Event) {
		ev.Label = m[1]
		var message any = m[3]
		var parsed any
		if err := sonic.UnmarshalString(m[3], &parsed); err == nil {
			message = parsed
		}
		ev.Detail = map[string]any{"task_name": m[1], "task_status": m[2], "task_message": message}
	}},
}

// Classify matches line against the rule table.
func Classify(line string) Event {
	line = strings.TrimSpace(line)
	ev := Event{Kind: KindUnclassified, Line: line}
	if m := timestamped.FindStringSubmatch(line); m != nil {
		ev.Timestamp, ev.Content = m[1], m[2]
	}
	for _, r := range rules {
		m := r.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ev.Kind = r.kind
		r.apply(m, &ev)
		break
	}
	return ev
}

// scheduleDirection reads on_off from the single-quoted dict the schedule
// worker logs. Anything unparseable gives no direction.
func scheduleDirection(raw string) rows.Direction {
	var sched map[string]any
	if err := sonic.UnmarshalString(strings.ReplaceAll(raw, "'", `"`), &sched); err != nil {
		return rows.DirectionNone
	}
	if v, ok := sched["on_off"].(string); ok {
		return rows.ParseDirection(v)
	}
	return rows.DirectionNone
}

// errorMessage extracts error.message from a JSON details blob.
func errorMessage(details string) string {
	details = strings.TrimSpace(details)
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := sonic.UnmarshalString(details, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return details
}
