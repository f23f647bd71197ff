package backend

import (
	"strings"

	"github.com/bytedance/sonic"
)

// Flag is a verdict field. The backend sends booleans or the strings
// "Verified" / "Not Verified"; an absent or null field leaves Set false.
type Flag struct {
	Set bool
	OK  bool
}

func (f *Flag) UnmarshalJSON(b []byte) error {
	*f = Flag{}
	s := strings.TrimSpace(string(b))
	switch s {
	case "null", "":
		return nil
	case "true":
		*f = Flag{Set: true, OK: true}
		return nil
	case "false":
		*f = Flag{Set: true}
		return nil
	}
	var str string
	if err := sonic.Unmarshal(b, &str); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(str)) {
	case "verified", "true", "ok", "yes":
		*f = Flag{Set: true, OK: true}
	default:
		*f = Flag{Set: true}
	}
	return nil
}

func (f Flag) MarshalJSON() ([]byte, error) {
	switch {
	case !f.Set:
		return []byte("null"), nil
	case f.OK:
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

type VerifyItem struct {
	AccountID       string `json:"accountId"`
	Credential      string `json:"credential"`
	SecondaryEntity string `json:"secondaryEntity,omitempty"`
}

type VerifyRequest struct {
	UserID string       `json:"userId,omitempty"`
	Rows   []VerifyItem `json:"rows"`
}

type VerifiedAccount struct {
	AccountID        string `json:"accountId"`
	Credential       string `json:"credential"`
	SecondaryEntity  string `json:"secondaryEntity,omitempty"`
	PrimaryStatus    Flag   `json:"primaryStatus"`
	CredentialStatus Flag   `json:"credentialStatus"`
	SecondaryStatus  Flag   `json:"secondaryStatus"`
	PrimaryError     string `json:"primaryError,omitempty"`
	CredentialError  string `json:"credentialError,omitempty"`
	SecondaryError   string `json:"secondaryError,omitempty"`
}

type VerifyResponse struct {
	VerifiedAccounts []VerifiedAccount `json:"verifiedAccounts"`
	Message          string            `json:"message,omitempty"`
}

type CodeCheckRequest struct {
	UserID string   `json:"userId"`
	Codes  []string `json:"codes"`
}

type CodeCheck struct {
	ExistingCodes []string `json:"existingCodes"`
	MissingCodes  []string `json:"missingCodes"`
}

type DispatchRequest struct {
	UserID     string         `json:"userId"`
	AccountID  string         `json:"accountId"`
	Credential string         `json:"credential"`
	Payload    map[string]any `json:"payload"`
}

// Task is one backend task record, kept as a loose map so new fields
// survive into the row detail.
type Task map[string]any

func (t Task) String(key string) string {
	if v, ok := t[key].(string); ok {
		return v
	}
	return ""
}

type DispatchResponse struct {
	Message string `json:"message,omitempty"`
	Tasks   []Task `json:"tasks,omitempty"`
}

type accessToken struct {
	FacebookName string `json:"facebook_name"`
	AccessToken  string `json:"access_token"`
}

type accessTokensResponse struct {
	Data []accessToken `json:"data"`
}
