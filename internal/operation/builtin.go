package operation

import "time"

const (
	CampaignCreation = "campaign_creation"
	Adsets           = "adsets"
	PageName         = "page_name"
	CampaignName     = "campaign_name"
	Schedule         = "schedule"
)

const defaultIdleNotice = "Waiting for new messages..."

// Builtin returns the operations the backend exposes.
func Builtin() *Registry {
	return &Registry{Operations: []Operation{
		{
			ID:   CampaignCreation,
			Name: "Campaign creation",
			RequiredHeaders: []string{
				"ad_account_id", "facebook_name", "facebook_page_id", "sku", "material_code",
				"campaign_code", "interests_list", "daily_budget", "video_url", "headline",
				"primary_text", "image_url", "product", "start_date", "start_time", "excluded_ph_region",
			},
			AccountField:   "ad_account_id",
			AliasField:     "facebook_name",
			IdentityFields: []string{"campaign_code", "sku", "material_code"},
			SecondaryField: "facebook_page_id",
			NestedFields:   []string{"interests_list", "excluded_ph_region"},
			IntegerFields:  []string{"daily_budget"},
			TimeField:      "start_time",
			CodeField:      "campaign_code",
			Match:          MatchLabel,
			LabelFields:    []string{"sku", "material_code", "campaign_code"},
			Endpoints: Endpoints{
				Verify:   "/api/v1/verify-ads-account/verify",
				Dispatch: "/api/v1/campaign/create-campaigns",
				Codes:    "/api/v1/verify/campaign-code",
				Stream:   "/api/v1/messageevents-campaign-creations",
			},
			Stream: StreamConfig{Reconnect: 1500 * time.Millisecond, Idle: 5 * time.Second, IdleNotice: defaultIdleNotice, RedisDB: 14},
		},
		{
			ID:   Adsets,
			Name: "Adsets on/off",
			RequiredHeaders: []string{
				"ad_account_id", "facebook_name", "campaign_code", "what_to_watch",
				"cpp_metric", "cpp_date_start", "cpp_date_end", "on_off",
			},
			AccountField:   "ad_account_id",
			AliasField:     "facebook_name",
			DirectionField: "on_off",
			IdentityFields: []string{"campaign_code", "what_to_watch"},
			CodeField:      "campaign_code",
			VerifyChecks:   []Check{CheckPrimary, CheckCredential},
			Match:          MatchIdentity,
			Endpoints: Endpoints{
				Verify:   "/api/v1/verify/adsets",
				Dispatch: "/api/v1/onoff/adsets",
				Codes:    "/api/v1/verify/campaign-code",
				Stream:   "/api/v1/messageevents-adsets",
			},
			Stream: StreamConfig{Reconnect: 1500 * time.Millisecond, Idle: 5 * time.Second, IdleNotice: defaultIdleNotice, RedisDB: 15},
		},
		{
			ID:              PageName,
			Name:            "Page name on/off",
			RequiredHeaders: []string{"ad_account_id", "facebook_name", "page_name", "on_off"},
			AccountField:    "ad_account_id",
			AliasField:      "facebook_name",
			DirectionField:  "on_off",
			SecondaryField:  "page_name",
			FoldSecondary:   true,
			Match:           MatchIdentity,
			Endpoints: Endpoints{
				Verify:   "/api/v1/verify/pagename",
				Dispatch: "/api/v1/onoff/pagename",
				Stream:   "/api/v1/messageevents-pagename",
			},
			Stream: StreamConfig{Reconnect: 1500 * time.Millisecond, Idle: 5 * time.Second, IdleNotice: defaultIdleNotice, RedisDB: 12},
		},
		{
			ID:                 CampaignName,
			Name:               "Campaign name on/off",
			RequiredHeaders:    []string{"ad_account_id", "facebook_name", "campaign_name", "on_off"},
			AccountField:       "ad_account_id",
			AliasField:         "facebook_name",
			DirectionField:     "on_off",
			SecondaryField:     "campaign_name",
			SecondarySeparator: " / ",
			FoldSecondary:      true,
			Match:              MatchIdentity,
			Endpoints: Endpoints{
				Verify:   "/api/v1/verify-ads-account/verify",
				Dispatch: "/api/v1/off-on-campaign/add-campaigns",
				Stream:   "/api/v1/messageevents-off",
			},
			Stream: StreamConfig{Reconnect: 1500 * time.Millisecond, Idle: 5 * time.Second, IdleNotice: defaultIdleNotice, RedisDB: 13},
		},
		{
			ID:              Schedule,
			Name:            "Scheduled campaign on/off",
			RequiredHeaders: []string{"ad_account_id", "facebook_name", "time", "cpp_metric", "on_off", "watch"},
			AccountField:    "ad_account_id",
			AliasField:      "facebook_name",
			DirectionField:  "on_off",
			IdentityFields:  []string{"time", "watch"},
			TimeField:       "time",
			Match:           MatchIdentity,
			Endpoints: Endpoints{
				Verify:   "/api/v1/verify/schedule",
				Dispatch: "/api/v1/schedule/create-campaign-schedule",
				Stream:   "/api/v1/messageevents",
			},
			Stream: StreamConfig{
				Scoped:     true,
				Reconnect:  3 * time.Second,
				Idle:       5 * time.Second,
				IdleNotice: "Waiting for Scheduled Campaign ON/OFF...",
				RedisDB:    10,
			},
		},
	}}
}
