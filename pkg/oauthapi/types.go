package oauthapi

import "github.com/tendant/portal-oauth/pkg/externalprovider"

// ErrorResponse is the JSON body of every failed request
type ErrorResponse struct {
	Error    string                 `json:"error"`
	Code     string                 `json:"code"`
	Provider string                 `json:"provider,omitempty"`
	Stage    string                 `json:"stage,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

type ProvidersResponse struct {
	Providers []externalprovider.ProviderInfo `json:"providers"`
}

// RegistrationResponse is the prefilled registration form
type RegistrationResponse struct {
	Provider    string `json:"provider"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

type UnlinkResponse struct {
	Provider string `json:"provider"`
	Revoked  bool   `json:"revoked"`
	Warning  string `json:"warning,omitempty"`
}

type LinkResponse struct {
	Provider string `json:"provider"`
	Username string `json:"username"`
}
