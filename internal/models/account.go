// Package models defines the data structures shared by the relay, its stores and its transports.
package models

import (
	"errors"
	"time"
)

// Sentinel errors shared by every account store.
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
)

// Provider tags accepted in the inbound "provider" field.
const (
	ProviderOpenAI      = "openAi"
	ProviderAnthropic   = "anthropic"
	ProviderAzureOpenAI = "azureOpenAi"
	ProviderMistral     = "mistral"
	ProviderGroq        = "groq"
)

// Providers lists every provider tag in registration order.
var Providers = []string{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderAzureOpenAI,
	ProviderMistral,
	ProviderGroq,
}

// UsageField names one of the two monotonic character counters on an account.
type UsageField string

const (
	// UsagePlatform counts characters billed against the platform-funded reserve.
	UsagePlatform UsageField = "platform"
	// UsageOwnKey counts characters sent with the account's own provider key.
	UsageOwnKey UsageField = "ownKey"
)

// Valid reports whether f is a known usage counter.
func (f UsageField) Valid() bool {
	return f == UsagePlatform || f == UsageOwnKey
}

// Account is the usage-relevant view of a user account.
type Account struct {
	ID                string            `json:"uuid"`
	Username          string            `json:"username"`
	Roles             []string          `json:"roles,omitempty"`
	CharacterReserve  int               `json:"character_reserve"`
	CharactersUsed    int               `json:"characters_used"`
	OwnCharactersUsed int               `json:"own_characters_used"`
	APIKeys           map[string]string `json:"api_keys,omitempty"` // provider tag -> key
	AzureEndpoint     string            `json:"azure_endpoint,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// KeyFor returns the account's own key for provider, or "" when the platform key applies.
// An Azure key only counts when the account also carries its own endpoint.
func (a *Account) KeyFor(provider string) string {
	if a == nil || a.APIKeys == nil {
		return ""
	}
	key := a.APIKeys[provider]
	if provider == ProviderAzureOpenAI && a.AzureEndpoint == "" {
		return ""
	}
	return key
}

// RemainingReserve returns how many platform characters are left, never negative.
func (a *Account) RemainingReserve() int {
	if a == nil {
		return 0
	}
	if left := a.CharacterReserve - a.CharactersUsed; left > 0 {
		return left
	}
	return 0
}

// AccountInput carries the fields needed to provision an account record.
type AccountInput struct {
	Username         string
	Roles            []string
	CharacterReserve int
	APIKeys          map[string]string
	AzureEndpoint    string
}
