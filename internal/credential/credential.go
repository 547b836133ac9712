// Package credential holds the upstream Credential type and the ordered
// Pool of credentials with mutable per-item status, hot-reloadable from its
// backing JSON file.
package credential

import (
	"time"

	"github.com/kiro-gateway/gateway/internal/sharedproxy"
)

// AuthMethod is how a Credential authenticates against the upstream's OAuth
// surface.
type AuthMethod string

const (
	AuthSocial AuthMethod = "social"
	AuthIDC    AuthMethod = "idc"
)

// Credential is a single upstream identity usable to call the provider.
type Credential struct {
	ID int64 `json:"id"`

	AuthMethod   AuthMethod `json:"auth_method"`
	RefreshToken string     `json:"refresh_token"`
	ClientID     string     `json:"client_id,omitempty"`
	ClientSecret string     `json:"client_secret,omitempty"`

	Region     string `json:"region,omitempty"`
	AuthRegion string `json:"auth_region,omitempty"`
	APIRegion  string `json:"api_region,omitempty"`
	MachineID  string `json:"machine_id,omitempty"`
	Email      string `json:"email,omitempty"`

	Proxy *sharedproxy.Config `json:"proxy,omitempty"`

	AccessToken string `json:"access_token,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"` // unix millis
	ProfileARN  string `json:"profile_arn,omitempty"`

	// Mutable status
	Priority         uint32     `json:"priority"`
	Disabled         bool       `json:"disabled"`
	DisabledReason   string     `json:"disabled_reason,omitempty"`
	FailureCount     int        `json:"failure_count"`
	TotalFailures    int64      `json:"total_failure_count"`
	SuccessCount     int64      `json:"success_count"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	CooldownUntil    *time.Time `json:"cooldown_until,omitempty"`
}

// EffectiveAuthRegion returns AuthRegion, falling back to Region.
func (c *Credential) EffectiveAuthRegion() string {
	if c.AuthRegion != "" {
		return c.AuthRegion
	}
	return c.Region
}

// EffectiveAPIRegion returns APIRegion, falling back to Region.
func (c *Credential) EffectiveAPIRegion() string {
	if c.APIRegion != "" {
		return c.APIRegion
	}
	return c.Region
}

// Validate enforces the data-model invariants for a single credential that
// don't depend on the rest of the pool (uniqueness of id is checked by the
// Pool on insert).
func (c *Credential) Validate() error {
	if c.RefreshToken == "" {
		return &ValidationError{Field: "refresh_token", Reason: "required"}
	}
	if c.AuthMethod == AuthIDC {
		if c.ClientID == "" {
			return &ValidationError{Field: "client_id", Reason: "required when auth_method=idc"}
		}
		if c.ClientSecret == "" {
			return &ValidationError{Field: "client_secret", Reason: "required when auth_method=idc"}
		}
	}
	return nil
}

// ValidationError reports a single invalid field on a Credential.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "credential: " + e.Field + ": " + e.Reason
}

// IsExpiring reports whether the access token is absent or will expire
// within margin of now.
func (c *Credential) IsExpiring(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" || c.ExpiresAt == 0 {
		return true
	}
	return now.Add(margin).UnixMilli() >= c.ExpiresAt
}

// InCooldown reports whether the credential is still serving a temporary
// cooldown imposed by a prior failure classification.
func (c *Credential) InCooldown(now time.Time) bool {
	return c.CooldownUntil != nil && now.Before(*c.CooldownUntil)
}
