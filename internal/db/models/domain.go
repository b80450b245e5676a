// Package models - domain.go defines AllowedDomain, an origin a site has
// proven ownership of and may use for API CORS or embedding.
package models

import "time"

// AllowedDomain must be verified before it is used for any origin decision.
// A nil ModuleID applies the domain to every module on the site.
type AllowedDomain struct {
	ID                string     `json:"id"`
	SiteID            string     `json:"site_id"`
	ModuleID          *string    `json:"module_id,omitempty"`
	Domain            string     `json:"domain"`
	Verified          bool       `json:"verified"`
	VerificationToken string     `json:"verification_token"`
	VerifiedAt        *time.Time `json:"verified_at,omitempty"`
	AllowEmbed        bool       `json:"allow_embed"`
	AllowAPI          bool       `json:"allow_api"`
	EmbedTypes        []string   `json:"embed_types"`
	RateLimit         *int       `json:"rate_limit,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}
