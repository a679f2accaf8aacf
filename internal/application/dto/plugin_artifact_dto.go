package dto

import "time"

// PluginArtifactDTO describes a resolved and verified plugin artifact for display.
type PluginArtifactDTO struct {
	Name      string    `json:"name,omitempty"`
	Location  string    `json:"location"`
	Digest    string    `json:"digest"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	FetchedAt time.Time `json:"fetched_at"`
	Trusted   bool      `json:"trusted"`
	Skipped   bool      `json:"verification_skipped,omitempty"`
	Signer    string    `json:"signer,omitempty"`
}
