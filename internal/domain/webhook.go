package domain

import "time"

// WebhookEvent records that a provider callback body has been processed. It exists only
// so retried deliveries are acknowledged without being applied twice.
type WebhookEvent struct {
	ID                string     `json:"id"`
	Provider          string     `json:"provider"`
	Signature         string     `json:"signature"`
	RawPayloadHash    string     `json:"raw_payload_hash"`
	ProviderReference string     `json:"provider_reference,omitempty"`
	ReceivedAt        time.Time  `json:"received_at"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
}
