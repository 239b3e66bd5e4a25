package domain

// PresenceEntry records whether a participant currently holds an open
// connection. Presence is process-local and never persisted.
type PresenceEntry struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Connected     bool   `json:"connected"`
	SessionID     string `json:"sessionId,omitempty"`
}
