package store

import "time"

// SessionRecord is one row in the sessions table.
//
// The session manager inserts the row when the TLS handshake completes and
// rewrites it on every state transition. EndedAt and EndReason are set
// exactly once, when the session leaves the active part of its lifecycle.
//
// PSK key material is never part of this record; only the identity string
// is persisted.
type SessionRecord struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	PSKIdentity string     `gorm:"index;not null;size:128" json:"psk_identity"`
	PeerAddr    string     `gorm:"size:64" json:"peer_addr"`
	CipherSuite string     `gorm:"size:64" json:"cipher_suite,omitempty"`
	State       string     `gorm:"not null;size:16" json:"state"`
	CreatedAt   time.Time  `gorm:"index;not null" json:"created_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	EndReason   string     `gorm:"size:64" json:"end_reason,omitempty"`
	Sent        int        `json:"sent"`
	Received    int        `json:"received"`
}

// TableName returns the table name for SessionRecord.
func (SessionRecord) TableName() string {
	return "sessions"
}

// Ended reports whether the session row is final.
func (r *SessionRecord) Ended() bool {
	return r.EndedAt != nil
}

// APDURecord is one row in the apdus table: a single command or response
// crossing the admin channel. Seq is the session-local exchange counter,
// T the send or receive instant, and SW the status word of a response
// ("9000" style, empty for sent commands). DurationUS holds the
// command-to-response roundtrip for received rows.
type APDURecord struct {
	SessionID  string    `gorm:"primaryKey;size:36" json:"session_id"`
	Seq        int       `gorm:"primaryKey;autoIncrement:false" json:"seq"`
	Direction  string    `gorm:"not null;size:8" json:"direction"`
	Hex        string    `gorm:"not null" json:"hex"`
	SW         string    `gorm:"size:4" json:"sw,omitempty"`
	T          time.Time `gorm:"not null" json:"t"`
	DurationUS int64     `json:"duration_us,omitempty"`
}

// TableName returns the table name for APDURecord.
func (APDURecord) TableName() string {
	return "apdus"
}

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&SessionRecord{},
		&APDURecord{},
	}
}
