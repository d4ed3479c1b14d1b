package models

import "time"

// BlockRecord is a time-boxed deny-list entry for one identifier. At most one
// active record exists per identifier; repeat violations extend the existing
// record instead of creating a duplicate.
type BlockRecord struct {
	Bucket              int        `json:"-" db:"bucket"`
	IdentifierHash      string     `json:"identifier_hash" db:"identifier_hash"`
	IdentifierEncrypted string     `json:"-" db:"identifier_encrypted"`
	EncryptedDEK        string     `json:"-" db:"encrypted_dek"`
	KeyID               string     `json:"-" db:"key_id"`
	Reason              string     `json:"reason" db:"reason"`
	Attempts            int        `json:"attempts" db:"attempts"`
	IsActive            bool       `json:"is_active" db:"is_active"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt           time.Time  `json:"expires_at" db:"expires_at"`
	UnblockedBy         string     `json:"unblocked_by,omitempty" db:"unblocked_by"`
	UnblockedAt         *time.Time `json:"unblocked_at,omitempty" db:"unblocked_at"`
}

// Expired reports whether the block has passed its expiry at the given time.
func (b *BlockRecord) Expired(now time.Time) bool {
	return !now.Before(b.ExpiresAt)
}
