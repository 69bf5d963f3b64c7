package types

import (
	"time"

	"github.com/google/uuid"
)

// Namespaces scoping deterministic record-derived IDs.
var (
	quarantineNamespace = uuid.MustParse("8c1f6f0e-4a4e-4d51-9a43-0b0f4e9a7a61")
	emissionNamespace   = uuid.MustParse("3d0b8f52-77c1-4e0c-b6a5-2f9e1c4d8a10")
)

// NewRuleID generates a UUIDv7 rule identifier.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewRuleID() RuleID {
	return RuleID(uuid.Must(uuid.NewV7()).String())
}

// ParseRuleID validates and converts a string to RuleID.
// Rejects malformed UUIDs to prevent invalid IDs from entering the system.
func ParseRuleID(s string) (RuleID, error) {
	_, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return RuleID(s), nil
}

// RuleIDTime extracts the timestamp embedded in a UUIDv7 rule ID.
// Returns zero time for IDs that are not UUIDv7; caller should check IsZero().
func RuleIDTime(id RuleID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil || u.Version() != 7 {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}

// QuarantineEntryID derives a UUIDv5 from the record position.
// Replays of the same source offset map onto the same entry.
func QuarantineEntryID(r Record) string {
	return uuid.NewSHA1(quarantineNamespace, []byte(r.DedupeKey())).String()
}

// EmissionID derives a UUIDv5 message id for a record emitted downstream.
// Brokers and sinks that dedupe by message id collapse replays onto it.
func EmissionID(r Record) string {
	return uuid.NewSHA1(emissionNamespace, []byte(r.DedupeKey())).String()
}
