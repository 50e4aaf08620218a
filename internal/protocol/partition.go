package protocol

import "fmt"

// PartitionPublic is the ordering partition of the shared public channel.
const PartitionPublic = "public"

// PartitionDM returns the ordering partition for a private conversation:
// the unordered participant pair, canonicalized low-id first so both sides
// derive the same key.
func PartitionDM(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%d:%d", a, b)
}

// Partition returns the ordering partition a message belongs to.
func (m Message) Partition() string {
	if m.Scope == ScopePrivate {
		return PartitionDM(m.SenderID, m.RecipientID)
	}
	return PartitionPublic
}
