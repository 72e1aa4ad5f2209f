// Package keys builds partition and sort keys for the single-table layout.
//
// Every record kind in the table derives its keys here so the scheme stays
// in one place. Canonical records live under their own partition with the
// #METADATA# sort key; denormalized copies reuse the canonical key material
// in different positions so they can be found again through the replication
// indexes.
package keys

import "fmt"

// MetadataSK marks a canonical record (entity or mutual).
const MetadataSK = "#METADATA#"

// LockSK marks an ephemeral fencing-lock record.
const LockSK = "#LOCK#"

// FullEntityID returns the type-qualified entity reference, e.g. "user#01H...".
func FullEntityID(entityType, entityID string) string {
	return entityType + "#" + entityID
}

// EntityPK is the canonical entity partition key.
func EntityPK(entityType, entityID string) string {
	return FullEntityID(entityType, entityID)
}

// EntityListPK keys the per-type listing copy.
func EntityListPK(entityType string) string {
	return "LIST#" + entityType
}

// EntityUniquePK keys a unique-field pointer row.
func EntityUniquePK(field, value string) string {
	return fmt.Sprintf("UNIQUE#%s#%s", field, value)
}

// EntityEmailPK keys the email-auth pointer row.
func EntityEmailPK(email string) string {
	return "EMAIL#" + email
}

// MutualPK is the canonical mutual partition key.
func MutualPK(mutualID string) string {
	return "MUTUAL#" + mutualID
}

// MutualLockPK keys the fencing lock serializing reconciliation for one
// (by-entity, related-type) pair.
func MutualLockPK(byEntityType, byEntityID, entityType string) string {
	return fmt.Sprintf("MUTUAL#%s#%s#%s", byEntityType, byEntityID, entityType)
}

// TagPK keys the forward tag partition for one (type, tagName, group).
// The group segment is omitted when empty.
func TagPK(entityType, tagName, group string) string {
	if group == "" {
		return fmt.Sprintf("TAG#%s#%s", entityType, tagName)
	}
	return fmt.Sprintf("TAG#%s#%s#%s", entityType, tagName, group)
}

// TagSK sorts tag rows by sortValue first so range queries work; the
// sortValue segment is omitted when empty.
func TagSK(sortValue, entityType, entityID string) string {
	if sortValue == "" {
		return FullEntityID(entityType, entityID)
	}
	return sortValue + "#" + FullEntityID(entityType, entityID)
}

// TagLockPK keys the lock serializing tag recomputation for one entity.
func TagLockPK(entityType, entityID string) string {
	return fmt.Sprintf("TAG#%s#%s", entityType, entityID)
}
