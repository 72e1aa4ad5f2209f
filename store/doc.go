// Package store provides the single-table DynamoDB data layer for a
// denormalized entity-relationship engine.
//
// Entities, their relationships (mutuals) and derived tag listings all
// live in one table. Reads are served by purpose-shaped copies: a listing
// copy per entity type, pointer rows for unique fields and emails, an
// adjacency row on each side of every relationship, and tag rows ordered
// by a caller-chosen sort value. Copies carry replication pointers (R1PK,
// R2PK) back to their canonical row; the stream handler uses them to
// converge copies after canonical writes.
//
// # Consistency model
//
// Writes that guard an invariant are transactional: creating an entity
// claims its unique-field pointers in the same transaction, and every
// mutual write rewrites its three copies together. Everything else is
// eventually consistent and ordered by timestamps. Timestamps render with
// fixed millisecond precision so DynamoDB's lexicographic string
// comparison doubles as a chronological one, which makes "only apply if
// newer" expressible as a condition expression.
//
// Mutual removal tombstones rows instead of deleting them. A live
// tombstone outranks a late, stale create; the TTL sweep removes the rows
// once the race window has passed.
//
// # Errors
//
// Failures carry an [ErrorCode]. The request layer maps codes to
// transport responses; processors use [IsCode] and [IsExpectedRace] to
// decide between dropping, retrying and failing a batch.
package store
