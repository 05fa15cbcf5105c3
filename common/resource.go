/*
Resource identifiers name the things the lock manager arbitrates.

The caller (query layer) decides the granularity: a whole relation, a single
row within a relation, or any externally-assigned key. From the perspective of
this core the identifier is opaque. only equality matters.
postgres uses LOCKTAG for the same purpose
see https://github.com/postgres/postgres/blob/97c61f70d1b97bdfd20dcb1f2b1be42862ec88c2/src/include/storage/lock.h#L137
*/
package common

import "fmt"

// Key is the identifier of a logical row within a relation.
// the embedding database assigns it (primary key bytes, tid, ...). opaque here.
type Key []byte

// ResourceID identifies a lockable resource.
// built from relation oid and (optionally) row key, and used as a map key,
// so it is a plain comparable string.
type ResourceID string

// RelationResource returns the resource id for a whole relation
func RelationResource(rel Relation) ResourceID {
	return ResourceID(fmt.Sprintf("rel/%d", rel))
}

// RowResource returns the resource id for a single row
func RowResource(rel Relation, key Key) ResourceID {
	return ResourceID(fmt.Sprintf("row/%d/%s", rel, key))
}

// TxnResource returns the resource id standing for a transaction itself.
// every transaction holds it exclusively while running, so acquiring it
// shared is how another transaction waits for that one to finish, the same
// trick postgres plays with XactLockTableWait.
func TxnResource(id uint64) ResourceID {
	return ResourceID(fmt.Sprintf("txn/%d", id))
}
