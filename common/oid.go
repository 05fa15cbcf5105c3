package common

// oid is object id
// in pptxn, this is expected to be used as table identifier
// see https://github.com/postgres/postgres/blob/2f47715cc8649f854b1df28dfc338af9801db217/src/include/postgres_ext.h#L28-L31
type oid uint32

// Relation is table oid
// table information is expected to live in the system catalog of the embedding
// database (pg_class in postgres). the catalog itself is out of scope here:
// this core only receives the oid with each resource-access request.
type Relation oid

// InvalidRelation is never allocated to a table
const InvalidRelation Relation = 0
