/*
Transaction id.
MVCC needs a timestamp per transaction and the transaction id is used as the
timestamp, the same way postgres does.

Unlike postgres, the id is unsigned 64 bits and strictly monotonic, so the
wraparound machinery (epoch / freeze / anti-wraparound vacuum) is unnecessary:
the id space cannot be exhausted in practice.
see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/access/transam.h#L60-L68
for how postgres works around its 32-bit ids.
*/
package txid

// TxID is transaction id
type TxID uint64

const (
	// invalid transaction id
	InvalidTxID TxID = 0
	// transaction id frozen by vacuum. this is treated as committed before
	// any snapshot, so versions stamped with it are visible to everyone.
	FrozenTxID TxID = 2
	// first transaction id allocated by the transaction id manager
	FirstTxID TxID = 3
)

// IsNormal checks whether the id was allocated by the manager
func (id TxID) IsNormal() bool {
	return id >= FirstTxID
}

// IsValid checks whether the id is valid
func (id TxID) IsValid() bool {
	return id != InvalidTxID
}

// IsFollows checks whether id comes after compared.
// ids are monotonic so this is plain comparison.
func (id TxID) IsFollows(compared TxID) bool {
	return id > compared
}
