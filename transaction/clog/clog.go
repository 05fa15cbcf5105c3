/*
clog bitmap

The state of each transaction is represented with 2 bits, so a clog page is
just an array of 2-bit entries. The location of a transaction (page, byte
offset within page, bit offset within byte) is calculated from the
transaction id.
see https://github.com/postgres/postgres/blob/75f49221c22286104f032827359783aa5f4e6646/src/backend/access/transam/clog.c#L3
*/
package clog

import (
	"github.com/HayatoShiba/pptxn/transaction/txid"
)

// State is the state of each transaction
// this is represented with 2 bits
// see https://github.com/postgres/postgres/blob/27b77ecf9f4d5be211900eda54d8155ada50d696/src/include/access/clog.h#L25-L30
type State byte

const (
	// 0 indicates the transaction is in progress, so a freshly zeroed page
	// treats every transaction as in-progress.
	StateInProgress State = 0x00
	StateCommitted  State = 0x01
	StateAborted    State = 0x02
)

const (
	pageSize = 4096
	// 2 bits per transaction
	clogBits = 2
	// number of clog entries per byte
	clogNumPerByte = 4
	// number of clog entries per page
	clogNumPerPage = pageSize * clogNumPerByte
)

type pageID uint64

// getPageIDFromTxID returns the page holding the transaction's entry
func getPageIDFromTxID(txID txid.TxID) pageID {
	return pageID(uint64(txID) / clogNumPerPage)
}

// getByteOffsetFromTxID returns byte offset within page calculated from transaction id
func getByteOffsetFromTxID(txID txid.TxID) int {
	clogNumInPage := int(uint64(txID) % clogNumPerPage)
	return clogNumInPage / clogNumPerByte
}

// getBitOffsetFromTxID returns bit offset within byte calculated from transaction id
// this offset can be 0/2/4/6
func getBitOffsetFromTxID(txID txid.TxID) int {
	clogNumInByte := int(uint64(txID) % clogNumPerByte)
	return clogNumInByte * clogBits
}

// getState extracts the transaction's state from the byte holding it
func getState(data byte, txID txid.TxID) State {
	bitOffset := getBitOffsetFromTxID(txID)
	// shift the bits we want to the lowest position
	st := data >> (6 - bitOffset)
	// then mask to keep the lowest 2 bits
	mask := byte((1 << clogBits) - 1)
	return State(st & mask)
}

// getUpdatedState updates data with the new state and returns it
func getUpdatedState(data byte, txID txid.TxID, st State) byte {
	bitOffset := getBitOffsetFromTxID(txID)
	// clear the 2 bits we want to update, other bits unchanged
	mask := byte(0x03 << (6 - bitOffset))
	data = data & ^mask
	return data | (byte(st) << (6 - bitOffset))
}
