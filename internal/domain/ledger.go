package domain

import "time"

// TransactionLogs is the subset of a confirmed ledger transaction that the
// indexer consumes.
type TransactionLogs struct {
	Signature   string
	Slot        uint64
	BlockTime   Optional[time.Time]
	Failed      bool
	Logs        []string
	AccountKeys []string
}

// AccountData is a raw ledger account.
type AccountData struct {
	Address  string
	Owner    string
	Lamports uint64
	Data     []byte
}

// LogNotification is one transaction's log output pushed by a subscription.
type LogNotification struct {
	Signature string
	Slot      uint64
	Failed    bool
	Logs      []string
}
