package ledger

import "time"

// MergeTransaction folds update into existing and returns the result.
// Fields set in update replace those in existing; unset fields keep the
// existing value. Status follows TxStatus.Supersedes. Neither argument is
// modified. Merging the same update twice yields the same result.
func MergeTransaction(existing, update *Transaction) *Transaction {
	if existing == nil {
		return update.Clone()
	}
	if update == nil {
		return existing.Clone()
	}
	out := existing.Clone()
	u := update.Clone()

	if u.From != "" {
		out.From = u.From
	}
	if u.To != "" {
		out.To = u.To
	}
	if u.Nonce != nil {
		out.Nonce = u.Nonce
	}
	if u.Value != nil {
		out.Value = u.Value
	}
	if u.GasLimit != nil {
		out.GasLimit = u.GasLimit
	}
	if u.GasPrice != nil {
		out.GasPrice = u.GasPrice
	}
	if u.GasUsed != nil {
		out.GasUsed = u.GasUsed
	}
	if u.Data != nil {
		out.Data = u.Data
	}
	if u.BlockHash != "" {
		out.BlockHash = u.BlockHash
	}
	if u.BlockHeight != nil {
		out.BlockHeight = u.BlockHeight
	}
	if !u.Timestamp.IsZero() {
		out.Timestamp = u.Timestamp
	}
	if len(u.MsgTypes) > 0 {
		out.MsgTypes = u.MsgTypes
	}
	if u.Memo != "" {
		out.Memo = u.Memo
	}
	if u.Error != "" {
		out.Error = u.Error
	}
	if out.Status.Supersedes(u.Status) {
		out.Status = u.Status
	}
	return out
}

// MergeBlock folds update into existing with the same rules as
// MergeTransaction.
func MergeBlock(existing, update *Block) *Block {
	if existing == nil {
		return cloneBlock(update)
	}
	if update == nil {
		return cloneBlock(existing)
	}
	out := cloneBlock(existing)
	if update.Hash != "" {
		out.Hash = update.Hash
	}
	if update.ParentHash != "" {
		out.ParentHash = update.ParentHash
	}
	if !update.Timestamp.IsZero() {
		out.Timestamp = update.Timestamp
	}
	if len(update.TxHashes) > 0 {
		out.TxHashes = append([]string(nil), update.TxHashes...)
	}
	if update.BaseFee != nil {
		out.BaseFee = cloneBig(update.BaseFee)
	}
	return out
}

func cloneBlock(b *Block) *Block {
	if b == nil {
		return nil
	}
	c := *b
	c.BaseFee = cloneBig(b.BaseFee)
	if b.TxHashes != nil {
		c.TxHashes = append([]string(nil), b.TxHashes...)
	}
	return &c
}

// PendingTransaction builds the cache entry for a freshly broadcast or
// freshly observed transaction.
func PendingTransaction(tx *Transaction, now time.Time) *Transaction {
	c := tx.Clone()
	c.Status = TxStatusPending
	if c.Timestamp.IsZero() {
		c.Timestamp = now
	}
	return c
}
