package storage

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/internal/ledger"
)

const testAddr = "0x52908400098527886e0f7030069857d2e4169ee7"

func setupTestStorage(t *testing.T) (*Storage, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "chaincoord-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create storage: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return store, cleanup
}

func TestNew(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	if _, err := os.Stat(store.Path()); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if filepath.Base(store.Path()) != "chaincoord.db" {
		t.Errorf("database file = %s, want chaincoord.db", filepath.Base(store.Path()))
	}
	if store.DB() == nil {
		t.Error("DB() returned nil")
	}
}

func TestNewReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := New(&Config{DataDir: dir, FileName: "reopen.db"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, err := chain.NewTrackedAccount(chain.Ethereum, testAddr)
	if err != nil {
		t.Fatalf("NewTrackedAccount: %v", err)
	}
	if err := store.AddAccountToTrack(ctx, a); err != nil {
		t.Fatalf("AddAccountToTrack: %v", err)
	}
	store.Close()

	store, err = New(&Config{DataDir: dir, FileName: "reopen.db"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	accounts, err := store.GetAccountsToTrack(ctx)
	if err != nil {
		t.Fatalf("GetAccountsToTrack: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Key() != a.Key() {
		t.Errorf("accounts after reopen = %v, want [%s]", accounts, a.Key())
	}
}

func TestStorageSchema(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	for _, table := range []string{"tracked_accounts", "blocks", "transactions", "asset_transfer_lookups", "retrieval_queue"} {
		var name string
		err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("%s table not found: %v", table, err)
		}
	}
}

func TestTrackedAccounts(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	eth := chain.TrackedAccount{Address: testAddr, Network: chain.Ethereum}
	poly := chain.TrackedAccount{Address: testAddr, Network: chain.Polygon}

	for _, a := range []chain.TrackedAccount{eth, poly, eth} {
		if err := store.AddAccountToTrack(ctx, a); err != nil {
			t.Fatalf("AddAccountToTrack() error = %v", err)
		}
	}

	accounts, err := store.GetAccountsToTrack(ctx)
	if err != nil {
		t.Fatalf("GetAccountsToTrack() error = %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("got %d accounts, want 2", len(accounts))
	}
	if !accounts[0].Network.Equal(chain.Ethereum) || accounts[0].Network.Asset.Symbol != "ETH" {
		t.Errorf("network not restored: %+v", accounts[0].Network)
	}

	if err := store.RemoveAccountToTrack(ctx, poly); err != nil {
		t.Fatalf("RemoveAccountToTrack() error = %v", err)
	}
	accounts, _ = store.GetAccountsToTrack(ctx)
	if len(accounts) != 1 {
		t.Errorf("got %d accounts after remove, want 1", len(accounts))
	}
}

func TestAssetTransferLookups(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()
	acct := chain.TrackedAccount{Address: testAddr, Network: chain.Ethereum}

	if _, ok, err := store.NewestLookup(ctx, acct); err != nil || ok {
		t.Fatalf("NewestLookup() on empty = ok %v, err %v", ok, err)
	}

	if err := store.RecordAssetTransferLookup(ctx, acct, 1000, 1100); err != nil {
		t.Fatalf("RecordAssetTransferLookup() error = %v", err)
	}
	if err := store.RecordAssetTransferLookup(ctx, acct, 1101, 1200); err != nil {
		t.Fatalf("RecordAssetTransferLookup() error = %v", err)
	}
	if err := store.RecordAssetTransferLookup(ctx, acct, 950, 990); err != nil {
		t.Fatalf("RecordAssetTransferLookup() error = %v", err)
	}

	oldest, ok, err := store.OldestLookup(ctx, acct)
	if err != nil || !ok || oldest != 950 {
		t.Errorf("OldestLookup() = %d, %v, %v; want 950", oldest, ok, err)
	}
	newest, ok, err := store.NewestLookup(ctx, acct)
	if err != nil || !ok || newest != 1200 {
		t.Errorf("NewestLookup() = %d, %v, %v; want 1200", newest, ok, err)
	}
}

func TestBlockMerge(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := store.GetBlock(ctx, chain.CosmosHub, 5); err != ledger.ErrNotFound {
		t.Fatalf("GetBlock() on empty error = %v, want ErrNotFound", err)
	}

	ts := time.Unix(1700000000, 0).UTC()
	if err := store.AddBlock(ctx, &ledger.Block{Network: chain.CosmosHub, Height: 5, Hash: "ABC"}); err != nil {
		t.Fatalf("AddBlock() error = %v", err)
	}
	if err := store.AddBlock(ctx, &ledger.Block{Network: chain.CosmosHub, Height: 5, Timestamp: ts}); err != nil {
		t.Fatalf("AddBlock() error = %v", err)
	}

	b, err := store.GetBlock(ctx, chain.CosmosHub, 5)
	if err != nil {
		t.Fatalf("GetBlock() error = %v", err)
	}
	if b.Hash != "ABC" {
		t.Errorf("Hash = %s, want ABC", b.Hash)
	}
	if !b.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", b.Timestamp, ts)
	}
}

func TestTransactionMerge(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	pending := &ledger.Transaction{
		Network: chain.Ethereum,
		Hash:    "0xaa",
		From:    testAddr,
		Nonce:   ledger.Uint64(6),
		Value:   big.NewInt(1e18),
		Status:  ledger.TxStatusPending,
	}
	if _, err := store.AddOrUpdateTransaction(ctx, pending); err != nil {
		t.Fatalf("AddOrUpdateTransaction() error = %v", err)
	}

	confirmed := &ledger.Transaction{
		Network:     chain.Ethereum,
		Hash:        "0xaa",
		BlockHeight: ledger.Int64(100),
		GasUsed:     ledger.Uint64(21000),
		Status:      ledger.TxStatusConfirmed,
	}
	merged, err := store.AddOrUpdateTransaction(ctx, confirmed)
	if err != nil {
		t.Fatalf("AddOrUpdateTransaction() error = %v", err)
	}
	if merged.Status != ledger.TxStatusConfirmed {
		t.Errorf("Status = %s, want confirmed", merged.Status)
	}

	// A late expiry must not downgrade a confirmed transaction.
	if _, err := store.AddOrUpdateTransaction(ctx, &ledger.Transaction{Network: chain.Ethereum, Hash: "0xaa", Status: ledger.TxStatusExpired}); err != nil {
		t.Fatalf("AddOrUpdateTransaction() error = %v", err)
	}

	got, err := store.GetTransaction(ctx, chain.Ethereum, "0xaa")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if got.Status != ledger.TxStatusConfirmed {
		t.Errorf("Status = %s, want confirmed", got.Status)
	}
	if got.From != testAddr || got.Nonce == nil || *got.Nonce != 6 {
		t.Errorf("known fields dropped: %+v", got)
	}
	if got.Value.Cmp(big.NewInt(1e18)) != 0 {
		t.Errorf("Value = %s, want 1e18", got.Value)
	}
	if got.BlockHeight == nil || *got.BlockHeight != 100 {
		t.Errorf("BlockHeight = %v, want 100", got.BlockHeight)
	}
}

func TestRetrievalQueue(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()
	t0 := time.Unix(1700000000, 0)

	entries := []ledger.QueuedRetrieval{
		{Network: chain.Ethereum, Hash: "0x02", FirstSeenAt: t0.Add(time.Second)},
		{Network: chain.Ethereum, Hash: "0x01", FirstSeenAt: t0},
		{
			Network:      chain.CosmosHub,
			Hash:         "ABCD",
			FirstSeenAt:  t0.Add(2 * time.Second),
			TargetHeight: 77,
			Prefetched:   &ledger.Transaction{Network: chain.CosmosHub, Hash: "ABCD", BlockHeight: ledger.Int64(70)},
		},
		// Duplicate, ignored.
		{Network: chain.Ethereum, Hash: "0x01", FirstSeenAt: t0.Add(time.Hour)},
	}
	for _, e := range entries {
		if err := store.QueueTransactionRetrieval(ctx, e); err != nil {
			t.Fatalf("QueueTransactionRetrieval() error = %v", err)
		}
	}

	n, err := store.RetrievalQueueLen(ctx)
	if err != nil || n != 3 {
		t.Fatalf("RetrievalQueueLen() = %d, %v; want 3", n, err)
	}

	batch, err := store.DequeueTransactionRetrieval(ctx, 2)
	if err != nil {
		t.Fatalf("DequeueTransactionRetrieval() error = %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("got %d entries, want 2", len(batch))
	}
	if batch[0].Hash != "0x01" || !batch[0].FirstSeenAt.Equal(t0) {
		t.Errorf("first entry = %s at %v, want 0x01 at %v", batch[0].Hash, batch[0].FirstSeenAt, t0)
	}
	// CosmosHub takes its turn before Ethereum's second entry.
	e := batch[1]
	if !e.Network.Equal(chain.CosmosHub) || e.TargetHeight != 77 {
		t.Errorf("second entry = %+v, want the CosmosHub entry", e)
	}
	if e.Prefetched == nil || e.Prefetched.BlockHeight == nil || *e.Prefetched.BlockHeight != 70 {
		t.Errorf("prefetched data not restored: %+v", e.Prefetched)
	}

	rest, err := store.DequeueTransactionRetrieval(ctx, 20)
	if err != nil {
		t.Fatalf("DequeueTransactionRetrieval() error = %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("got %d entries, want 1", len(rest))
	}
	if rest[0].Hash != "0x02" || !rest[0].Network.Equal(chain.Ethereum) {
		t.Errorf("last entry = %s on %s, want 0x02 on Ethereum", rest[0].Hash, rest[0].Network.Key())
	}

	n, _ = store.RetrievalQueueLen(ctx)
	if n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}
