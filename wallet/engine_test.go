package wallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nutjar/nutjar/apperr"
	"github.com/nutjar/nutjar/cashu"
	"github.com/nutjar/nutjar/cashu/nuts/nut04"
	"github.com/nutjar/nutjar/cashu/nuts/nut05"
	"github.com/nutjar/nutjar/cashu/nuts/nut07"
	"github.com/nutjar/nutjar/mint"
	"github.com/nutjar/nutjar/wallet/storage"
)

type fakeStore struct {
	mu           sync.Mutex
	wallets      map[int64]*storage.Wallet
	proofs       map[string]*storage.Proof
	nextWalletId int64
	nextProofId  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		wallets: make(map[int64]*storage.Wallet),
		proofs:  make(map[string]*storage.Proof),
	}
}

func (f *fakeStore) CreateWallet(_ context.Context, params storage.CreateWalletParams) (*storage.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextWalletId++
	wallet := &storage.Wallet{
		Id:         f.nextWalletId,
		AccessKey:  params.AccessKey,
		Name:       params.Name,
		Mint:       params.Mint,
		Unit:       params.Unit,
		MaxBalance: params.MaxBalance,
		MaxSend:    params.MaxSend,
		MaxPay:     params.MaxPay,
		CreatedAt:  time.Now(),
	}
	f.wallets[wallet.Id] = wallet
	return wallet, nil
}

func (f *fakeStore) GetWalletByAccessKey(_ context.Context, accessKey string) (*storage.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, wallet := range f.wallets {
		if wallet.AccessKey == accessKey {
			return wallet, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) DeleteWallet(_ context.Context, walletId int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.wallets, walletId)
	return nil
}

func (f *fakeStore) DeleteProofsByWallet(_ context.Context, walletId int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for secret, proof := range f.proofs {
		if proof.WalletId == walletId {
			delete(f.proofs, secret)
		}
	}
	return nil
}

func (f *fakeStore) SumProofs(_ context.Context, walletId int64, status storage.ProofStatus) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum uint64
	for _, proof := range f.proofs {
		if proof.WalletId == walletId && proof.Status == status {
			sum += proof.Amount
		}
	}
	return sum, nil
}

func (f *fakeStore) GetProofs(_ context.Context, walletId int64, status storage.ProofStatus) ([]storage.Proof, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	proofs := []storage.Proof{}
	for _, proof := range f.proofs {
		if proof.WalletId == walletId && proof.Status == status {
			proofs = append(proofs, *proof)
		}
	}
	return proofs, nil
}

func (f *fakeStore) SaveProofs(_ context.Context, walletId int64, proofs cashu.Proofs, status storage.ProofStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insert(walletId, proofs, status)
}

func (f *fakeStore) insert(walletId int64, proofs cashu.Proofs, status storage.ProofStatus) error {
	for _, proof := range proofs {
		if _, exists := f.proofs[proof.Secret]; exists {
			return fmt.Errorf("duplicate secret '%s'", proof.Secret)
		}
		f.nextProofId++
		f.proofs[proof.Secret] = &storage.Proof{
			Id:       f.nextProofId,
			WalletId: walletId,
			ProofId:  proof.Id,
			Amount:   proof.Amount,
			Secret:   proof.Secret,
			C:        proof.C,
			Status:   status,
		}
	}
	return nil
}

func (f *fakeStore) UpdateProofsStatus(_ context.Context, walletId int64, secrets []string, status storage.ProofStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.update(walletId, secrets, status)
	return nil
}

func (f *fakeStore) update(walletId int64, secrets []string, status storage.ProofStatus) {
	for _, secret := range secrets {
		if proof, ok := f.proofs[secret]; ok && proof.WalletId == walletId {
			proof.Status = status
		}
	}
}

func (f *fakeStore) ApplyProofUpdate(_ context.Context, walletId int64, update storage.ProofUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.update(walletId, update.MarkSpent, storage.Spent)
	if err := f.insert(walletId, update.InsertUnspent, storage.Unspent); err != nil {
		return err
	}
	if err := f.insert(walletId, update.InsertPending, storage.Pending); err != nil {
		return err
	}
	f.update(walletId, update.MarkPending, storage.Pending)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) status(t *testing.T, secret string) storage.ProofStatus {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	proof, ok := f.proofs[secret]
	if !ok {
		t.Fatalf("proof with secret '%s' not in store", secret)
	}
	return proof.Status
}

var errNotImplemented = errors.New("not implemented")

type mockMint struct {
	swapFn           func(amount uint64, inputs cashu.Proofs, includeFees bool, options *mint.OutputOptions) (cashu.Proofs, cashu.Proofs, error)
	receiveFn        func(token cashu.Token) (cashu.Proofs, error)
	mintQuoteFn      func(amount uint64) (*nut04.PostMintQuoteBolt11Response, error)
	checkMintQuoteFn func(quoteId string) (*nut04.PostMintQuoteBolt11Response, error)
	mintProofsFn     func(amount uint64, quoteId string) (cashu.Proofs, error)
	meltQuoteFn      func(request string) (*nut05.PostMeltQuoteBolt11Response, error)
	checkMeltQuoteFn func(quoteId string) (*nut05.PostMeltQuoteBolt11Response, error)
	meltFn           func(quote *nut05.PostMeltQuoteBolt11Response, inputs cashu.Proofs) (*nut05.PostMeltQuoteBolt11Response, cashu.Proofs, error)
	checkStatesFn    func(proofs cashu.Proofs) ([]nut07.ProofState, error)
}

func (m *mockMint) MintURL() string { return "http://mint.test" }

func (m *mockMint) CreateMintQuote(_ context.Context, amount uint64) (*nut04.PostMintQuoteBolt11Response, error) {
	if m.mintQuoteFn == nil {
		return nil, errNotImplemented
	}
	return m.mintQuoteFn(amount)
}

func (m *mockMint) CheckMintQuote(_ context.Context, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	if m.checkMintQuoteFn == nil {
		return nil, errNotImplemented
	}
	return m.checkMintQuoteFn(quoteId)
}

func (m *mockMint) MintProofs(_ context.Context, amount uint64, quoteId string) (cashu.Proofs, error) {
	if m.mintProofsFn == nil {
		return nil, errNotImplemented
	}
	return m.mintProofsFn(amount, quoteId)
}

func (m *mockMint) Swap(_ context.Context, amount uint64, inputs cashu.Proofs, includeFees bool, options *mint.OutputOptions) (cashu.Proofs, cashu.Proofs, error) {
	if m.swapFn == nil {
		return nil, nil, errNotImplemented
	}
	return m.swapFn(amount, inputs, includeFees, options)
}

func (m *mockMint) Receive(_ context.Context, token cashu.Token) (cashu.Proofs, error) {
	if m.receiveFn == nil {
		return nil, errNotImplemented
	}
	return m.receiveFn(token)
}

func (m *mockMint) CreateMeltQuote(_ context.Context, request string) (*nut05.PostMeltQuoteBolt11Response, error) {
	if m.meltQuoteFn == nil {
		return nil, errNotImplemented
	}
	return m.meltQuoteFn(request)
}

func (m *mockMint) CheckMeltQuote(_ context.Context, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	if m.checkMeltQuoteFn == nil {
		return nil, errNotImplemented
	}
	return m.checkMeltQuoteFn(quoteId)
}

func (m *mockMint) MeltProofs(_ context.Context, quote *nut05.PostMeltQuoteBolt11Response, inputs cashu.Proofs) (*nut05.PostMeltQuoteBolt11Response, cashu.Proofs, error) {
	if m.meltFn == nil {
		return nil, nil, errNotImplemented
	}
	return m.meltFn(quote, inputs)
}

func (m *mockMint) CheckProofStates(_ context.Context, proofs cashu.Proofs) ([]nut07.ProofState, error) {
	if m.checkStatesFn == nil {
		return nil, errNotImplemented
	}
	return m.checkStatesFn(proofs)
}

func testLimits() Limits {
	return Limits{MaxBalance: 100000, MaxSend: 50000, MaxPay: 50000}
}

func newTestEngine(store storage.WalletDB, mintClient MintClient) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(store, mintClient, cashu.Sat, testLimits(), logger)
}

func testWallet(t *testing.T, store *fakeStore) *storage.Wallet {
	t.Helper()
	wallet, err := store.CreateWallet(context.Background(), storage.CreateWalletParams{
		AccessKey: "testkey",
		Mint:      "http://mint.test",
		Unit:      "sat",
	})
	if err != nil {
		t.Fatalf("creating test wallet: %v", err)
	}
	return wallet
}

func testProof(secret string, amount uint64) cashu.Proof {
	return cashu.Proof{
		Amount: amount,
		Id:     "00ffd48b8f5ecf80",
		Secret: secret,
		C:      "02" + secret,
	}
}

func assertAppErr(t *testing.T, err error, kind apperr.Kind, status int) {
	t.Helper()
	var appErr *apperr.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Kind != kind {
		t.Errorf("expected kind %v, got %v", kind, appErr.Kind)
	}
	if appErr.StatusCode != status {
		t.Errorf("expected status %v, got %v", status, appErr.StatusCode)
	}
}

func TestSendProofs(t *testing.T) {
	store := newFakeStore()
	mock := &mockMint{}
	engine := newTestEngine(store, mock)
	w := testWallet(t, store)

	if err := store.SaveProofs(context.Background(), w.Id, cashu.Proofs{testProof("s1", 200)}, storage.Unspent); err != nil {
		t.Fatal(err)
	}

	mock.swapFn = func(amount uint64, inputs cashu.Proofs, includeFees bool, options *mint.OutputOptions) (cashu.Proofs, cashu.Proofs, error) {
		if amount != 100 {
			t.Errorf("expected swap amount 100, got %v", amount)
		}
		if !includeFees {
			t.Error("expected includeFees for send")
		}
		if options != nil {
			t.Errorf("expected no output options, got %+v", options)
		}
		return cashu.Proofs{testProof("k1", 100)}, cashu.Proofs{testProof("send1", 100)}, nil
	}

	_, send, err := engine.SendProofs(context.Background(), w, 100, "sat", "")
	if err != nil {
		t.Fatalf("SendProofs: %v", err)
	}
	if send.Amount() < 100 {
		t.Errorf("send bundle sums to %v, expected at least 100", send.Amount())
	}

	if got := store.status(t, "s1"); got != storage.Spent {
		t.Errorf("expected s1 SPENT, got %v", got)
	}
	if got := store.status(t, "k1"); got != storage.Unspent {
		t.Errorf("expected k1 UNSPENT, got %v", got)
	}
	if got := store.status(t, "send1"); got != storage.Pending {
		t.Errorf("expected send1 PENDING, got %v", got)
	}

	balance, pending, err := engine.Balance(context.Background(), w.Id)
	if err != nil {
		t.Fatal(err)
	}
	if balance != 100 || pending != 100 {
		t.Errorf("expected balance 100 and pending 100, got %v and %v", balance, pending)
	}
}

func TestSendProofsP2PK(t *testing.T) {
	store := newFakeStore()
	mock := &mockMint{}
	engine := newTestEngine(store, mock)
	w := testWallet(t, store)

	if err := store.SaveProofs(context.Background(), w.Id, cashu.Proofs{testProof("s1", 200)}, storage.Unspent); err != nil {
		t.Fatal(err)
	}

	xOnly := "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
	var gotOptions *mint.OutputOptions
	mock.swapFn = func(amount uint64, inputs cashu.Proofs, includeFees bool, options *mint.OutputOptions) (cashu.Proofs, cashu.Proofs, error) {
		gotOptions = options
		return cashu.Proofs{testProof("k1", 100)}, cashu.Proofs{testProof("send1", 100)}, nil
	}

	if _, _, err := engine.SendProofs(context.Background(), w, 100, "sat", xOnly); err != nil {
		t.Fatalf("SendProofs: %v", err)
	}
	if gotOptions == nil || gotOptions.P2PKPubkey != "02"+xOnly {
		t.Errorf("expected swap locked to 02%s, got %+v", xOnly, gotOptions)
	}
}

func TestSendProofsInsufficientBalance(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, &mockMint{})
	w := testWallet(t, store)

	if err := store.SaveProofs(context.Background(), w.Id, cashu.Proofs{testProof("s1", 50)}, storage.Unspent); err != nil {
		t.Fatal(err)
	}

	_, _, err := engine.SendProofs(context.Background(), w, 100, "sat", "")
	assertAppErr(t, err, apperr.Validation, 400)
}

func TestSendProofsExceedsMaxSend(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, &mockMint{})
	w := testWallet(t, store)

	_, _, err := engine.SendProofs(context.Background(), w, 60000, "sat", "")
	assertAppErr(t, err, apperr.Limit, 400)
}

func TestSendProofsUnitMismatch(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, &mockMint{})
	w := testWallet(t, store)

	_, _, err := engine.SendProofs(context.Background(), w, 100, "msat", "")
	assertAppErr(t, err, apperr.Validation, 400)
}

func TestSendProofsReappearedInput(t *testing.T) {
	store := newFakeStore()
	mock := &mockMint{}
	engine := newTestEngine(store, mock)
	w := testWallet(t, store)

	input := testProof("s1", 100)
	if err := store.SaveProofs(context.Background(), w.Id, cashu.Proofs{input}, storage.Unspent); err != nil {
		t.Fatal(err)
	}

	// the mint hands the input back verbatim as the send piece; the
	// engine must flip the existing row, not insert it twice
	mock.swapFn = func(amount uint64, inputs cashu.Proofs, includeFees bool, options *mint.OutputOptions) (cashu.Proofs, cashu.Proofs, error) {
		return nil, cashu.Proofs{input}, nil
	}

	_, send, err := engine.SendProofs(context.Background(), w, 100, "sat", "")
	if err != nil {
		t.Fatalf("SendProofs: %v", err)
	}
	if len(send) != 1 || send[0].Secret != "s1" {
		t.Fatalf("expected input returned as send bundle, got %+v", send)
	}
	if got := store.status(t, "s1"); got != storage.Pending {
		t.Errorf("expected s1 PENDING, got %v", got)
	}

	store.mu.Lock()
	rows := len(store.proofs)
	store.mu.Unlock()
	if rows != 1 {
		t.Errorf("expected a single proof row, got %v", rows)
	}
}

func meltQuoteFixture() *nut05.PostMeltQuoteBolt11Response {
	return &nut05.PostMeltQuoteBolt11Response{
		Quote:      "mq1",
		Amount:     500,
		FeeReserve: 10,
		State:      nut05.Unpaid,
	}
}

func meltSetup(t *testing.T, store *fakeStore, mock *mockMint) *storage.Wallet {
	t.Helper()
	w := testWallet(t, store)
	if err := store.SaveProofs(context.Background(), w.Id, cashu.Proofs{testProof("s1", 1000)}, storage.Unspent); err != nil {
		t.Fatal(err)
	}
	mock.swapFn = func(amount uint64, inputs cashu.Proofs, includeFees bool, options *mint.OutputOptions) (cashu.Proofs, cashu.Proofs, error) {
		if amount != 510 {
			t.Errorf("expected swap amount 510, got %v", amount)
		}
		if includeFees {
			t.Error("melt reservation must not include receiver fees")
		}
		return cashu.Proofs{testProof("k1", 490)}, cashu.Proofs{testProof("send1", 510)}, nil
	}
	return w
}

func TestMeltProofsPaid(t *testing.T) {
	store := newFakeStore()
	mock := &mockMint{}
	engine := newTestEngine(store, mock)
	w := meltSetup(t, store, mock)

	mock.meltFn = func(quote *nut05.PostMeltQuoteBolt11Response, inputs cashu.Proofs) (*nut05.PostMeltQuoteBolt11Response, cashu.Proofs, error) {
		if len(inputs) != 1 || inputs[0].Secret != "send1" {
			t.Errorf("expected melt inputs [send1], got %+v", inputs)
		}
		response := meltQuoteFixture()
		response.State = nut05.Paid
		response.Preimage = "pi"
		return response, cashu.Proofs{testProof("ch1", 5)}, nil
	}

	result, change, err := engine.MeltProofs(context.Background(), w, meltQuoteFixture())
	if err != nil {
		t.Fatalf("MeltProofs: %v", err)
	}
	if result.State != nut05.Paid || result.Preimage != "pi" {
		t.Errorf("unexpected melt result %+v", result)
	}
	if change.Amount() != 5 {
		t.Errorf("expected change of 5, got %v", change.Amount())
	}

	for secret, want := range map[string]storage.ProofStatus{
		"s1":    storage.Spent,
		"k1":    storage.Unspent,
		"send1": storage.Spent,
		"ch1":   storage.Unspent,
	} {
		if got := store.status(t, secret); got != want {
			t.Errorf("expected %s %v, got %v", secret, want, got)
		}
	}
}

func TestMeltProofsPendingQuote(t *testing.T) {
	store := newFakeStore()
	mock := &mockMint{}
	engine := newTestEngine(store, mock)
	w := meltSetup(t, store, mock)

	mock.meltFn = func(quote *nut05.PostMeltQuoteBolt11Response, inputs cashu.Proofs) (*nut05.PostMeltQuoteBolt11Response, cashu.Proofs, error) {
		return nil, nil, errors.New("connection reset")
	}
	mock.checkMeltQuoteFn = func(quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
		response := meltQuoteFixture()
		response.State = nut05.Pending
		return response, nil
	}

	_, _, err := engine.MeltProofs(context.Background(), w, meltQuoteFixture())
	assertAppErr(t, err, apperr.Timeout, 202)

	if got := store.status(t, "send1"); got != storage.Pending {
		t.Errorf("expected send1 to remain PENDING, got %v", got)
	}
}

func TestMeltProofsProofsAlreadySpent(t *testing.T) {
	store := newFakeStore()
	mock := &mockMint{}
	engine := newTestEngine(store, mock)
	w := meltSetup(t, store, mock)

	mock.meltFn = func(quote *nut05.PostMeltQuoteBolt11Response, inputs cashu.Proofs) (*nut05.PostMeltQuoteBolt11Response, cashu.Proofs, error) {
		return nil, nil, cashu.Error{Detail: "proofs already used", Code: cashu.ProofAlreadyUsedErrCode}
	}
	mock.checkMeltQuoteFn = func(quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
		return meltQuoteFixture(), nil
	}
	mock.checkStatesFn = func(proofs cashu.Proofs) ([]nut07.ProofState, error) {
		states := make([]nut07.ProofState, len(proofs))
		for i := range proofs {
			states[i] = nut07.ProofState{State: nut07.Spent}
		}
		return states, nil
	}

	_, _, err := engine.MeltProofs(context.Background(), w, meltQuoteFixture())
	assertAppErr(t, err, apperr.Connection, 500)

	if got := store.status(t, "send1"); got != storage.Spent {
		t.Errorf("expected send1 SPENT after reconciliation, got %v", got)
	}
}

func TestMeltProofsProofsPendingAtMint(t *testing.T) {
	store := newFakeStore()
	mock := &mockMint{}
	engine := newTestEngine(store, mock)
	w := meltSetup(t, store, mock)

	mock.meltFn = func(quote *nut05.PostMeltQuoteBolt11Response, inputs cashu.Proofs) (*nut05.PostMeltQuoteBolt11Response, cashu.Proofs, error) {
		return nil, nil, cashu.Error{Detail: "proofs pending", Code: cashu.ProofPendingErrCode}
	}
	mock.checkMeltQuoteFn = func(quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
		return meltQuoteFixture(), nil
	}
	mock.checkStatesFn = func(proofs cashu.Proofs) ([]nut07.ProofState, error) {
		states := make([]nut07.ProofState, len(proofs))
		for i := range proofs {
			states[i] = nut07.ProofState{State: nut07.Pending}
		}
		return states, nil
	}

	_, _, err := engine.MeltProofs(context.Background(), w, meltQuoteFixture())
	assertAppErr(t, err, apperr.Timeout, 202)

	if got := store.status(t, "send1"); got != storage.Pending {
		t.Errorf("expected send1 to remain PENDING, got %v", got)
	}
}

func TestMeltProofsUnpaidReverts(t *testing.T) {
	store := newFakeStore()
	mock := &mockMint{}
	engine := newTestEngine(store, mock)
	w := meltSetup(t, store, mock)

	mock.meltFn = func(quote *nut05.PostMeltQuoteBolt11Response, inputs cashu.Proofs) (*nut05.PostMeltQuoteBolt11Response, cashu.Proofs, error) {
		return nil, nil, errors.New("no route")
	}
	mock.checkMeltQuoteFn = func(quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
		return meltQuoteFixture(), nil
	}

	_, _, err := engine.MeltProofs(context.Background(), w, meltQuoteFixture())
	assertAppErr(t, err, apperr.Connection, 500)

	if got := store.status(t, "send1"); got != storage.Unspent {
		t.Errorf("expected send1 reverted to UNSPENT, got %v", got)
	}

	balance, _, err := engine.Balance(context.Background(), w.Id)
	if err != nil {
		t.Fatal(err)
	}
	if balance != 1000 {
		t.Errorf("expected balance restored to 1000, got %v", balance)
	}
}

func TestMeltProofsRecheckFails(t *testing.T) {
	store := newFakeStore()
	mock := &mockMint{}
	engine := newTestEngine(store, mock)
	w := meltSetup(t, store, mock)

	mock.meltFn = func(quote *nut05.PostMeltQuoteBolt11Response, inputs cashu.Proofs) (*nut05.PostMeltQuoteBolt11Response, cashu.Proofs, error) {
		return nil, nil, errors.New("connection reset")
	}
	mock.checkMeltQuoteFn = func(quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
		return nil, errors.New("mint unreachable")
	}

	_, _, err := engine.MeltProofs(context.Background(), w, meltQuoteFixture())
	assertAppErr(t, err, apperr.Connection, 500)

	// outcome is unknown, the reservation must not be reverted
	if got := store.status(t, "send1"); got != storage.Pending {
		t.Errorf("expected send1 to remain PENDING, got %v", got)
	}
}

func TestMeltProofsRecheckPaid(t *testing.T) {
	store := newFakeStore()
	mock := &mockMint{}
	engine := newTestEngine(store, mock)
	w := meltSetup(t, store, mock)

	mock.meltFn = func(quote *nut05.PostMeltQuoteBolt11Response, inputs cashu.Proofs) (*nut05.PostMeltQuoteBolt11Response, cashu.Proofs, error) {
		return nil, nil, errors.New("connection reset")
	}
	mock.checkMeltQuoteFn = func(quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
		response := meltQuoteFixture()
		response.State = nut05.Paid
		return response, nil
	}

	result, change, err := engine.MeltProofs(context.Background(), w, meltQuoteFixture())
	if err != nil {
		t.Fatalf("expected success after re-check, got %v", err)
	}
	if result.State != nut05.Paid {
		t.Errorf("expected PAID result, got %v", result.State)
	}
	if len(change) != 0 {
		t.Errorf("expected no change, got %+v", change)
	}
	if got := store.status(t, "send1"); got != storage.Spent {
		t.Errorf("expected send1 SPENT, got %v", got)
	}
}

func TestReconcileMixed(t *testing.T) {
	store := newFakeStore()
	mock := &mockMint{}
	engine := newTestEngine(store, mock)
	w := testWallet(t, store)

	pending := cashu.Proofs{testProof("s1", 10), testProof("s2", 20), testProof("s3", 30)}
	if err := store.SaveProofs(context.Background(), w.Id, pending, storage.Unspent); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateProofsStatus(context.Background(), w.Id, []string{"s1", "s2", "s3"}, storage.Pending); err != nil {
		t.Fatal(err)
	}

	mintStates := map[string]nut07.State{
		"s1": nut07.Spent,
		"s2": nut07.Unspent,
		"s3": nut07.Pending,
	}
	mock.checkStatesFn = func(proofs cashu.Proofs) ([]nut07.ProofState, error) {
		states := make([]nut07.ProofState, len(proofs))
		for i, proof := range proofs {
			states[i] = nut07.ProofState{State: mintStates[proof.Secret]}
		}
		return states, nil
	}

	result, err := engine.ReconcileWithMint(context.Background(), w.Id)
	if err != nil {
		t.Fatalf("ReconcileWithMint: %v", err)
	}
	if result.Spent != 1 || result.Unspent != 1 || result.Pending != 1 {
		t.Errorf("expected counts {1 1 1}, got %+v", result)
	}

	if got := store.status(t, "s1"); got != storage.Spent {
		t.Errorf("expected s1 SPENT, got %v", got)
	}
	if got := store.status(t, "s2"); got != storage.Unspent {
		t.Errorf("expected s2 UNSPENT, got %v", got)
	}
	if got := store.status(t, "s3"); got != storage.Pending {
		t.Errorf("expected s3 PENDING, got %v", got)
	}

	// a second pass only sees s3 and changes nothing
	result, err = engine.ReconcileWithMint(context.Background(), w.Id)
	if err != nil {
		t.Fatalf("ReconcileWithMint: %v", err)
	}
	if result.Spent != 0 || result.Unspent != 0 || result.Pending != 1 {
		t.Errorf("expected only s3 still pending, got %+v", result)
	}
}

func TestReceiveToken(t *testing.T) {
	store := newFakeStore()
	mock := &mockMint{}
	engine := newTestEngine(store, mock)
	w := testWallet(t, store)

	token := cashu.NewTokenV3(cashu.Proofs{testProof("ext1", 64)}, "http://mint.test", cashu.Sat, false)
	serialized, err := token.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	mock.receiveFn = func(token cashu.Token) (cashu.Proofs, error) {
		return cashu.Proofs{testProof("fresh1", 64)}, nil
	}

	proofs, err := engine.ReceiveToken(context.Background(), w, serialized)
	if err != nil {
		t.Fatalf("ReceiveToken: %v", err)
	}
	if proofs.Amount() != 64 {
		t.Errorf("expected received amount 64, got %v", proofs.Amount())
	}
	if got := store.status(t, "fresh1"); got != storage.Unspent {
		t.Errorf("expected fresh1 UNSPENT, got %v", got)
	}
}

func TestReceiveTokenExceedsMaxBalance(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, &mockMint{})
	w := testWallet(t, store)

	token := cashu.NewTokenV3(cashu.Proofs{testProof("ext1", 200000)}, "http://mint.test", cashu.Sat, false)
	serialized, err := token.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	_, err = engine.ReceiveToken(context.Background(), w, serialized)
	assertAppErr(t, err, apperr.Limit, 400)
}

func TestReceiveTokenInvalid(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, &mockMint{})
	w := testWallet(t, store)

	_, err := engine.ReceiveToken(context.Background(), w, "not-a-token")
	assertAppErr(t, err, apperr.Validation, 400)
}

// bolt11 test vector for 250000 sat from the BOLT-11 specification
const testInvoice250000 = "lnbc2500u1pvjluezpp5qqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqypqdq5xysxxatsyp3k7enxv4jsxqzpuaztrnwngzn3kdzw5hydlzf03qdgm2hdq27cqv3agm2awhz5se903vruatfhq77w3ls4evs3ch9zw97j25emudupq63nyw24cg27h2rspfj9srp"

func TestCheckDepositQuoteMintsOnPaid(t *testing.T) {
	store := newFakeStore()
	mock := &mockMint{}
	engine := newTestEngine(store, mock)
	w := testWallet(t, store)

	mock.checkMintQuoteFn = func(quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
		return &nut04.PostMintQuoteBolt11Response{
			Quote:   quoteId,
			Request: testInvoice250000,
			State:   nut04.Paid,
		}, nil
	}
	var mintedAmount uint64
	mock.mintProofsFn = func(amount uint64, quoteId string) (cashu.Proofs, error) {
		mintedAmount = amount
		return cashu.Proofs{testProof("d1", amount)}, nil
	}

	quote, err := engine.CheckDepositQuote(context.Background(), w, "q1")
	if err != nil {
		t.Fatalf("CheckDepositQuote: %v", err)
	}
	if quote.State != nut04.Paid {
		t.Errorf("expected PAID quote, got %v", quote.State)
	}
	if mintedAmount != 250000 {
		t.Errorf("expected minted amount 250000, got %v", mintedAmount)
	}
	if got := store.status(t, "d1"); got != storage.Unspent {
		t.Errorf("expected minted proofs UNSPENT, got %v", got)
	}
}

func TestCheckDepositQuoteMintFailureHidden(t *testing.T) {
	store := newFakeStore()
	mock := &mockMint{}
	engine := newTestEngine(store, mock)
	w := testWallet(t, store)

	mock.checkMintQuoteFn = func(quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
		return &nut04.PostMintQuoteBolt11Response{
			Quote:   quoteId,
			Request: testInvoice250000,
			State:   nut04.Paid,
		}, nil
	}
	mock.mintProofsFn = func(amount uint64, quoteId string) (cashu.Proofs, error) {
		return nil, cashu.Error{Detail: "quote already issued", Code: cashu.MintQuoteAlreadyIssuedErrCode}
	}

	quote, err := engine.CheckDepositQuote(context.Background(), w, "q1")
	if err != nil {
		t.Fatalf("minting failure must not fail the quote check: %v", err)
	}
	if quote.State != nut04.Paid {
		t.Errorf("expected PAID quote, got %v", quote.State)
	}

	balance, _, err := engine.Balance(context.Background(), w.Id)
	if err != nil {
		t.Fatal(err)
	}
	if balance != 0 {
		t.Errorf("expected no proofs stored, balance %v", balance)
	}
}

func TestCreateDepositQuoteExceedsMaxBalance(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, &mockMint{})
	w := testWallet(t, store)

	if err := store.SaveProofs(context.Background(), w.Id, cashu.Proofs{testProof("s1", 90000)}, storage.Unspent); err != nil {
		t.Fatal(err)
	}

	_, err := engine.CreateDepositQuote(context.Background(), w, 20000, "sat")
	assertAppErr(t, err, apperr.Limit, 400)
}

func TestCreateWalletRollback(t *testing.T) {
	store := newFakeStore()
	mock := &mockMint{}
	engine := newTestEngine(store, mock)

	token := cashu.NewTokenV3(cashu.Proofs{testProof("ext1", 64)}, "http://mint.test", cashu.Sat, false)
	serialized, err := token.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	mock.receiveFn = func(token cashu.Token) (cashu.Proofs, error) {
		return nil, cashu.Error{Detail: "proofs already used", Code: cashu.ProofAlreadyUsedErrCode}
	}

	if _, err := engine.CreateWallet(context.Background(), "w", serialized); err == nil {
		t.Fatal("expected wallet creation to fail")
	}

	store.mu.Lock()
	wallets, proofs := len(store.wallets), len(store.proofs)
	store.mu.Unlock()
	if wallets != 0 || proofs != 0 {
		t.Errorf("expected rollback to remove wallet and proofs, got %v wallets and %v proofs", wallets, proofs)
	}
}

func TestWalletByAccessKey(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, &mockMint{})
	w := testWallet(t, store)

	found, err := engine.WalletByAccessKey(context.Background(), w.AccessKey)
	if err != nil {
		t.Fatalf("WalletByAccessKey: %v", err)
	}
	if found.Id != w.Id {
		t.Errorf("expected wallet %v, got %v", w.Id, found.Id)
	}

	_, err = engine.WalletByAccessKey(context.Background(), "bogus")
	assertAppErr(t, err, apperr.Unauthorized, 401)
}
