// Package storage defines the persistence boundary of the wallet
// service. All engine writes go through a WalletDB implementation.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nutjar/nutjar/cashu"
)

type ProofStatus int

const (
	Unspent ProofStatus = iota
	Pending
	Spent
	UnknownStatus
)

func (status ProofStatus) String() string {
	switch status {
	case Unspent:
		return "UNSPENT"
	case Pending:
		return "PENDING"
	case Spent:
		return "SPENT"
	default:
		return "unknown"
	}
}

func StringToStatus(status string) ProofStatus {
	switch status {
	case "UNSPENT":
		return Unspent
	case "PENDING":
		return Pending
	case "SPENT":
		return Spent
	}
	return UnknownStatus
}

// Wallet is an isolated balance scope identified by its access key.
type Wallet struct {
	Id         int64
	AccessKey  string
	Name       string
	Mint       string
	Unit       string
	MaxBalance *uint64
	MaxSend    *uint64
	MaxPay     *uint64
	CreatedAt  time.Time
	UpdatedAt  *time.Time
}

// Proof is one ecash note. Secret is globally unique across the store;
// it is the mint's double-spend key and the engine's idempotency anchor.
type Proof struct {
	Id        int64
	WalletId  int64
	ProofId   string
	Amount    uint64
	Secret    string
	C         string
	DLEQ      string
	Witness   string
	Status    ProofStatus
	CreatedAt time.Time
}

// ToCashuProof converts the stored row back into a wire proof.
// dleq is parsed as JSON; witness passes through unchanged.
func (p Proof) ToCashuProof() cashu.Proof {
	proof := cashu.Proof{
		Amount:  p.Amount,
		Id:      p.ProofId,
		Secret:  p.Secret,
		C:       p.C,
		Witness: p.Witness,
	}
	if p.DLEQ != "" {
		var dleq cashu.DLEQProof
		if err := json.Unmarshal([]byte(p.DLEQ), &dleq); err == nil {
			proof.DLEQ = &dleq
		}
	}
	return proof
}

type CreateWalletParams struct {
	AccessKey  string
	Name       string
	Mint       string
	Unit       string
	MaxBalance *uint64
	MaxSend    *uint64
	MaxPay     *uint64
}

// ProofUpdate is the composite write an engine step commits atomically:
// inputs consumed by a swap go SPENT, fresh keep proofs are inserted
// UNSPENT, fresh send proofs are inserted PENDING, and inputs the mint
// returned verbatim as the send piece flip to PENDING in place.
type ProofUpdate struct {
	MarkSpent     []string
	MarkPending   []string
	InsertUnspent cashu.Proofs
	InsertPending cashu.Proofs
}

type WalletDB interface {
	CreateWallet(ctx context.Context, params CreateWalletParams) (*Wallet, error)
	GetWalletByAccessKey(ctx context.Context, accessKey string) (*Wallet, error)
	DeleteWallet(ctx context.Context, walletId int64) error
	DeleteProofsByWallet(ctx context.Context, walletId int64) error

	SumProofs(ctx context.Context, walletId int64, status ProofStatus) (uint64, error)
	GetProofs(ctx context.Context, walletId int64, status ProofStatus) ([]Proof, error)
	SaveProofs(ctx context.Context, walletId int64, proofs cashu.Proofs, status ProofStatus) error
	UpdateProofsStatus(ctx context.Context, walletId int64, secrets []string, status ProofStatus) error
	ApplyProofUpdate(ctx context.Context, walletId int64, update ProofUpdate) error

	Close() error
}
