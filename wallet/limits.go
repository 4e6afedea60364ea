package wallet

import "github.com/nutjar/nutjar/wallet/storage"

// Limits are the service-wide caps. A wallet's own cap, when set,
// tightens but never loosens the global one.
type Limits struct {
	MaxBalance uint64
	MaxSend    uint64
	MaxPay     uint64
}

func effectiveLimit(walletCap *uint64, globalCap uint64) uint64 {
	if walletCap != nil && *walletCap < globalCap {
		return *walletCap
	}
	return globalCap
}

func (l Limits) MaxBalanceFor(wallet *storage.Wallet) uint64 {
	return effectiveLimit(wallet.MaxBalance, l.MaxBalance)
}

func (l Limits) MaxSendFor(wallet *storage.Wallet) uint64 {
	return effectiveLimit(wallet.MaxSend, l.MaxSend)
}

func (l Limits) MaxPayFor(wallet *storage.Wallet) uint64 {
	return effectiveLimit(wallet.MaxPay, l.MaxPay)
}
