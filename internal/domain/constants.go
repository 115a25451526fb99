package domain

import "strings"

// Network identifies one of the supported blockchains.
type Network string

const (
	NetworkBitcoin  Network = "BITCOIN"
	NetworkEthereum Network = "ETHEREUM"
	NetworkTron     Network = "TRON"
	NetworkSolana   Network = "SOLANA"
)

// Networks lists every supported network in a stable order.
var Networks = []Network{NetworkBitcoin, NetworkEthereum, NetworkTron, NetworkSolana}

// ParseNetwork normalizes user input into a known network.
func ParseNetwork(s string) (Network, bool) {
	n := Network(strings.ToUpper(strings.TrimSpace(s)))
	switch n {
	case NetworkBitcoin, NetworkEthereum, NetworkTron, NetworkSolana:
		return n, true
	}
	return "", false
}

const (
	CurrencyBTC  = "BTC"
	CurrencyETH  = "ETH"
	CurrencyTRX  = "TRX"
	CurrencySOL  = "SOL"
	CurrencyUSDT = "USDT"
	CurrencyBRL  = "BRL"

	ConversionTypeBuy  = "BUY"
	ConversionTypeSell = "SELL"

	// Conversion statuses. BUY walks PIX_SENT -> USDT_BOUGHT -> USDT_WITHDRAWN,
	// SELL walks AWAITING_DEPOSIT -> USDT_DEPOSITED -> USDT_SOLD.
	ConversionPending         = "PENDING"
	ConversionPixSent         = "PIX_SENT"
	ConversionUSDTBought      = "USDT_BOUGHT"
	ConversionUSDTWithdrawn   = "USDT_WITHDRAWN"
	ConversionAwaitingDeposit = "AWAITING_DEPOSIT"
	ConversionUSDTDeposited   = "USDT_DEPOSITED"
	ConversionUSDTSold        = "USDT_SOLD"
	ConversionCompleted       = "COMPLETED"
	ConversionFailed          = "FAILED"

	SellFundingCustodial = "custodial"
	SellFundingExternal  = "external"
	SellFundingDeposit   = "deposit"

	FiatDepositPending   = "PENDING"
	FiatDepositConfirmed = "CONFIRMED"
	FiatDepositFailed    = "FAILED"

	CommissionPending = "PENDING"
	CommissionSettled = "SETTLED"

	SpotSideBuy  = "buy"
	SpotSideSell = "sell"

	SpotTypeLimit  = "limit"
	SpotTypeMarket = "market"

	SpotOrderOpen     = "OPEN"
	SpotOrderPartial  = "PARTIAL"
	SpotOrderFilled   = "FILLED"
	SpotOrderCanceled = "CANCELED"
	SpotOrderFailed   = "FAILED"

	SpotTransferToPro    = "TO_PRO"
	SpotTransferToWallet = "TO_WALLET"
)

// IsTerminalSpotStatus reports whether an order no longer holds a lock.
func IsTerminalSpotStatus(status string) bool {
	switch status {
	case SpotOrderFilled, SpotOrderCanceled, SpotOrderFailed:
		return true
	}
	return false
}
