package chain

// Built-in account-based networks.
var (
	Ethereum = Network{Family: AccountBased, ChainID: "1", Name: "Ethereum", CoinType: 60,
		Asset: Asset{Symbol: "ETH", Decimals: 18}}
	Sepolia = Network{Family: AccountBased, ChainID: "11155111", Name: "Ethereum Sepolia", CoinType: 60,
		Asset: Asset{Symbol: "ETH", Decimals: 18}}
	BSC = Network{Family: AccountBased, ChainID: "56", Name: "BNB Smart Chain", CoinType: 60,
		Asset: Asset{Symbol: "BNB", Decimals: 18}}
	Polygon = Network{Family: AccountBased, ChainID: "137", Name: "Polygon", CoinType: 60,
		Asset: Asset{Symbol: "POL", Decimals: 18}}
	Arbitrum = Network{Family: AccountBased, ChainID: "42161", Name: "Arbitrum One", CoinType: 60,
		Asset: Asset{Symbol: "ETH", Decimals: 18}}
	Optimism = Network{Family: AccountBased, ChainID: "10", Name: "Optimism", CoinType: 60,
		Asset: Asset{Symbol: "ETH", Decimals: 18}}
	Base = Network{Family: AccountBased, ChainID: "8453", Name: "Base", CoinType: 60,
		Asset: Asset{Symbol: "ETH", Decimals: 18}}
)

func init() {
	// ==========================================================================
	// EVM mainnets
	// ==========================================================================
	Register(Ethereum)
	Register(BSC)
	Register(Polygon)
	Register(Arbitrum)
	Register(Optimism)
	Register(Base)

	// ==========================================================================
	// EVM testnets
	// ==========================================================================
	Register(Sepolia)
}
