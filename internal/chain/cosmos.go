package chain

// Built-in height-based networks.
var (
	CosmosHub = Network{Family: HeightBased, ChainID: "cosmoshub-4", Name: "Cosmos Hub", CoinType: 118,
		AddressPrefix: "cosmos", Asset: Asset{Symbol: "ATOM", Decimals: 6, Denom: "uatom"}}
	Osmosis = Network{Family: HeightBased, ChainID: "osmosis-1", Name: "Osmosis", CoinType: 118,
		AddressPrefix: "osmo", Asset: Asset{Symbol: "OSMO", Decimals: 6, Denom: "uosmo"}}
	Kujira = Network{Family: HeightBased, ChainID: "kaiyo-1", Name: "Kujira", CoinType: 118,
		AddressPrefix: "kujira", Asset: Asset{Symbol: "KUJI", Decimals: 6, Denom: "ukuji"}}
)

func init() {
	// ==========================================================================
	// CometBFT / Cosmos SDK
	// ==========================================================================
	Register(CosmosHub)
	Register(Osmosis)
	Register(Kujira)
}
