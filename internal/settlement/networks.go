package settlement

import (
	"math/big"

	"gopkg.in/yaml.v3"
)

// NetworkConfig is one entry in the static, read-only-after-init network
// table the verifier and wallet resolve proof.network / --network
// against.
type NetworkConfig struct {
	ChainID       int64  `yaml:"chain_id"`
	RPCURL        string `yaml:"rpc_url"`
	ExplorerURL   string `yaml:"explorer_url"`
	TokenContract string `yaml:"token_contract"`
	Decimals      int32  `yaml:"decimals"`
}

// defaultNetworksYAML is the compiled-in network table: Base mainnet,
// Base Sepolia, and Ethereum Sepolia, each with its USDC contract. It
// lets the verifier and wallet resolve a network with zero external
// config file.
const defaultNetworksYAML = `
base:
  chain_id: 8453
  rpc_url: https://mainnet.base.org
  explorer_url: https://basescan.org
  token_contract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
  decimals: 6
base-sepolia:
  chain_id: 84532
  rpc_url: https://sepolia.base.org
  explorer_url: https://sepolia.basescan.org
  token_contract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
  decimals: 6
sepolia:
  chain_id: 11155111
  rpc_url: https://rpc.sepolia.org
  explorer_url: https://sepolia.etherscan.io
  token_contract: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
  decimals: 6
`

// NetworkTable is a read-only-after-init lookup of NetworkConfig by
// network identifier.
type NetworkTable map[string]NetworkConfig

// DefaultNetworks returns the compiled-in network table.
func DefaultNetworks() NetworkTable {
	var table NetworkTable
	if err := yaml.Unmarshal([]byte(defaultNetworksYAML), &table); err != nil {
		panic("settlement: invalid compiled-in network table: " + err.Error())
	}
	return table
}

// LoadNetworks parses a YAML network table from raw bytes, for
// deployments that want to override or extend the compiled-in
// defaults.
func LoadNetworks(data []byte) (NetworkTable, error) {
	var table NetworkTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, err
	}
	return table, nil
}

// ChainIDBig returns the chain id as a *big.Int, as go-ethereum's
// signer APIs expect.
func (c NetworkConfig) ChainIDBig() *big.Int {
	return big.NewInt(c.ChainID)
}
