package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// marketplaceABI is the DataMarketplace contract surface the gateway calls.
// The contract itself is deployed out of band; the gateway only builds
// calldata against it and decodes its AssetAdded event.
const marketplaceABI = `[
  {
    "inputs": [
      {"internalType": "string", "name": "ipfsHash", "type": "string"},
      {"internalType": "uint256", "name": "price", "type": "uint256"}
    ],
    "name": "addDataAsset",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "uint256", "name": "assetId", "type": "uint256"},
      {"internalType": "string", "name": "proof", "type": "string"}
    ],
    "name": "purchaseDataAsset",
    "outputs": [],
    "stateMutability": "payable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "uint256", "name": "assetId", "type": "uint256"}
    ],
    "name": "removeDataAsset",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "name": "dataAssets",
    "outputs": [
      {"internalType": "address payable", "name": "owner", "type": "address"},
      {"internalType": "string", "name": "ipfsHash", "type": "string"},
      {"internalType": "uint256", "name": "price", "type": "uint256"},
      {"internalType": "bool", "name": "forSale", "type": "bool"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "uint256", "name": "assetId", "type": "uint256"},
      {"internalType": "address", "name": "claimant", "type": "address"}
    ],
    "name": "checkOwnership",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "uint256", "name": "assetId", "type": "uint256"}
    ],
    "name": "getOwner",
    "outputs": [{"internalType": "address", "name": "", "type": "address"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "account", "type": "address"}
    ],
    "name": "pendingRevenue",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "withdrawRevenue",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint256", "name": "assetId", "type": "uint256"},
      {"indexed": true, "internalType": "address", "name": "owner", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "price", "type": "uint256"}
    ],
    "name": "AssetAdded",
    "type": "event"
  }
]`

// MarketABI is the parsed contract interface, shared with test doubles that
// decode gateway calldata.
var MarketABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(marketplaceABI))
	if err != nil {
		panic("ledger: invalid marketplace ABI: " + err.Error())
	}
	MarketABI = parsed
}
