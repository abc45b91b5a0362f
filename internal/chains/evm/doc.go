// Package evm provides the EVM chain access used by the wallet tools:
// balance and nonce queries plus signed native-transfer submission over a
// JSON-RPC endpoint.
package evm
