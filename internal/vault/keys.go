package vault

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"math/big"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// generateEVMKey 生成 secp256k1 私钥，返回私钥字节与十六进制地址。
func generateEVMKey() ([]byte, string, error) {
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		return nil, "", fmt.Errorf("生成 EVM 私钥失败: %w", err)
	}
	address := gethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	return gethcrypto.FromECDSA(key), address, nil
}

// generateEdKey 生成 ed25519 私钥，地址为公钥的 Base58 编码。
func generateEdKey() ([]byte, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("生成 ed25519 私钥失败: %w", err)
	}
	return priv, base58Encode(pub), nil
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// base58Encode 输出 Bitcoin 风格的 Base58 字符串。
func base58Encode(input []byte) string {
	num := new(big.Int).SetBytes(input)
	radix := big.NewInt(58)
	mod := new(big.Int)

	encoded := make([]byte, 0, len(input)*138/100+1)
	for num.Sign() > 0 {
		num.DivMod(num, radix, mod)
		encoded = append(encoded, base58Alphabet[mod.Int64()])
	}
	// 前导零字节映射为字母表首字符。
	for _, b := range input {
		if b != 0 {
			break
		}
		encoded = append(encoded, base58Alphabet[0])
	}
	for i, j := 0, len(encoded)-1; i < j; i, j = i+1, j-1 {
		encoded[i], encoded[j] = encoded[j], encoded[i]
	}
	return string(encoded)
}
