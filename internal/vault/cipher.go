package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// 密文布局为 nonce || authTag || ciphertext，每个字段独立加密，
// 单个字段泄露不会影响其它字段。
const (
	cipherNonceSize = 12
	cipherTagSize   = 16
)

// 口令本身是真正的秘密，密钥派生使用固定盐即可。
var kdfSalt = []byte("openwallet-agent.vault.v1")

// Cipher 使用口令派生的对称密钥执行字段级认证加密。
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher 通过 scrypt 从口令派生 256 位密钥并构造 AES-GCM 实例。
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("加密口令不能为空")
	}
	key, err := scrypt.Key([]byte(passphrase), kdfSalt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("派生加密密钥失败: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("初始化 AES 失败: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("初始化 GCM 失败: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal 加密单个字段，每次调用生成独立的随机 nonce。
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, cipherNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("生成随机 nonce 失败: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	// GCM 输出为 ciphertext || tag，存储布局要求 nonce || tag || ciphertext。
	split := len(sealed) - cipherTagSize
	out := make([]byte, 0, cipherNonceSize+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed[split:]...)
	out = append(out, sealed[:split]...)
	return out, nil
}

// Open 解密单个字段。认证失败或格式非法时返回错误。
func (c *Cipher) Open(blob []byte) ([]byte, error) {
	if len(blob) < cipherNonceSize+cipherTagSize {
		return nil, errors.New("密文长度非法")
	}
	nonce := blob[:cipherNonceSize]
	tag := blob[cipherNonceSize : cipherNonceSize+cipherTagSize]
	ciphertext := blob[cipherNonceSize+cipherTagSize:]

	sealed := make([]byte, 0, len(ciphertext)+cipherTagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("字段解密失败: %w", err)
	}
	return plaintext, nil
}
