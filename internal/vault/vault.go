package vault

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	stdErrors "errors"
	"log/slog"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenWallet-Agent/internal/errors"
	"OpenWallet-Agent/pkg/logger"
)

const (
	CodeCipherFailure xerrors.Code = "VAULT_CIPHER_FAILURE"
	CodeKeygenFailure xerrors.Code = "VAULT_KEYGEN_FAILURE"
)

func init() {
	xerrors.Register(CodeCipherFailure, xerrors.Attributes{
		Message:  "credential encryption failure",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeKeygenFailure, xerrors.Attributes{
		Message:  "wallet key generation failure",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Credentials 是单个用户凭据记录解密后的内存视图，仅存在于进程内，
// 不会以明文形式落库。
type Credentials struct {
	UserID     string
	EVMKey     *ecdsa.PrivateKey
	EdKey      ed25519.PrivateKey
	EVMAddress string
	EdAddress  string
	CreatedAt  int64
}

// Vault 负责钱包凭据的生成、加密与读取。
type Vault struct {
	cipher *Cipher
	store  Store
	log    *slog.Logger
}

// New 构造 Vault。口令非法时直接返回错误，调用方应视为致命。
func New(passphrase string, store Store) (*Vault, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置凭据存储")
	}
	cipher, err := NewCipher(passphrase)
	if err != nil {
		return nil, xerrors.Wrap(CodeCipherFailure, err, "初始化保险库加密失败")
	}
	return &Vault{cipher: cipher, store: store, log: logger.Named("vault")}, nil
}

// GetOrCreate 返回用户的钱包凭据，不存在时生成并落库。对同一用户的
// 并发调用保证返回同一组地址。
func (v *Vault) GetOrCreate(ctx context.Context, userID string) (*Credentials, error) {
	if userID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户标识不能为空")
	}

	record, err := v.store.Get(ctx, userID)
	if err == nil {
		return v.decrypt(record)
	}
	if !stdErrors.Is(err, ErrRecordNotFound) {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取凭据记录失败")
	}

	record, err = v.createRecord(userID)
	if err != nil {
		return nil, err
	}
	if err := v.store.Create(ctx, record); err != nil {
		// 并发创建时以先写入者为准，丢弃本次生成的密钥。
		if stdErrors.Is(err, ErrRecordExists) {
			existing, getErr := v.store.Get(ctx, userID)
			if getErr != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, getErr, "读取既有凭据记录失败")
			}
			return v.decrypt(existing)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入凭据记录失败")
	}

	logger.Audit().Info("新建钱包凭据",
		slog.String("user_id", userID),
		slog.String("evm_address", record.EVMAddress),
		slog.String("ed_address", record.EdAddress),
	)
	return v.decrypt(record)
}

func (v *Vault) createRecord(userID string) (*Record, error) {
	evmSecret, evmAddress, err := generateEVMKey()
	if err != nil {
		return nil, xerrors.Wrap(CodeKeygenFailure, err, "")
	}
	edSecret, edAddress, err := generateEdKey()
	if err != nil {
		return nil, xerrors.Wrap(CodeKeygenFailure, err, "")
	}

	evmEnc, err := v.cipher.Seal(evmSecret)
	if err != nil {
		return nil, xerrors.Wrap(CodeCipherFailure, err, "加密 EVM 私钥失败")
	}
	edEnc, err := v.cipher.Seal(edSecret)
	if err != nil {
		return nil, xerrors.Wrap(CodeCipherFailure, err, "加密 ed25519 私钥失败")
	}

	return &Record{
		UserID:       userID,
		EVMSecretEnc: evmEnc,
		EdSecretEnc:  edEnc,
		EVMAddress:   evmAddress,
		EdAddress:    edAddress,
		CreatedAt:    time.Now().Unix(),
	}, nil
}

// decrypt 将落库记录还原为内存视图。解密失败说明记录损坏或口令不匹配，
// 该用户不可恢复，但不影响进程。
func (v *Vault) decrypt(record *Record) (*Credentials, error) {
	evmSecret, err := v.cipher.Open(record.EVMSecretEnc)
	if err != nil {
		v.log.Error("EVM 私钥解密失败", slog.String("user_id", record.UserID), slog.Any("error", err))
		return nil, xerrors.Wrap(CodeCipherFailure, err, "凭据记录无法解密")
	}
	edSecret, err := v.cipher.Open(record.EdSecretEnc)
	if err != nil {
		v.log.Error("ed25519 私钥解密失败", slog.String("user_id", record.UserID), slog.Any("error", err))
		return nil, xerrors.Wrap(CodeCipherFailure, err, "凭据记录无法解密")
	}

	evmKey, err := gethcrypto.ToECDSA(evmSecret)
	if err != nil {
		return nil, xerrors.Wrap(CodeCipherFailure, err, "EVM 私钥格式非法")
	}
	if len(edSecret) != ed25519.PrivateKeySize {
		return nil, xerrors.New(CodeCipherFailure, "ed25519 私钥长度非法")
	}

	return &Credentials{
		UserID:     record.UserID,
		EVMKey:     evmKey,
		EdKey:      ed25519.PrivateKey(edSecret),
		EVMAddress: record.EVMAddress,
		EdAddress:  record.EdAddress,
		CreatedAt:  record.CreatedAt,
	}, nil
}
