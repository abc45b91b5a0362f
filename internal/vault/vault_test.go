package vault

import (
	"bytes"
	"context"
	"sync"
	"testing"
)

func TestCipherRoundTrip(t *testing.T) {
	cipher, err := NewCipher("test-passphrase")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	plaintext := []byte("super secret key material")
	sealed, err := cipher.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatalf("密文中不应包含明文")
	}

	opened, err := cipher.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("解密结果不一致: %q", opened)
	}
}

func TestCipherSealUniqueNonce(t *testing.T) {
	cipher, err := NewCipher("test-passphrase")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	first, _ := cipher.Seal([]byte("same input"))
	second, _ := cipher.Seal([]byte("same input"))
	if bytes.Equal(first, second) {
		t.Fatalf("相同明文两次加密不应产生相同密文")
	}
}

func TestCipherOpenRejectsTampering(t *testing.T) {
	cipher, err := NewCipher("test-passphrase")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	sealed, _ := cipher.Seal([]byte("payload"))
	sealed[len(sealed)-1] ^= 0xff
	if _, err := cipher.Open(sealed); err == nil {
		t.Fatalf("篡改后的密文应当解密失败")
	}
}

func TestCipherWrongPassphrase(t *testing.T) {
	right, _ := NewCipher("right")
	wrong, _ := NewCipher("wrong")
	sealed, _ := right.Seal([]byte("payload"))
	if _, err := wrong.Open(sealed); err == nil {
		t.Fatalf("错误口令应当解密失败")
	}
}

func TestVaultGetOrCreateIdempotent(t *testing.T) {
	v, err := New("passphrase", NewMemoryStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := v.GetOrCreate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := v.GetOrCreate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetOrCreate second: %v", err)
	}

	if first.EVMAddress != second.EVMAddress || first.EdAddress != second.EdAddress {
		t.Fatalf("同一用户两次调用返回了不同地址: %s vs %s", first.EVMAddress, second.EVMAddress)
	}
	if first.EVMAddress == "" || first.EdAddress == "" {
		t.Fatalf("地址不应为空: %+v", first)
	}
}

func TestVaultGetOrCreateConcurrent(t *testing.T) {
	v, err := New("passphrase", NewMemoryStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const workers = 16
	results := make([]*Credentials, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			creds, err := v.GetOrCreate(context.Background(), "user-racy")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			results[idx] = creds
		}(i)
	}
	wg.Wait()

	for _, creds := range results {
		if creds == nil {
			t.Fatalf("存在失败的并发调用")
		}
		if creds.EVMAddress != results[0].EVMAddress {
			t.Fatalf("并发创建产生了不同的 EVM 地址")
		}
		if creds.EdAddress != results[0].EdAddress {
			t.Fatalf("并发创建产生了不同的 ed25519 地址")
		}
	}
}

func TestVaultDistinctUsersDistinctKeys(t *testing.T) {
	v, _ := New("passphrase", NewMemoryStore())
	a, err := v.GetOrCreate(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("GetOrCreate a: %v", err)
	}
	b, err := v.GetOrCreate(context.Background(), "user-b")
	if err != nil {
		t.Fatalf("GetOrCreate b: %v", err)
	}
	if a.EVMAddress == b.EVMAddress {
		t.Fatalf("不同用户不应复用地址")
	}
}

func TestBase58Encode(t *testing.T) {
	cases := []struct {
		in   []byte
		want string
	}{
		{[]byte{}, ""},
		{[]byte{0}, "1"},
		{[]byte{0, 0, 1}, "112"},
		{[]byte("hello"), "Cn8eVZg"},
	}
	for _, c := range cases {
		if got := base58Encode(c.in); got != c.want {
			t.Fatalf("base58Encode(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}
