package approval

import (
	"sync"
	"testing"
	"time"
)

func TestResolveApproved(t *testing.T) {
	broker := NewBroker()
	h, err := broker.Request("user-1", "inv-1")
	if err != nil {
		t.Fatalf("Request 失败: %v", err)
	}

	if !broker.Resolve("user-1", "inv-1", true) {
		t.Fatal("首次裁决应生效")
	}

	select {
	case d := <-h.Done():
		if !d.Approved() {
			t.Fatalf("期望批准，实际 %s", d)
		}
	case <-time.After(time.Second):
		t.Fatal("裁决结果未送达")
	}

	if broker.Pending("user-1") {
		t.Fatal("裁决后不应再有挂起审批")
	}
}

func TestResolveIdempotent(t *testing.T) {
	broker := NewBroker()
	if _, err := broker.Request("user-1", "inv-1"); err != nil {
		t.Fatalf("Request 失败: %v", err)
	}

	if !broker.Resolve("user-1", "inv-1", false) {
		t.Fatal("首次裁决应生效")
	}
	if broker.Resolve("user-1", "inv-1", true) {
		t.Fatal("重复裁决不应生效")
	}
}

func TestResolveWrongInvocation(t *testing.T) {
	broker := NewBroker()
	if _, err := broker.Request("user-1", "inv-1"); err != nil {
		t.Fatalf("Request 失败: %v", err)
	}

	if broker.Resolve("user-1", "inv-stale", true) {
		t.Fatal("调用标识不匹配时裁决不应生效")
	}
	if !broker.Pending("user-1") {
		t.Fatal("错误裁决不应影响挂起审批")
	}
}

func TestResolveUnknownUser(t *testing.T) {
	broker := NewBroker()
	if broker.Resolve("user-ghost", "inv-1", true) {
		t.Fatal("不存在的审批裁决不应生效")
	}
}

func TestExpiryDenies(t *testing.T) {
	broker := NewBroker(WithExpiry(30 * time.Millisecond))
	h, err := broker.Request("user-1", "inv-1")
	if err != nil {
		t.Fatalf("Request 失败: %v", err)
	}

	select {
	case d := <-h.Done():
		if d != DecisionExpired {
			t.Fatalf("期望超时拒绝，实际 %s", d)
		}
		if d.Approved() {
			t.Fatal("超时不应视为批准")
		}
	case <-time.After(time.Second):
		t.Fatal("超时裁决未触发")
	}

	if broker.Pending("user-1") {
		t.Fatal("超时后不应再有挂起审批")
	}
	// 超时已裁决，后续人工裁决不应生效。
	if broker.Resolve("user-1", "inv-1", true) {
		t.Fatal("超时后的人工裁决不应生效")
	}
}

func TestConcurrentResolveExactlyOnce(t *testing.T) {
	broker := NewBroker()
	h, err := broker.Request("user-1", "inv-1")
	if err != nil {
		t.Fatalf("Request 失败: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	fired := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(approved bool) {
			defer wg.Done()
			if broker.Resolve("user-1", "inv-1", approved) {
				fired <- approved
			}
		}(i%2 == 0)
	}
	wg.Wait()
	close(fired)

	count := 0
	for range fired {
		count++
	}
	if count != 1 {
		t.Fatalf("并发裁决应恰好生效一次，实际 %d 次", count)
	}

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("裁决结果未送达")
	}
}

func TestDuplicateRequestConflicts(t *testing.T) {
	broker := NewBroker()
	if _, err := broker.Request("user-1", "inv-1"); err != nil {
		t.Fatalf("Request 失败: %v", err)
	}
	if _, err := broker.Request("user-1", "inv-1"); err == nil {
		t.Fatal("同一调用重复登记审批应返回冲突")
	}
}

func TestIndependentInvocationsPerUser(t *testing.T) {
	broker := NewBroker()
	h1, err := broker.Request("user-1", "inv-1")
	if err != nil {
		t.Fatalf("Request 失败: %v", err)
	}
	h2, err := broker.Request("user-1", "inv-2")
	if err != nil {
		t.Fatalf("同一用户不同调用登记审批不应冲突: %v", err)
	}

	if !broker.Resolve("user-1", "inv-2", true) {
		t.Fatal("裁决第二条审批应生效")
	}
	select {
	case d := <-h2.Done():
		if !d.Approved() {
			t.Fatalf("期望批准，实际 %s", d)
		}
	case <-time.After(time.Second):
		t.Fatal("裁决结果未送达")
	}

	// 另一条审批不受影响，用户仍有挂起审批。
	if !broker.Pending("user-1") {
		t.Fatal("仍有未裁决的审批时 Pending 应为真")
	}
	if !broker.Resolve("user-1", "inv-1", false) {
		t.Fatal("裁决第一条审批应生效")
	}
	select {
	case d := <-h1.Done():
		if d.Approved() {
			t.Fatal("期望拒绝")
		}
	case <-time.After(time.Second):
		t.Fatal("裁决结果未送达")
	}
	if broker.Pending("user-1") {
		t.Fatal("全部裁决后不应再有挂起审批")
	}
}

func TestCancelDenies(t *testing.T) {
	broker := NewBroker()
	h, err := broker.Request("user-1", "inv-1")
	if err != nil {
		t.Fatalf("Request 失败: %v", err)
	}

	broker.Cancel("user-1")

	select {
	case d := <-h.Done():
		if d.Approved() {
			t.Fatal("撤销应按拒绝处理")
		}
	case <-time.After(time.Second):
		t.Fatal("撤销裁决未送达")
	}
}

func TestCancelDeniesAllPending(t *testing.T) {
	broker := NewBroker()
	h1, err := broker.Request("user-1", "inv-1")
	if err != nil {
		t.Fatalf("Request 失败: %v", err)
	}
	h2, err := broker.Request("user-1", "inv-2")
	if err != nil {
		t.Fatalf("Request 失败: %v", err)
	}

	broker.Cancel("user-1")

	for _, h := range []*Handle{h1, h2} {
		select {
		case d := <-h.Done():
			if d.Approved() {
				t.Fatal("撤销应按拒绝处理")
			}
		case <-time.After(time.Second):
			t.Fatal("撤销裁决未送达")
		}
	}
	if broker.Pending("user-1") {
		t.Fatal("撤销后不应再有挂起审批")
	}
}
