// =============================================================================
// 文件: internal/ltptimer/ltptimer_test.go
// =============================================================================
package ltptimer

import (
	"testing"
	"time"

	"github.com/mrcgq/ltp/internal/segment"
)

func key(session, serial uint64) Key {
	return Key{Session: segment.SessionID{EngineID: 1, Number: session}, Serial: serial}
}

func TestStartDuplicateFails(t *testing.T) {
	m := New(time.Second, nil)
	now := time.Unix(0, 0)
	if !m.Start(now, key(1, 1), "a") {
		t.Fatal("首次启动应成功")
	}
	if m.Start(now, key(1, 1), "b") {
		t.Fatal("重复键启动必须失败")
	}
	// 原数据不被覆盖
	ud, ok := m.Cancel(key(1, 1))
	if !ok || ud.(string) != "a" {
		t.Fatalf("Cancel = (%v, %v)", ud, ok)
	}
}

func TestCancelReturnsUserData(t *testing.T) {
	m := New(time.Second, nil)
	now := time.Unix(0, 0)
	m.Start(now, key(1, 7), 42)
	if m.Size() != 1 {
		t.Fatalf("Size = %d", m.Size())
	}
	ud, ok := m.Cancel(key(1, 7))
	if !ok || ud.(int) != 42 {
		t.Fatalf("Cancel = (%v, %v)", ud, ok)
	}
	if m.Size() != 0 {
		t.Fatalf("Size = %d", m.Size())
	}
	if _, ok := m.Cancel(key(1, 7)); ok {
		t.Fatal("重复取消应失败")
	}
}

func TestAdvanceFiresInInsertionOrder(t *testing.T) {
	var fired []uint64
	m := New(time.Second, func(k Key, ud interface{}) {
		fired = append(fired, k.Serial)
	})
	now := time.Unix(100, 0)
	// 同一时刻插入多个
	m.Start(now, key(1, 3), nil)
	m.Start(now, key(1, 1), nil)
	m.Start(now, key(1, 2), nil)

	m.Advance(now.Add(500 * time.Millisecond))
	if len(fired) != 0 {
		t.Fatalf("未到期不应触发: %v", fired)
	}
	m.Advance(now.Add(time.Second))
	if len(fired) != 3 || fired[0] != 3 || fired[1] != 1 || fired[2] != 2 {
		t.Fatalf("触发顺序 = %v, want [3 1 2]", fired)
	}
	if m.Size() != 0 {
		t.Fatalf("Size = %d", m.Size())
	}
}

func TestCancelledTimerDoesNotFire(t *testing.T) {
	var fired []uint64
	m := New(time.Second, func(k Key, ud interface{}) {
		fired = append(fired, k.Serial)
	})
	now := time.Unix(0, 0)
	m.Start(now, key(1, 1), nil)
	m.Start(now, key(1, 2), nil)
	m.Cancel(key(1, 1))
	m.Advance(now.Add(2 * time.Second))
	if len(fired) != 1 || fired[0] != 2 {
		t.Fatalf("fired = %v", fired)
	}
}

func TestRestartAfterCancel(t *testing.T) {
	var fired int
	m := New(time.Second, func(k Key, ud interface{}) { fired++ })
	now := time.Unix(0, 0)
	m.Start(now, key(1, 1), nil)
	m.Cancel(key(1, 1))
	// 同键重启必须可用，且只触发一次
	if !m.Start(now.Add(time.Millisecond), key(1, 1), nil) {
		t.Fatal("取消后重启应成功")
	}
	m.Advance(now.Add(5 * time.Second))
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestAdjustableDuration(t *testing.T) {
	var fired []uint64
	m := New(10*time.Second, func(k Key, ud interface{}) {
		fired = append(fired, k.Serial)
	})
	now := time.Unix(0, 0)
	m.Start(now, key(1, 1), nil)
	m.SetDuration(time.Second)
	m.Start(now, key(1, 2), nil)
	// 只有短时长的 2 到期
	m.Advance(now.Add(2 * time.Second))
	if len(fired) != 1 || fired[0] != 2 {
		t.Fatalf("fired = %v", fired)
	}
	m.Advance(now.Add(11 * time.Second))
	if len(fired) != 2 || fired[1] != 1 {
		t.Fatalf("fired = %v", fired)
	}
}

func TestCallbackMayStartNewTimer(t *testing.T) {
	now := time.Unix(0, 0)
	count := 0
	var m *Manager
	m = New(time.Second, func(k Key, ud interface{}) {
		count++
		if count == 1 {
			m.Start(now.Add(time.Second), key(1, 2), nil)
		}
	})
	m.Start(now, key(1, 1), nil)
	m.Advance(now.Add(time.Second))
	if count != 1 {
		t.Fatalf("首轮应只触发 1 个, got %d", count)
	}
	m.Advance(now.Add(3 * time.Second))
	if count != 2 {
		t.Fatalf("第二轮应触发新定时器, got %d", count)
	}
}
