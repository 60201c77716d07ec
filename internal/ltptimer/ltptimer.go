// =============================================================================
// 文件: internal/ltptimer/ltptimer.go
// 描述: 倒计时管理器 - 按 (会话, 序列号) 键管理到期回调，
// 基准时长为一个往返 (2×单程光行时间 + 2×单程裕量)，插入顺序稳定
// =============================================================================
package ltptimer

import (
	"sort"
	"time"

	"github.com/mrcgq/ltp/internal/segment"
)

// Key 定时器键：会话标识加序列号
type Key struct {
	Session segment.SessionID
	Serial  uint64
}

// ExpiredCallback 到期回调，携带启动时存入的用户数据
type ExpiredCallback func(key Key, userData interface{})

type entry struct {
	key       Key
	deadline  time.Time
	userData  interface{}
	cancelled bool
}

// Manager 单线程定时器集合。不自行调度闹钟，由引擎在自己的节拍里调用 Advance。
type Manager struct {
	duration  time.Duration
	onExpired ExpiredCallback
	active    map[Key]*entry
	order     []*entry // 插入顺序；到期判定逐项扫描，时长可调时顺序仍稳定
}

// New 创建管理器。duration 为基准倒计时时长。
func New(duration time.Duration, onExpired ExpiredCallback) *Manager {
	return &Manager{
		duration:  duration,
		onExpired: onExpired,
		active:    make(map[Key]*entry),
	}
}

// RoundTripDuration 由单程光行时间与裕量计算基准时长 (往返加松弛)
func RoundTripDuration(oneWayLightTime, oneWayMargin time.Duration) time.Duration {
	return 2*oneWayLightTime + 2*oneWayMargin
}

// SetDuration 调整基准时长，只影响之后启动的定时器
func (m *Manager) SetDuration(d time.Duration) {
	m.duration = d
}

// Duration 当前基准时长
func (m *Manager) Duration() time.Duration {
	return m.duration
}

// Start 启动定时器。键已存在时必须失败且不覆盖，返回 false。
func (m *Manager) Start(now time.Time, key Key, userData interface{}) bool {
	if _, exists := m.active[key]; exists {
		return false
	}
	e := &entry{key: key, deadline: now.Add(m.duration), userData: userData}
	m.active[key] = e
	m.order = append(m.order, e)
	return true
}

// Cancel 取消定时器，返回存入的用户数据。不存在时返回 (nil, false)。
func (m *Manager) Cancel(key Key) (interface{}, bool) {
	e, exists := m.active[key]
	if !exists {
		return nil, false
	}
	delete(m.active, key)
	e.cancelled = true
	return e.userData, true
}

// Contains 键是否在册
func (m *Manager) Contains(key Key) bool {
	_, exists := m.active[key]
	return exists
}

// Size 在册定时器个数 (停滞会话检测用)
func (m *Manager) Size() int {
	return len(m.active)
}

// Advance 触发所有到期 (deadline <= now) 的定时器，同刻者按插入顺序交付。
// 回调内允许再次 Start/Cancel；新启动的定时器不会在本次 Advance 中触发。
func (m *Manager) Advance(now time.Time) {
	if len(m.order) == 0 {
		return
	}
	var fired []*entry
	kept := m.order[:0]
	for _, e := range m.order {
		switch {
		case e.cancelled:
			// 懒删除
		case !e.deadline.After(now):
			delete(m.active, e.key)
			fired = append(fired, e)
		default:
			kept = append(kept, e)
		}
	}
	m.order = kept
	sort.SliceStable(fired, func(i, j int) bool {
		return fired[i].deadline.Before(fired[j].deadline)
	})
	for _, e := range fired {
		if m.onExpired != nil {
			m.onExpired(e.key, e.userData)
		}
	}
}
