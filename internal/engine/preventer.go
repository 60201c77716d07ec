// =============================================================================
// 文件: internal/engine/preventer.go
// 描述: 会话复活防护 - 记忆最近关闭的会话标识 (有界 FIFO)，
// 迟到/陈旧的数据段不得重新创建接收会话；
// 布隆过滤器作为"确定没见过"的前置快速判定
// =============================================================================
package engine

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/mrcgq/ltp/internal/segment"
)

// sessionRecreationPreventer 有界 FIFO + 精确集合。布隆过滤器只做前置
// 排除：Test 为假则必然未见过；为真时仍以精确集合裁决，误报不会外泄。
type sessionRecreationPreventer struct {
	capacity  int
	seen      map[segment.SessionID]struct{}
	queue     []segment.SessionID
	nextIndex int
	full      bool

	filter     *bloom.BloomFilter
	filterAdds int
}

// newSessionRecreationPreventer capacity 为 0 时防护关闭
func newSessionRecreationPreventer(capacity int) *sessionRecreationPreventer {
	if capacity <= 0 {
		return nil
	}
	return &sessionRecreationPreventer{
		capacity: capacity,
		seen:     make(map[segment.SessionID]struct{}, capacity),
		queue:    make([]segment.SessionID, 0, capacity),
		filter:   bloom.NewWithEstimates(uint(capacity), 0.001),
	}
}

func sessionKey(sid segment.SessionID) []byte {
	var key [16]byte
	binary.BigEndian.PutUint64(key[0:8], sid.EngineID)
	binary.BigEndian.PutUint64(key[8:16], sid.Number)
	return key[:]
}

// Add 记录一个刚关闭的会话。已在册时返回 false。
func (p *sessionRecreationPreventer) Add(sid segment.SessionID) bool {
	if p == nil {
		return false
	}
	if _, exists := p.seen[sid]; exists {
		return false
	}
	if p.full {
		// 覆盖最老的表项
		old := p.queue[p.nextIndex]
		delete(p.seen, old)
		p.queue[p.nextIndex] = sid
		p.nextIndex++
		if p.nextIndex == p.capacity {
			p.nextIndex = 0
		}
	} else {
		p.queue = append(p.queue, sid)
		if len(p.queue) == p.capacity {
			p.full = true
		}
	}
	p.seen[sid] = struct{}{}
	p.addToFilter(sid)
	return true
}

// Contains 会话是否在最近关闭集合中
func (p *sessionRecreationPreventer) Contains(sid segment.SessionID) bool {
	if p == nil {
		return false
	}
	if !p.filter.Test(sessionKey(sid)) {
		return false
	}
	_, exists := p.seen[sid]
	return exists
}

// addToFilter 布隆过滤器不支持删除，写入量超过两倍容量时用精确集合重建
func (p *sessionRecreationPreventer) addToFilter(sid segment.SessionID) {
	if p.filterAdds >= 2*p.capacity {
		p.filter.ClearAll()
		p.filterAdds = 0
		for old := range p.seen {
			p.filter.Add(sessionKey(old))
			p.filterAdds++
		}
		return
	}
	p.filter.Add(sessionKey(sid))
	p.filterAdds++
}
