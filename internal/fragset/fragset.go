// =============================================================================
// 文件: internal/fragset/fragset.go
// 描述: 片段集合 - 有序的闭区间 [begin,end] 集合，维持不重叠且不相邻的不变式，
// 支撑选择性确认的接收声明与缺口计算
// =============================================================================
package fragset

import "sort"

// Fragment 闭区间 [Begin, End]，字节粒度
type Fragment struct {
	Begin uint64
	End   uint64
}

// Overlaps 是否与 o 重叠
func (f Fragment) Overlaps(o Fragment) bool {
	return f.Begin <= o.End && o.Begin <= f.End
}

// Abuts 是否与 o 相邻 (紧贴但不重叠)
func (f Fragment) Abuts(o Fragment) bool {
	return f.End+1 == o.Begin || o.End+1 == f.Begin
}

// Covers 单点是否落在区间内
func (f Fragment) Covers(x uint64) bool {
	return f.Begin <= x && x <= f.End
}

// Set 片段集合。内部为按 Begin 升序的切片；任意两元素既不重叠也不相邻。
// 区间数通常很小 (缺口个数量级)，切片加二分查找即可满足 O(log n + k)。
type Set struct {
	frags []Fragment
}

// New 创建空集合
func New() *Set {
	return &Set{}
}

// Size 区间个数
func (s *Set) Size() int {
	return len(s.frags)
}

// Fragments 按序返回内部区间 (只读视图)
func (s *Set) Fragments() []Fragment {
	return s.frags
}

// lowerBound 返回第一个 End >= begin 的下标
func (s *Set) lowerBound(begin uint64) int {
	return sort.Search(len(s.frags), func(i int) bool {
		return s.frags[i].End >= begin
	})
}

// Insert 插入区间并与所有重叠或相邻的区间合并。集合发生变化时返回 true。
func (s *Set) Insert(key Fragment) bool {
	if key.Begin > key.End {
		return false
	}
	// 第一个可能合并的区间：End+1 >= key.Begin (允许相邻)
	i := sort.Search(len(s.frags), func(i int) bool {
		return s.frags[i].End+1 >= key.Begin
	})
	if i == len(s.frags) || (key.End+1 < s.frags[i].Begin && !key.Overlaps(s.frags[i])) {
		// 无重叠无相邻，原位插入
		s.frags = append(s.frags, Fragment{})
		copy(s.frags[i+1:], s.frags[i:])
		s.frags[i] = key
		return true
	}
	// 与 [i, j) 范围内的区间合并
	if s.frags[i].Begin <= key.Begin && key.End <= s.frags[i].End {
		return false // 完全被既有区间覆盖
	}
	merged := key
	j := i
	for j < len(s.frags) && (merged.Overlaps(s.frags[j]) || merged.Abuts(s.frags[j])) {
		if s.frags[j].Begin < merged.Begin {
			merged.Begin = s.frags[j].Begin
		}
		if s.frags[j].End > merged.End {
			merged.End = s.frags[j].End
		}
		j++
	}
	s.frags[i] = merged
	s.frags = append(s.frags[:i+1], s.frags[j:]...)
	return true
}

// Remove 从集合中减去区间，可能截断或把一个区间一分为二。集合变化时返回 true。
func (s *Set) Remove(key Fragment) bool {
	if key.Begin > key.End {
		return false
	}
	modified := false
	i := s.lowerBound(key.Begin)
	for i < len(s.frags) {
		cur := s.frags[i]
		if key.End < cur.Begin {
			break
		}
		switch {
		case key.Begin <= cur.Begin && key.End >= cur.End:
			// 整个区间被删除
			s.frags = append(s.frags[:i], s.frags[i+1:]...)
			modified = true
		case key.Begin > cur.Begin && key.End < cur.End:
			// 区间从中间断开
			left := Fragment{cur.Begin, key.Begin - 1}
			right := Fragment{key.End + 1, cur.End}
			s.frags = append(s.frags, Fragment{})
			copy(s.frags[i+1:], s.frags[i:])
			s.frags[i] = left
			s.frags[i+1] = right
			return true
		case key.Begin <= cur.Begin:
			// 截掉左边
			s.frags[i] = Fragment{key.End + 1, cur.End}
			modified = true
			i++
		default:
			// 截掉右边
			s.frags[i] = Fragment{cur.Begin, key.Begin - 1}
			modified = true
			i++
		}
	}
	return modified
}

// ContainsEntirely 是否存在单个区间完整覆盖 key
func (s *Set) ContainsEntirely(key Fragment) bool {
	i := s.lowerBound(key.Begin)
	if i == len(s.frags) {
		return false
	}
	cur := s.frags[i]
	return cur.Begin <= key.Begin && key.End <= cur.End
}

// Covers 单点是否被覆盖
func (s *Set) Covers(x uint64) bool {
	return s.ContainsEntirely(Fragment{x, x})
}

// Clear 清空集合
func (s *Set) Clear() {
	s.frags = s.frags[:0]
}

// Clone 深拷贝
func (s *Set) Clone() *Set {
	c := &Set{frags: make([]Fragment, len(s.frags))}
	copy(c.frags, s.frags)
	return c
}

// BoundsMinus 计算 outer 中未被 set 覆盖的缺口，按序返回。
// 实现为：把 outer 放入草稿集合，再逐一 Remove set 的区间。
func BoundsMinus(outer Fragment, set *Set) []Fragment {
	scratch := New()
	scratch.Insert(outer)
	for _, f := range set.frags {
		scratch.Remove(f)
	}
	gaps := make([]Fragment, len(scratch.frags))
	copy(gaps, scratch.frags)
	return gaps
}
