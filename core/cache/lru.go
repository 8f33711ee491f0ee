package cache

import "container/list"

const defaultLRUSize = 128

type lruEntry struct {
	key string
	val any
}

type lruGet struct {
	key  string
	resp chan lruResp
}

type lruResp struct {
	val any
	ok  bool
}

type lruPut struct {
	key string
	val any
}

type lruDel struct {
	key string
}

// LRU is a fixed-size cache with least-recently-used eviction. All access is
// funneled through a single goroutine, so no locking is needed.
type LRU struct {
	getCh chan lruGet
	putCh chan lruPut
	delCh chan lruDel
}

// NewLRU creates an LRU cache holding at most size entries.
func NewLRU(size int) *LRU {
	if size <= 0 {
		size = defaultLRUSize
	}
	l := &LRU{
		getCh: make(chan lruGet),
		putCh: make(chan lruPut),
		delCh: make(chan lruDel),
	}
	go l.run(size)
	return l
}

func (l *LRU) Get(key string) (any, bool) {
	resp := make(chan lruResp, 1)
	l.getCh <- lruGet{key: key, resp: resp}
	r := <-resp
	return r.val, r.ok
}

func (l *LRU) Put(key string, val any) {
	l.putCh <- lruPut{key: key, val: val}
}

func (l *LRU) Delete(key string) {
	l.delCh <- lruDel{key: key}
}

func (l *LRU) run(size int) {
	ll := list.New()
	idx := make(map[string]*list.Element)

	for {
		select {
		case req := <-l.getCh:
			if ele, ok := idx[req.key]; ok {
				ll.MoveToFront(ele)
				req.resp <- lruResp{val: ele.Value.(*lruEntry).val, ok: true}
			} else {
				req.resp <- lruResp{}
			}
		case req := <-l.putCh:
			if ele, ok := idx[req.key]; ok {
				ll.MoveToFront(ele)
				ele.Value.(*lruEntry).val = req.val
				continue
			}
			idx[req.key] = ll.PushFront(&lruEntry{key: req.key, val: req.val})
			if ll.Len() > size {
				last := ll.Back()
				if last != nil {
					ll.Remove(last)
					delete(idx, last.Value.(*lruEntry).key)
				}
			}
		case req := <-l.delCh:
			if ele, ok := idx[req.key]; ok {
				ll.Remove(ele)
				delete(idx, req.key)
			}
		}
	}
}

var _ Cache = (*LRU)(nil)
