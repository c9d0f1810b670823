package fabric

import "container/list"

// receiptLRU caches serialized receipts by cMsgId so duplicate requests
// replay the original answer without re-executing the side effect.
type receiptLRU struct {
	cap   int
	order *list.List
	items map[string]*list.Element
}

type receiptEntry struct {
	key  string
	data []byte
}

func newReceiptLRU(cap int) *receiptLRU {
	return &receiptLRU{
		cap:   cap,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (l *receiptLRU) get(key string) ([]byte, bool) {
	el, ok := l.items[key]
	if !ok {
		return nil, false
	}
	l.order.MoveToFront(el)
	return el.Value.(*receiptEntry).data, true
}

func (l *receiptLRU) put(key string, data []byte) {
	if el, ok := l.items[key]; ok {
		el.Value.(*receiptEntry).data = data
		l.order.MoveToFront(el)
		return
	}
	l.items[key] = l.order.PushFront(&receiptEntry{key: key, data: data})
	if l.order.Len() > l.cap {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.items, oldest.Value.(*receiptEntry).key)
	}
}
