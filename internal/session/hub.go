package session

import (
	"sync"
	"sync/atomic"

	"github.com/hitoshi/breathwork/internal/model"
)

// DefaultStreamBuffer は購読者ごとのフレームバッファのデフォルトサイズ。
const DefaultStreamBuffer = 16

// Subscription はセッションのpushストリームに対するキャンセル可能な購読ハンドル。
// 配信は最大1回のベストエフォートで、バッファが埋まっている間のフレームは破棄される。
type Subscription struct {
	id      uint64
	hub     *Hub
	ch      chan model.StreamFrame
	dropped atomic.Uint64
}

// ID は購読の識別子を返す。ログ用。
func (s *Subscription) ID() uint64 {
	return s.id
}

// Frames はフレームを受信するチャネルを返す。
// 終端フレームの配信後、または購読解除後にクローズされる。
func (s *Subscription) Frames() <-chan model.StreamFrame {
	return s.ch
}

// Dropped はバックプレッシャーにより破棄されたフレーム数を返す。
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close は購読を解除し、購読枠を即座に解放する。複数回呼んでも安全。
func (s *Subscription) Close() {
	if s.hub != nil {
		s.hub.remove(s.id)
	}
}

// DropFunc はフレーム破棄時に呼ばれるコールバック。
// Hubのロックを保持したまま呼ばれるため、I/Oやブロックする処理を行ってはならない。
type DropFunc func(sub *Subscription, frame model.StreamFrame)

// Hub は1セッション分の購読者を管理し、フレームを非ブロッキングで配信する。
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
	final  *model.StreamFrame
	onDrop DropFunc
}

// NewHub は新しいHubを生成する。bufferが0以下の場合はデフォルト値を使用する。
func NewHub(buffer int, onDrop DropFunc) *Hub {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		onDrop: onDrop,
	}
}

// Subscribe は新しい購読を登録する。
// 既に終端フレームを配信済みのHubでは、終端フレームのみを含むクローズ済みの購読を返す。
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:  h.nextID,
		hub: h,
		ch:  make(chan model.StreamFrame, h.buffer),
	}

	if h.closed {
		if h.final != nil {
			sub.ch <- *h.final
		}
		close(sub.ch)
		return sub
	}

	h.subs[sub.id] = sub
	return sub
}

// Publish はすべての購読者にフレームを配信する。
// 送信はブロックせず、バッファが埋まっている購読者へのフレームは破棄する。
func (h *Hub) Publish(frame model.StreamFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for _, sub := range h.subs {
		select {
		case sub.ch <- frame:
		default:
			h.drop(sub, frame)
		}
	}
}

// Close は終端フレームを配信してすべての購読をクローズする。
// 終端フレームを優先するため、バッファが埋まっている購読者は最も古いフレームを1件捨てて空きを作る。
func (h *Hub) Close(final model.StreamFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	h.final = &final

	for id, sub := range h.subs {
		select {
		case sub.ch <- final:
		default:
			select {
			case evicted := <-sub.ch:
				h.drop(sub, evicted)
			default:
			}
			select {
			case sub.ch <- final:
			default:
				h.drop(sub, final)
			}
		}
		close(sub.ch)
		delete(h.subs, id)
	}
}

// Len は現在の購読者数を返す。
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
}

func (h *Hub) drop(sub *Subscription, frame model.StreamFrame) {
	sub.dropped.Add(1)
	if h.onDrop != nil {
		h.onDrop(sub, frame)
	}
}
