package session

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// shardCount はレジストリのシャード数。
const shardCount = 32

// Registry はセッションIDから状態機械へのプロセス全体のマッピング。
// IDのハッシュでシャードに分割し、シャードごとのロックで保護する。
// 別セッションの作成・削除・参照が互いに直列化されない。
type Registry struct {
	shards [shardCount]*shard
}

type shard struct {
	mu       sync.RWMutex
	machines map[string]*Machine
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{machines: make(map[string]*Machine)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	return r.shards[xxhash.Sum64String(id)%shardCount]
}

// Add は状態機械を登録する。同じIDが既に存在する場合はエラーを返す。
func (r *Registry) Add(m *Machine) error {
	id := m.Session().ID
	s := r.shardFor(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.machines[id]; exists {
		return fmt.Errorf("session id already registered: %s", id)
	}
	s.machines[id] = m
	return nil
}

// Get はIDに対応する状態機械を返す。
func (r *Registry) Get(id string) (*Machine, bool) {
	s := r.shardFor(id)

	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.machines[id]
	return m, ok
}

// Remove はIDのエントリを削除する。登録されているのが指定の状態機械である場合のみ削除する。
func (r *Registry) Remove(m *Machine) bool {
	id := m.Session().ID
	s := r.shardFor(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.machines[id]; ok && cur == m {
		delete(s.machines, id)
		return true
	}
	return false
}

// Range はすべての状態機械に対してfnを呼ぶ。fnがfalseを返すと中断する。
// シャードごとにコピーを取ってからロック外で呼ぶため、fnの中でRegistryを操作してよい。
func (r *Registry) Range(fn func(m *Machine) bool) {
	for _, s := range r.shards {
		s.mu.RLock()
		machines := make([]*Machine, 0, len(s.machines))
		for _, m := range s.machines {
			machines = append(machines, m)
		}
		s.mu.RUnlock()

		for _, m := range machines {
			if !fn(m) {
				return
			}
		}
	}
}

// Len は登録されているセッション数を返す。
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.machines)
		s.mu.RUnlock()
	}
	return n
}
