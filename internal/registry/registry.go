// Package registry — типизированный реестр реализаций по ключу.
//
// Используется для шагов, фасилитаторов, адвайзеров и измерений
// таймаутов. Реестр наполняется при старте процесса и затем
// замораживается (Freeze): после этого регистрация невозможна,
// а чтение не требует записи под блокировкой.
//
// Повторная регистрация того же ключа — ошибка конфигурации
// (ErrDuplicateRegistration). Обращение к незарегистрированному
// ключу — ErrUnregisteredKey.
package registry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Ошибки реестра.
var (
	// ErrDuplicateRegistration — ключ уже зарегистрирован.
	ErrDuplicateRegistration = errors.New("duplicate registration")

	// ErrUnregisteredKey — обращение к незарегистрированному ключу.
	ErrUnregisteredKey = errors.New("unregistered key")

	// ErrFrozen — регистрация после заморозки реестра.
	ErrFrozen = errors.New("registry is frozen")
)

// Registry — потокобезопасный реестр значений V по ключу K.
type Registry[K cmp.Ordered, V any] struct {
	name   string
	mu     sync.RWMutex
	items  map[K]V
	frozen bool
}

// New создаёт пустой реестр. name используется в текстах ошибок.
func New[K cmp.Ordered, V any](name string) *Registry[K, V] {
	return &Registry[K, V]{
		name:  name,
		items: make(map[K]V),
	}
}

// Register добавляет значение.
// Возвращает ErrDuplicateRegistration, если ключ уже занят.
func (r *Registry[K, V]) Register(key K, value V) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("%s: %w: %v", r.name, ErrFrozen, key)
	}
	if _, exists := r.items[key]; exists {
		return fmt.Errorf("%s: %w: %v", r.name, ErrDuplicateRegistration, key)
	}
	r.items[key] = value
	return nil
}

// MustRegister — Register, паникующий при ошибке.
// Для регистрации встроенных реализаций при старте.
func (r *Registry[K, V]) MustRegister(key K, value V) {
	if err := r.Register(key, value); err != nil {
		panic(err)
	}
}

// Get возвращает значение по ключу.
func (r *Registry[K, V]) Get(key K) (V, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.items[key]
	if !ok {
		var zero V
		return zero, fmt.Errorf("%s: %w: %v", r.name, ErrUnregisteredKey, key)
	}
	return v, nil
}

// Has проверяет, зарегистрирован ли ключ.
func (r *Registry[K, V]) Has(key K) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.items[key]
	return ok
}

// Keys возвращает отсортированный список ключей.
func (r *Registry[K, V]) Keys() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]K, 0, len(r.items))
	for k := range r.items {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Len возвращает количество зарегистрированных значений.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Freeze запрещает дальнейшую регистрацию.
func (r *Registry[K, V]) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen возвращает true, если реестр заморожен.
func (r *Registry[K, V]) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}
