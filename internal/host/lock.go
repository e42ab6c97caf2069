package host

import (
	"sync"
)

// keyedMutex serializes registration per server ID. Different IDs never contend.
type keyedMutex struct {
	locks sync.Map // serverID -> *sync.Mutex
}

// Lock acquires the lock of key. The caller must unlock the returned mutex.
func (k *keyedMutex) Lock(key string) *sync.Mutex {
	mutex, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	m := mutex.(*sync.Mutex)
	m.Lock()
	return m
}
