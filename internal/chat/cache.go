package chat

import (
	"sync"
	"time"
)

type controllerEntry struct {
	controller   *Controller
	lastAccessed time.Time
}

// ControllerCache keeps one controller per (user, app) pair, evicting the
// least recently used idle entry when full. Controllers with an active
// generation are never evicted, so Cancel stays reachable.
type ControllerCache struct {
	lock    sync.Mutex
	entries map[string]*controllerEntry
	maxSize int
}

func NewControllerCache(maxSize int) *ControllerCache {
	return &ControllerCache{
		entries: make(map[string]*controllerEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get returns the cached controller for the key, building a new one via
// build when absent.
func (cache *ControllerCache) Get(userID, appType string, build func() (*Controller, error)) (*Controller, error) {
	key := userID + "\x00" + appType

	cache.lock.Lock()
	defer cache.lock.Unlock()

	if entry, exists := cache.entries[key]; exists {
		entry.lastAccessed = time.Now()
		return entry.controller, nil
	}

	if len(cache.entries) >= cache.maxSize {
		oldestKey := ""
		var oldestTime time.Time
		for k, entry := range cache.entries {
			if entry.controller.IsGenerating() {
				continue
			}
			if oldestKey == "" || entry.lastAccessed.Before(oldestTime) {
				oldestKey = k
				oldestTime = entry.lastAccessed
			}
		}
		if oldestKey != "" {
			delete(cache.entries, oldestKey)
		}
	}

	controller, err := build()
	if err != nil {
		return nil, err
	}
	cache.entries[key] = &controllerEntry{
		controller:   controller,
		lastAccessed: time.Now(),
	}
	return controller, nil
}
