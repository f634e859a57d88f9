// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"sync"

	"github.com/petermattis/goid"
)

// ReentryLock is a mutex that the owning goroutine may acquire again
// without deadlocking.
type ReentryLock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner int64
	depth uint64
}

func NewReentryLock() *ReentryLock {
	lock := &ReentryLock{}
	lock.cond = sync.NewCond(&lock.mu)
	return lock
}

func (lock *ReentryLock) Lock() {
	rid := goid.Get()
	lock.mu.Lock()
	defer lock.mu.Unlock()
	if lock.owner == rid {
		lock.depth++
		return
	}
	for lock.owner != 0 {
		lock.cond.Wait()
	}
	lock.owner = rid
	lock.depth = 1
}

func (lock *ReentryLock) Unlock() {
	rid := goid.Get()
	lock.mu.Lock()
	defer lock.mu.Unlock()
	if lock.depth == 0 || lock.owner != rid {
		panic("unlock of unlocked mutex")
	}
	lock.depth--
	if lock.depth == 0 {
		lock.owner = 0
		lock.cond.Signal()
	}
}

var _ sync.Locker = (*ReentryLock)(nil)
