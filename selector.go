package xroute

import (
	"reflect"
	"sync"
)

// Selector decides whether an endpoint accepts a message.
type Selector interface {
	Accept(msg *Message) bool
}

// SelectorFunc lets a plain function satisfy Selector.
type SelectorFunc func(msg *Message) bool

func (f SelectorFunc) Accept(msg *Message) bool { return f(msg) }

// SelectorChain accepts a message only if every member accepts it. Members are
// consulted in order and evaluation stops at the first rejection. An empty chain
// accepts everything.
type SelectorChain struct {
	mu        sync.RWMutex
	selectors []Selector
}

func NewSelectorChain(selectors ...Selector) *SelectorChain {
	c := &SelectorChain{}
	for _, s := range selectors {
		c.Add(s)
	}
	return c
}

// Add appends s to the chain. It is safe to call while other goroutines evaluate it.
func (c *SelectorChain) Add(s Selector) {
	if s == nil {
		return
	}
	c.mu.Lock()
	next := make([]Selector, len(c.selectors), len(c.selectors)+1)
	copy(next, c.selectors)
	c.selectors = append(next, s)
	c.mu.Unlock()
}

func (c *SelectorChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.selectors)
}

func (c *SelectorChain) Accept(msg *Message) bool {
	c.mu.RLock()
	selectors := c.selectors
	c.mu.RUnlock()
	for _, s := range selectors {
		if !s.Accept(msg) {
			return false
		}
	}
	return true
}

// HeaderExists accepts messages carrying key.
func HeaderExists(key string) Selector {
	return SelectorFunc(func(msg *Message) bool {
		_, ok := msg.Header(key)
		return ok
	})
}

// HeaderEquals accepts messages whose key header equals value.
func HeaderEquals(key string, value any) Selector {
	return SelectorFunc(func(msg *Message) bool {
		v, ok := msg.Header(key)
		return ok && reflect.DeepEqual(v, value)
	})
}

// PayloadIs accepts messages whose payload holds a T.
func PayloadIs[T any]() Selector {
	return SelectorFunc(func(msg *Message) bool {
		_, ok := PayloadAs[T](msg)
		return ok
	})
}

// Not inverts s.
func Not(s Selector) Selector {
	return SelectorFunc(func(msg *Message) bool { return !s.Accept(msg) })
}
