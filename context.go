package gozkgrid

import "sync"

// Context is a grab bag the host can attach to a Discovery instance and
// read back from inside its listener.
type Context struct {
	data map[string]interface{}
	sync.RWMutex
}

func NewContext() *Context {
	return &Context{
		data: make(map[string]interface{}),
	}
}

func (c *Context) Set(key string, value interface{}) {
	c.Lock()
	c.data[key] = value
	c.Unlock()
}

func (c *Context) Get(key string) interface{} {
	c.RLock()
	defer c.RUnlock()

	v, ok := c.data[key]
	if !ok {
		return nil
	}
	return v
}
