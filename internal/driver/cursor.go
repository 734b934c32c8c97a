package driver

import "sync"

// BlockCursor is the last block seen on the current network.
type BlockCursor struct {
	mu        sync.RWMutex
	networkID int
	block     uint64
}

// Advance moves the cursor to block and reports whether block was new.
func (c *BlockCursor) Advance(block uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if block <= c.block {
		return false
	}
	c.block = block
	return true
}

// Block returns the cursor position.
func (c *BlockCursor) Block() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.block
}

// NetworkID returns the network the cursor belongs to.
func (c *BlockCursor) NetworkID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.networkID
}

// Reset rebinds the cursor to a network at block.
func (c *BlockCursor) Reset(networkID int, block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.networkID = networkID
	c.block = block
}
