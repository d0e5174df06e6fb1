package paxos

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryNetwork connects nodes running in the same process. Messages are
// encoded and decoded on the way so that nodes never share memory.
type MemoryNetwork struct {
	mu           sync.RWMutex
	handlers     map[NodeAddress]RPCHandler
	disconnected map[NodeAddress]bool
	delays       map[NodeAddress]time.Duration
}

type memoryTransport struct {
	network  *MemoryNetwork
	sourceId NodeId
	address  NodeAddress
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		handlers:     make(map[NodeAddress]RPCHandler),
		disconnected: make(map[NodeAddress]bool),
		delays:       make(map[NodeAddress]time.Duration),
	}
}

func (n *MemoryNetwork) Register(address NodeAddress, handler RPCHandler) {
	n.mu.Lock()
	n.handlers[address] = handler
	n.mu.Unlock()
}

// Disconnect makes all messages sent to or from an address fail.
func (n *MemoryNetwork) Disconnect(address NodeAddress) {
	n.mu.Lock()
	n.disconnected[address] = true
	n.mu.Unlock()
}

func (n *MemoryNetwork) Reconnect(address NodeAddress) {
	n.mu.Lock()
	delete(n.disconnected, address)
	n.mu.Unlock()
}

// SetDelay delays the handling of all messages sent to an address.
func (n *MemoryNetwork) SetDelay(address NodeAddress, delay time.Duration) {
	n.mu.Lock()
	n.delays[address] = delay
	n.mu.Unlock()
}

// Transport returns a transport sending messages on behalf of the node
// listening on address.
func (n *MemoryNetwork) Transport(sourceId NodeId, address NodeAddress) Transport {
	return &memoryTransport{
		network:  n,
		sourceId: sourceId,
		address:  address,
	}
}

func (n *MemoryNetwork) delay(address NodeAddress) time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.delays[address]
}

func (n *MemoryNetwork) handler(from, to NodeAddress) (RPCHandler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.disconnected[from] {
		return nil, fmt.Errorf("%s is disconnected", from)
	}

	if n.disconnected[to] {
		return nil, fmt.Errorf("%s is disconnected", to)
	}

	handler, found := n.handlers[to]
	if !found {
		return nil, fmt.Errorf("no node listening on %s", to)
	}

	return handler, nil
}

func (t *memoryTransport) Call(ctx context.Context, address NodeAddress, msg RPCMsg) (RPCMsg, error) {
	handler, err := t.network.handler(t.address, address)
	if err != nil {
		return nil, err
	}

	req, err := copyRPCMsg(msg)
	if err != nil {
		return nil, fmt.Errorf("cannot encode message: %w", err)
	}

	type result struct {
		msg RPCMsg
		err error
	}

	resultChan := make(chan result, 1)

	go func() {
		if delay := t.network.delay(address); delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()

			select {
			case <-ctx.Done():
				resultChan <- result{err: ctx.Err()}
				return
			case <-timer.C:
			}
		}

		resMsg, err := handler.HandleRPC(ctx, t.sourceId, req)
		if err != nil {
			// Errors do not cross the network: the caller only sees a
			// message, as with HTTP.
			err = fmt.Errorf("request to %s failed: %v", address, err)
		}

		resultChan <- result{msg: resMsg, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("cannot send %v to %s: %w", msg, address,
			ctx.Err())

	case r := <-resultChan:
		if r.err != nil {
			return nil, r.err
		}

		if _, err := t.network.handler(t.address, address); err != nil {
			return nil, err
		}

		return copyRPCMsg(r.msg)
	}
}

func copyRPCMsg(msg RPCMsg) (RPCMsg, error) {
	data, err := EncodeRPCMsg(msg)
	if err != nil {
		return nil, err
	}

	return DecodeRPCMsg(data)
}
