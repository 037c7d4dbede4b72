// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package channel provides the implemention of channel-based data-link layer
// endpoints. Such endpoints allow injection of inbound frames and store
// outbound frames in a channel.
package channel

import (
	"context"
	"sync"

	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/stack"
)

// PacketInfo holds all the information about an outbound frame.
type PacketInfo struct {
	// Frame is the complete Ethernet frame. It is owned by the reader.
	Frame []byte

	// Proto is the EtherType of the frame.
	Proto tcpip.NetworkProtocolNumber
}

// Payload returns the frame without its Ethernet header.
func (p PacketInfo) Payload() []byte {
	if len(p.Frame) < header.EthernetMinimumSize {
		return nil
	}
	return p.Frame[header.EthernetMinimumSize:]
}

// Notification is the interface for receiving notification from the packet
// queue.
type Notification interface {
	// WriteNotify will be called when a write happens to the queue. It runs
	// with the writing stack's lock held and must not call into that stack.
	WriteNotify()
}

// NotificationHandle is an opaque handle to the registered notification target.
// It can be used to unregister the notification when no longer interested.
type NotificationHandle struct {
	n Notification
}

type queue struct {
	// c is the outbound packet channel.
	c chan PacketInfo
	// mu protects fields below.
	mu     sync.RWMutex
	notify []*NotificationHandle
}

func (q *queue) Close() {
	close(q.c)
}

func (q *queue) Read() (PacketInfo, bool) {
	select {
	case p := <-q.c:
		return p, true
	default:
		return PacketInfo{}, false
	}
}

func (q *queue) ReadContext(ctx context.Context) (PacketInfo, bool) {
	select {
	case pkt := <-q.c:
		return pkt, true
	case <-ctx.Done():
		return PacketInfo{}, false
	}
}

func (q *queue) Write(p PacketInfo) bool {
	wrote := false
	select {
	case q.c <- p:
		wrote = true
	default:
	}
	q.mu.RLock()
	notify := q.notify
	q.mu.RUnlock()

	if wrote {
		// Send notification outside of lock.
		for _, h := range notify {
			h.n.WriteNotify()
		}
	}
	return wrote
}

func (q *queue) Num() int {
	return len(q.c)
}

func (q *queue) AddNotify(notify Notification) *NotificationHandle {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := &NotificationHandle{n: notify}
	q.notify = append(q.notify, h)
	return h
}

func (q *queue) RemoveNotify(handle *NotificationHandle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// Make a copy, since we reads the array outside of lock when notifying.
	notify := make([]*NotificationHandle, 0, len(q.notify))
	for _, h := range q.notify {
		if h != handle {
			notify = append(notify, h)
		}
	}
	q.notify = notify
}

// Endpoint is link layer endpoint that stores outbound frames in a channel
// and allows injection of inbound frames.
type Endpoint struct {
	mu         sync.Mutex
	dispatcher stack.NetworkDispatcher
	mtu        uint32
	linkAddr   tcpip.LinkAddress
	filter     []tcpip.LinkAddress

	// Outbound packet queue.
	q *queue
}

var _ stack.LinkEndpoint = (*Endpoint)(nil)
var _ stack.MulticastFilterer = (*Endpoint)(nil)

// New creates a new channel endpoint. Frames written while size frames are
// queued are dropped, as by a full transmit ring.
func New(size int, mtu uint32, linkAddr tcpip.LinkAddress) *Endpoint {
	return &Endpoint{
		q: &queue{
			c: make(chan PacketInfo, size),
		},
		mtu:      mtu,
		linkAddr: linkAddr,
	}
}

// Close closes e. Further writes will panic. Reads continue to succeed until
// all frames are read.
func (e *Endpoint) Close() {
	e.q.Close()
}

// Read does non-blocking read one frame from the outbound queue.
func (e *Endpoint) Read() (PacketInfo, bool) {
	return e.q.Read()
}

// ReadContext does blocking read for one frame from the outbound queue.
// It can be cancelled by ctx, and in this case, it returns false.
func (e *Endpoint) ReadContext(ctx context.Context) (PacketInfo, bool) {
	return e.q.ReadContext(ctx)
}

// Drain removes all outbound frames from the channel and counts them.
func (e *Endpoint) Drain() int {
	c := 0
	for {
		if _, ok := e.Read(); !ok {
			return c
		}
		c++
	}
}

// NumQueued returns the number of frames queued for outbound.
func (e *Endpoint) NumQueued() int {
	return e.q.Num()
}

// InjectInbound injects an inbound frame. It must not be called with the
// receiving stack's lock held.
func (e *Endpoint) InjectInbound(frame []byte) {
	e.mu.Lock()
	d := e.dispatcher
	e.mu.Unlock()
	if d != nil {
		d.DeliverFrame(frame)
	}
}

// InjectPacket frames payload with an Ethernet header addressed to the
// endpoint and injects it.
func (e *Endpoint) InjectPacket(src tcpip.LinkAddress, proto tcpip.NetworkProtocolNumber, payload []byte) {
	frame := make([]byte, header.EthernetMinimumSize+len(payload))
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: src,
		DstAddr: e.LinkAddress(),
		Type:    proto,
	})
	copy(frame[header.EthernetMinimumSize:], payload)
	e.InjectInbound(frame)
}

// Attach saves the stack network-layer dispatcher for use later when frames
// are injected.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = dispatcher
}

// IsAttached reports whether a stack is attached.
func (e *Endpoint) IsAttached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatcher != nil
}

// MTU implements stack.LinkEndpoint.MTU. It returns the value initialized
// during construction.
func (e *Endpoint) MTU() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mtu
}

// SetMTU sets the MTU. It is picked up by routes found afterwards.
func (e *Endpoint) SetMTU(mtu uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mtu = mtu
}

// LinkAddress returns the link address of this endpoint.
func (e *Endpoint) LinkAddress() tcpip.LinkAddress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.linkAddr
}

// SetLinkAddress sets the link address of this endpoint.
func (e *Endpoint) SetLinkAddress(addr tcpip.LinkAddress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.linkAddr = addr
}

// WriteFrame stores a copy of an outbound frame into the channel.
func (e *Endpoint) WriteFrame(frame []byte) *tcpip.Error {
	var proto tcpip.NetworkProtocolNumber
	if len(frame) >= header.EthernetMinimumSize {
		proto = header.Ethernet(frame).Type()
	}
	e.q.Write(PacketInfo{
		Frame: append([]byte(nil), frame...),
		Proto: proto,
	})
	return nil
}

// SetMulticastFilter implements stack.MulticastFilterer.
func (e *Endpoint) SetMulticastFilter(addrs []tcpip.LinkAddress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filter = append([]tcpip.LinkAddress(nil), addrs...)
}

// MulticastFilter returns the multicast addresses last programmed by the
// stack.
func (e *Endpoint) MulticastFilter() []tcpip.LinkAddress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]tcpip.LinkAddress(nil), e.filter...)
}

// AddNotify adds a notification target for receiving event about outgoing
// frames.
func (e *Endpoint) AddNotify(notify Notification) *NotificationHandle {
	return e.q.AddNotify(notify)
}

// RemoveNotify removes handle from the list of notification targets.
func (e *Endpoint) RemoveNotify(handle *NotificationHandle) {
	e.q.RemoveNotify(handle)
}
