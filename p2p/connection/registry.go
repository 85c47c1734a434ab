// Copyright 2024 The nodemesh Authors
// This file is part of the nodemesh library.
//
// The nodemesh library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nodemesh library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nodemesh library. If not, see <http://www.gnu.org/licenses/>.

package connection

import "net"

// Registry tracks live channels. It is injected into the components that create
// channels.
type Registry interface {
	// AddChannel admits a freshly attached channel. A non-nil error refuses it and
	// the caller closes the channel.
	AddChannel(ch *Channel) error

	// ProcessDisconnect is called once when a channel is disconnected.
	ProcessDisconnect(ch *Channel, code DisconnectCode)

	// TriggerConnect is called when an outbound dial to addr failed.
	TriggerConnect(addr *net.TCPAddr)
}

// Handler processes inbound frames. A returned error closes the channel.
type Handler interface {
	HandleMessage(ch *Channel, frame []byte) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ch *Channel, frame []byte) error

func (f HandlerFunc) HandleMessage(ch *Channel, frame []byte) error { return f(ch, frame) }
