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

import (
	"github.com/nodemesh/nodemesh/common/mclock"
	"github.com/nodemesh/nodemesh/p2p/connection/message"
)

func (m *Manager) keepAliveLoop() {
	defer m.wg.Done()
	for {
		select {
		case now := <-m.clock.After(m.cfg.PingInterval):
			m.checkKeepAlive(now)
		case <-m.quit:
			return
		}
	}
}

// checkKeepAlive pings channels that have been idle for the ping interval and
// disconnects those that left a ping unanswered for longer than the ping timeout.
func (m *Manager) checkKeepAlive(now mclock.AbsTime) {
	for _, ch := range m.Channels() {
		if ch.IsDisconnect() {
			continue
		}
		if sent := mclock.AbsTime(ch.pingSent.Load()); sent != 0 {
			if now.Sub(sent) > m.cfg.PingTimeout {
				m.log.Warn("Peer did not answer ping", "peer", ch.RemoteAddr(), "timeout", m.cfg.PingTimeout)
				ch.Disconnect(DisconnectPingTimeout)
			}
			continue
		}
		if now.Sub(ch.LastSendTime()) > m.cfg.PingInterval {
			ch.pingSent.Store(int64(now))
			ch.Send(message.NewPing().Data())
		}
	}
}

func (m *Manager) handleKeepAlive(ch *Channel, msg message.Message) {
	switch msg.Type() {
	case message.KeepAlivePing:
		ch.Send(message.NewPong().Data())
	case message.KeepAlivePong:
		if sent := ch.pingSent.Swap(0); sent != 0 {
			ch.latency.Store(int64(m.clock.Now().Sub(mclock.AbsTime(sent))))
		}
	}
}
