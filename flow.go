package onion

// Flow control. A DATA cell is charged to the circuit window and then to its
// stream's window, in both directions. Received cells may trigger SENDMEs;
// cells that cannot be sent wait in their stream's queue, and streams held
// back only by the circuit window wait in circBlocked in arrival order.

const (
	scopeCircuit = "circuit"
	scopeStream  = "stream"
)

func (c *Circuit) handleDataLocked(msg RelayMessage, origin int, digest []byte) {
	sendme, err := c.recvWindow.consumeReceive()
	if err != nil {
		c.logger.Warn().Err(err).Uint16("streamID", msg.StreamID).Msg("dropping DATA cell")
		c.metrics.cellDropped(dropFlowControl)
		return
	}
	if sendme {
		c.sendSendmeLocked(0, origin, BuildSendme(digest))
		if c.state == CircuitClosed {
			return
		}
	}

	s := c.streams[msg.StreamID]
	if s == nil || s.state == StreamPending || s.state == StreamClosed {
		c.dropStreamCellLocked(msg, s)
		return
	}

	sendme, err = s.recvWindow.consumeReceive()
	if err != nil {
		c.logger.Warn().Err(err).Uint16("streamID", s.id).Msg("dropping DATA cell")
		c.metrics.cellDropped(dropFlowControl)
		return
	}
	if sendme {
		c.sendSendmeLocked(s.id, s.hop, nil)
		if c.state == CircuitClosed {
			return
		}
	}

	if c.cb.OnStreamData != nil {
		data := msg.Data
		c.emit(func() { c.cb.OnStreamData(s, data) })
		return
	}
	if !s.bufferLocked(msg.Data) {
		c.logger.Warn().
			Uint16("streamID", s.id).
			Int("len", len(msg.Data)).
			Int("buffered", s.bufferedLocked()).
			Msg("receive buffer full, dropping DATA cell")
		c.metrics.cellDropped(dropBufferFull)
	}
}

// sendSendmeLocked emits a SENDME. Circuit SENDMEs (streamID 0) go to the hop
// that originated the triggering cell.
func (c *Circuit) sendSendmeLocked(streamID uint16, target int, body []byte) {
	cell, err := Pack(RelaySendme, streamID, body)
	if err != nil {
		c.failLocked(err)
		return
	}
	if err := c.sendRelayLocked(cell, target); err != nil {
		return
	}
	scope := scopeStream
	if streamID == 0 {
		scope = scopeCircuit
	}
	c.metrics.sendmeSent(scope)
	c.logger.Debug().Str("scope", scope).Uint16("streamID", streamID).Int("hop", target).Msg("sent SENDME")
}

func (c *Circuit) handleSendmeLocked(msg RelayMessage) {
	if msg.StreamID == 0 {
		if _, _, err := ParseSendme(msg.Data); err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed circuit SENDME")
			c.metrics.cellDropped(dropFlowControl)
			return
		}
		c.metrics.sendmeReceived(scopeCircuit)
		if err := c.sendWindow.replenishSend(); err != nil {
			c.logger.Warn().Err(err).Msg("ignoring circuit SENDME")
			c.metrics.cellDropped(dropFlowControl)
			return
		}
		c.drainCircuitBlockedLocked()
		return
	}

	s := c.streams[msg.StreamID]
	if s == nil || s.state == StreamClosed {
		c.dropStreamCellLocked(msg, s)
		return
	}
	c.metrics.sendmeReceived(scopeStream)
	if err := s.sendWindow.replenishSend(); err != nil {
		c.logger.Warn().Err(err).Uint16("streamID", s.id).Msg("ignoring stream SENDME")
		c.metrics.cellDropped(dropFlowControl)
		return
	}
	c.drainStreamLocked(s)
}

func (c *Circuit) writeLocked(s *Stream, p []byte) (int, error) {
	if c.state == CircuitClosed {
		return 0, ErrCircuitClosed
	}
	switch s.state {
	case StreamClosing, StreamClosed:
		return 0, ErrStreamClosed
	case StreamPending:
		return 0, ErrInvalidState
	}
	if len(p) == 0 {
		return 0, nil
	}

	chunks := (len(p) + MaxRelayDataLen - 1) / MaxRelayDataLen
	sendable := 0
	if len(s.pending) == 0 {
		sendable = min(s.sendWindow.Value(), c.sendWindow.Value())
	}
	if queued := chunks - min(chunks, sendable); queued > 0 {
		if err := c.cfg.Limits.checkQueueLimit(len(s.pending), queued); err != nil {
			return 0, err
		}
	}

	written := 0
	for off := 0; off < len(p); off += MaxRelayDataLen {
		end := min(off+MaxRelayDataLen, len(p))
		chunk := make([]byte, end-off)
		copy(chunk, p[off:end])

		if len(s.pending) == 0 && s.sendWindow.canSend() && c.sendWindow.canSend() {
			if err := c.sendDataLocked(s, chunk); err != nil {
				return written, err
			}
		} else {
			s.pending = append(s.pending, chunk)
			c.metrics.cellQueued()
			if !c.sendWindow.canSend() {
				c.markBlockedLocked(s)
			}
		}
		written += len(chunk)
	}

	if len(s.pending) > 0 {
		c.logger.Debug().
			Uint16("streamID", s.id).
			Int("queued", len(s.pending)).
			Int("streamWindow", s.sendWindow.Value()).
			Int("circuitWindow", c.sendWindow.Value()).
			Msg("send window exhausted, queueing")
	}
	return written, nil
}

func (c *Circuit) sendDataLocked(s *Stream, chunk []byte) error {
	cell, err := Pack(RelayData, s.id, chunk)
	if err != nil {
		return err
	}
	s.sendWindow.consumeSend()
	c.sendWindow.consumeSend()
	return c.sendRelayLocked(cell, s.hop)
}

// markBlockedLocked records that s is waiting for circuit credit.
func (c *Circuit) markBlockedLocked(s *Stream) {
	if s.blockedOnCircuit {
		return
	}
	s.blockedOnCircuit = true
	c.circBlocked = append(c.circBlocked, s.id)
}

// drainStreamLocked sends queued cells of s while both windows allow, then
// finishes a pending Close once the queue is empty.
func (c *Circuit) drainStreamLocked(s *Stream) {
	for len(s.pending) > 0 {
		if !s.sendWindow.canSend() {
			break
		}
		if !c.sendWindow.canSend() {
			c.markBlockedLocked(s)
			break
		}
		chunk := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		if err := c.sendDataLocked(s, chunk); err != nil {
			return
		}
		c.metrics.cellDrained()
	}
	if len(s.pending) == 0 && s.state == StreamClosing {
		c.finishCloseLocked(s)
	}
}

// drainCircuitBlockedLocked serves streams waiting on the circuit window in
// the order they blocked. A stream that runs the circuit window dry again
// stays at the head.
func (c *Circuit) drainCircuitBlockedLocked() {
	for len(c.circBlocked) > 0 && c.state != CircuitClosed && c.sendWindow.canSend() {
		id := c.circBlocked[0]
		c.circBlocked = c.circBlocked[1:]
		s := c.streams[id]
		if s == nil {
			continue
		}
		s.blockedOnCircuit = false
		c.drainStreamLocked(s)
		if c.state == CircuitClosed {
			return
		}
		if s.blockedOnCircuit {
			// re-marked at the tail; move it back to the head
			c.circBlocked = append([]uint16{id}, c.circBlocked[:len(c.circBlocked)-1]...)
			return
		}
	}
}

func (c *Circuit) closeStreamLocked(s *Stream) error {
	if c.state == CircuitClosed {
		return ErrCircuitClosed
	}
	switch s.state {
	case StreamClosing, StreamClosed:
		return nil
	}
	if len(s.pending) > 0 {
		s.setState(StreamClosing)
		return nil
	}
	c.finishCloseLocked(s)
	return nil
}

// finishCloseLocked sends END and closes s.
func (c *Circuit) finishCloseLocked(s *Stream) {
	cell, err := Pack(RelayEnd, s.id, BuildEnd(EndReasonDone))
	if err != nil {
		c.failLocked(err)
		return
	}
	if err := c.sendRelayLocked(cell, s.hop); err != nil {
		return
	}
	c.closeStreamStateLocked(s, EndReasonDone)
}

// closeStreamStateLocked moves s to Closed and discards its queue.
func (c *Circuit) closeStreamStateLocked(s *Stream, reason EndReason) {
	s.endReason = reason
	s.pending = nil
	s.blockedOnCircuit = false
	s.setState(StreamClosed)
	delete(c.streams, s.id)
	if c.cb.OnStreamClosed != nil {
		c.emit(func() { c.cb.OnStreamClosed(s, reason) })
	}
}
