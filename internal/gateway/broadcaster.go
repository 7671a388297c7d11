package gateway

import (
	"strconv"
	"time"
)

// Broadcaster constructs envelope JSON and sends filtered messages to clients.
type Broadcaster struct {
	hub *Hub
	now func() time.Time
}

// NewBroadcaster creates a Broadcaster backed by the given Hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub, now: time.Now}
}

// Broadcast records data as the channel's latest payload and sends it to
// every client whose filter matches.
func (b *Broadcaster) Broadcast(channel string, data []byte) {
	b.emit(channel, data, true)
}

// send delivers data without touching the latest snapshot.
func (b *Broadcaster) send(channel string, data []byte) {
	b.emit(channel, data, false)
}

// emit assigns sequence numbers, builds the envelope, stores it for replay
// and fans it out. Uses a hand-crafted envelope instead of json.Marshal.
func (b *Broadcaster) emit(channel string, data []byte, keepLatest bool) {
	now := b.now().UTC()

	b.hub.mu.Lock()
	b.hub.channelSeqs[channel]++
	channelSeq := b.hub.channelSeqs[channel]
	b.hub.seq++
	seq := b.hub.seq
	if keepLatest {
		b.hub.latest[channel] = latestEntry{Data: data, TS: now, Seq: channelSeq}
	}
	rb, exists := b.hub.replayBufs[channel]
	if !exists {
		rb = NewReplayBuffer(b.hub.replayCap)
		b.hub.replayBufs[channel] = rb
	}
	b.hub.mu.Unlock()

	buf := appendEnvelope(make([]byte, 0, len(channel)+len(data)+160), channel, data, now, seq, channelSeq)
	rb.Push(channelSeq, buf)

	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	for client := range b.hub.clients {
		if !client.matchesChannel(channel) {
			continue
		}
		select {
		case client.send <- buf:
		default:
		}
	}
}

// appendEnvelope writes
// {"channel":"...","data":<data>,"ts":"<RFC3339Nano>","seq":N,"channel_seq":M}
// to buf. data must already be valid JSON and channel must not need escaping.
func appendEnvelope(buf []byte, channel string, data []byte, now time.Time, seq, channelSeq int64) []byte {
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')
	return buf
}
