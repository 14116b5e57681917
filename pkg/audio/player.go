package audio

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/eapache/queue"

	"github.com/geoassist/relay/pkg/protocol"
)

// Sink plays one decoded PCM16 buffer to completion before returning.
type Sink interface {
	PlayPCM16(data []byte, sampleRate int) error
}

// Player queues inbound assistant audio and feeds it to the sink
// sequentially, so chunks never overlap. The drain callback fires once
// per playback episode, after the queue empties following at least one
// played buffer.
type Player struct {
	sink      Sink
	onDrained func()

	mu     sync.Mutex
	q      *queue.Queue
	played bool // a buffer played since the last drain notification

	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

type playBuffer struct {
	data       []byte
	sampleRate int
}

// NewPlayer creates a Player and starts its playback goroutine.
// onDrained may be nil.
func NewPlayer(sink Sink, onDrained func()) *Player {
	p := &Player{
		sink:      sink,
		onDrained: onDrained,
		q:         queue.New(),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go p.loop()
	return p
}

// Enqueue decodes a chunk and appends it to the playback queue.
func (p *Player) Enqueue(chunk *protocol.AudioChunk) error {
	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return fmt.Errorf("audio: invalid chunk data: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	p.mu.Lock()
	p.q.Add(playBuffer{data: data, sampleRate: chunk.SampleRate})
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
	return nil
}

// Flush drops all queued buffers. The buffer currently at the sink
// finishes; nothing queued after it plays.
func (p *Player) Flush() {
	p.mu.Lock()
	for p.q.Length() > 0 {
		p.q.Remove()
	}
	p.mu.Unlock()
}

// Close stops the playback goroutine. Idempotent.
func (p *Player) Close() {
	p.once.Do(func() { close(p.done) })
}

func (p *Player) loop() {
	for {
		buf, ok := p.pop()
		if !ok {
			p.maybeDrain()
			select {
			case <-p.signal:
				continue
			case <-p.done:
				return
			}
		}

		select {
		case <-p.done:
			return
		default:
		}

		if err := p.sink.PlayPCM16(buf.data, buf.sampleRate); err != nil {
			// Playback failures drop the one buffer; the queue goes on.
			continue
		}
		p.mu.Lock()
		p.played = true
		p.mu.Unlock()
	}
}

func (p *Player) pop() (playBuffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q.Length() == 0 {
		return playBuffer{}, false
	}
	return p.q.Remove().(playBuffer), true
}

func (p *Player) maybeDrain() {
	p.mu.Lock()
	fire := p.played
	p.played = false
	p.mu.Unlock()
	if fire && p.onDrained != nil {
		p.onDrained()
	}
}
