/* Copyright (c) 2018-2021 Waldemar Augustyn */

package wire

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// Channel models the lossy, corrupting, delaying datagram substrate that
// every higher layer must tolerate. It is the one piece of this repo that
// is never redesigned once its knobs are set — only consumed.
type Channel struct {
	LossProb    float64       // probability a frame is dropped outright
	CorruptProb float64       // probability a delivered frame is bit-flipped
	MaxDelay    time.Duration // additional random delay before send, [0, MaxDelay)

	mu  sync.Mutex // math/rand.Rand is not safe for concurrent use
	rng *rand.Rand
}

// NewChannel builds a Channel with the given fault parameters. A nil rng
// source is replaced by a new source seeded from the current time; tests
// pass a fixed-seed one for determinism.
func NewChannel(lossProb, corruptProb float64, maxDelay time.Duration, src rand.Source) *Channel {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Channel{
		LossProb:    lossProb,
		CorruptProb: corruptProb,
		MaxDelay:    maxDelay,
		rng:         rand.New(src),
	}
}

// SendOverNoisyChannel writes frameBytes to dst through conn, with random
// loss, corruption and delay applied per the channel's configured rates.
// It never returns an error for a simulated fault (loss/corruption are
// silent by design) — only for a real socket failure.
func (c *Channel) SendOverNoisyChannel(conn *net.UDPConn, dst *net.UDPAddr, frameBytes []byte) error {
	lost, corrupted, flip, delay := c.roll(len(frameBytes))
	if lost {
		return nil
	}

	payload := frameBytes
	if corrupted {
		payload = make([]byte, len(frameBytes))
		copy(payload, frameBytes)
		payload[flip] ^= 0xFF
	}

	if delay > 0 {
		time.AfterFunc(delay, func() {
			_, _ = conn.WriteToUDP(payload, dst)
		})
		return nil
	}

	_, err := conn.WriteToUDP(payload, dst)
	return err
}

// roll draws every random decision for one send under a single lock
// acquisition, since the underlying *rand.Rand is not safe for concurrent
// use and the daemon's ACK sends race the application sender's data sends
// on the same Channel.
func (c *Channel) roll(frameLen int) (lost, corrupted bool, flip int, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lost = c.rng.Float64() < c.LossProb
	corrupted = !lost && frameLen > 0 && c.rng.Float64() < c.CorruptProb
	if corrupted {
		flip = c.rng.Intn(frameLen)
	}
	if c.MaxDelay > 0 {
		delay = time.Duration(c.rng.Int63n(int64(c.MaxDelay)))
	}
	return lost, corrupted, flip, delay
}
