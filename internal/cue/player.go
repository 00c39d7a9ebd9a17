// ABOUTME: Audio cue output using oto
// ABOUTME: Plays a sample on selected presented frames and logs cue latency
package cue

import (
	"bytes"
	"fmt"
	"log"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/Flipstamp/flipstamp-go/pkg/clock"
	"github.com/Flipstamp/flipstamp-go/pkg/flipstamp"
	"github.com/Flipstamp/flipstamp-go/pkg/swap"
)

// Player owns the audio device.
type Player struct {
	otoCtx *oto.Context
	sample Sample
	host   clock.Host

	mu      sync.Mutex
	players []*oto.Player
	played  int64
}

// NewPlayer opens the audio device at the sample's rate.
func NewPlayer(sample Sample) (*Player, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sample.Rate,
		ChannelCount: Channels,
		Format:       oto.FormatSignedInt16LE,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	log.Printf("Cue output initialized: %dHz, %s per cue", sample.Rate, sample.Duration())

	return &Player{otoCtx: ctx, sample: sample, host: clock.System}, nil
}

// Trigger starts playing the cue immediately.
func (p *Player) Trigger() {
	player := p.otoCtx.NewPlayer(bytes.NewReader(p.sample.PCM))
	player.Play()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.played++

	// Keep playing cues alive and drop finished ones.
	live := p.players[:0]
	for _, old := range p.players {
		if old.IsPlaying() {
			live = append(live, old)
		} else {
			old.Close()
		}
	}
	p.players = append(live, player)
}

// Played returns how many cues were started.
func (p *Player) Played() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played
}

// Observer triggers the cue on every presented completion whose sequence
// number is a multiple of every, and logs how late the cue started
// relative to the visual onset.
func (p *Player) Observer(every uint64) flipstamp.CompletionFunc {
	return func(c flipstamp.Completion) {
		if !ShouldCue(c, every) {
			return
		}
		p.Trigger()
		log.Printf("Cue for seq %d: %.3fms after onset", c.Seq, (p.host.Now()-c.OnsetTime)*1000)
	}
}

// ShouldCue selects presented completions at the cue interval.
func ShouldCue(c flipstamp.Completion, every uint64) bool {
	if c.Status != swap.Completed || c.OnsetTime == 0 {
		return false
	}
	if every <= 1 {
		return true
	}
	return c.Seq%every == 0
}

// Close stops output
func (p *Player) Close() error {
	p.mu.Lock()
	for _, player := range p.players {
		player.Close()
	}
	p.players = nil
	p.mu.Unlock()

	return p.otoCtx.Suspend()
}
