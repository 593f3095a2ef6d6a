package main

import (
	"sync"
	"time"
)

// ball is a 1-D physics world: an object moving toward a wall, bouncing
// back on collision with some energy lost.
type ball struct {
	mu         sync.Mutex
	position   float64
	velocity   float64
	wall       float64
	restitute  float64
	collisions int
	elapsed    time.Duration
}

func newBall() *ball {
	return &ball{velocity: 10, wall: 50, restitute: 0.8}
}

// Step integrates one fixed step (explicit Euler).
func (b *ball) Step(dt time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.elapsed += dt
	b.position += b.velocity * dt.Seconds()
	if b.position >= b.wall && b.velocity > 0 {
		b.position = b.wall
		b.velocity = -b.velocity * b.restitute
		b.collisions++
	} else if b.position <= 0 && b.velocity < 0 {
		b.position = 0
		b.velocity = -b.velocity * b.restitute
		b.collisions++
	}
	return nil
}

func (b *ball) state() (position, velocity float64, collisions int, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position, b.velocity, b.collisions, b.elapsed
}
