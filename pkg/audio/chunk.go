package audio

import (
	"sync"
)

// ChunkBuffer buffers PCM samples into fixed-size chunks
type ChunkBuffer struct {
	chunkSize int     // Samples per chunk (all channels)
	buffer    []int16 // Accumulated samples
	mu        sync.Mutex
}

// NewChunkBuffer creates a chunk buffer emitting chunks of chunkSize samples.
func NewChunkBuffer(chunkSize int) *ChunkBuffer {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	return &ChunkBuffer{
		chunkSize: chunkSize,
		buffer:    make([]int16, 0, chunkSize*2),
	}
}

// ChunkSize returns the configured chunk length in samples.
func (cb *ChunkBuffer) ChunkSize() int {
	return cb.chunkSize
}

// Add adds samples to the buffer and returns complete chunks
func (cb *ChunkBuffer) Add(samples []int16) [][]int16 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.buffer = append(cb.buffer, samples...)

	var chunks [][]int16
	for len(cb.buffer) >= cb.chunkSize {
		chunk := make([]int16, cb.chunkSize)
		copy(chunk, cb.buffer[:cb.chunkSize])
		chunks = append(chunks, chunk)
		cb.buffer = cb.buffer[cb.chunkSize:]
	}

	// Compact so the backing array does not grow without bound.
	if len(cb.buffer) == 0 {
		cb.buffer = cb.buffer[:0:cap(cb.buffer)]
	} else if cap(cb.buffer) > cb.chunkSize*4 {
		cb.buffer = append(make([]int16, 0, cb.chunkSize*2), cb.buffer...)
	}

	return chunks
}

// Buffered returns the number of samples waiting for a full chunk.
func (cb *ChunkBuffer) Buffered() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.buffer)
}

// Flush returns remaining samples as a partial chunk
func (cb *ChunkBuffer) Flush() []int16 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if len(cb.buffer) == 0 {
		return []int16{}
	}

	chunk := make([]int16, len(cb.buffer))
	copy(chunk, cb.buffer)
	cb.buffer = cb.buffer[:0]

	return chunk
}

// Reset clears the buffer
func (cb *ChunkBuffer) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.buffer = cb.buffer[:0]
}
