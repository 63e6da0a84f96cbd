package main

import (
	"encoding/binary"
	"testing"
	"time"
)

const testRate = 16000

// chunkOf builds a PCM chunk of the given duration where every sample has
// the same amplitude.
func chunkOf(d time.Duration, amplitude int16) []byte {
	n := int(d.Seconds() * testRate)
	buf := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(amplitude))
	}
	return buf
}

func feedAllChunks(s *utteranceSplitter, chunks ...[]byte) [][]byte {
	var out [][]byte
	for _, c := range chunks {
		out = append(out, s.feed(c)...)
	}
	return out
}

func TestSplitter_SilenceEmitsNothing(t *testing.T) {
	s := newUtteranceSplitter(testRate, 0.015, 0, 0)

	for i := 0; i < 50; i++ {
		if got := s.feed(chunkOf(32*time.Millisecond, 10)); len(got) != 0 {
			t.Fatalf("silence produced an utterance: %d bytes", len(got[0]))
		}
	}
}

func TestSplitter_SpeechThenSilenceEmitsOneUtterance(t *testing.T) {
	s := newUtteranceSplitter(testRate, 0.015, 300*time.Millisecond, 700*time.Millisecond)

	var chunks [][]byte
	for i := 0; i < 20; i++ { // 640ms of speech
		chunks = append(chunks, chunkOf(32*time.Millisecond, 8000))
	}
	for i := 0; i < 25; i++ { // 800ms of silence
		chunks = append(chunks, chunkOf(32*time.Millisecond, 10))
	}

	utts := feedAllChunks(s, chunks...)
	if len(utts) != 1 {
		t.Fatalf("utterances = %d", len(utts))
	}
	// At least the speech itself must be present.
	if len(utts[0])/2 < int(0.6*testRate) {
		t.Fatalf("utterance too short: %d samples", len(utts[0])/2)
	}
}

func TestSplitter_ShortBlipDiscarded(t *testing.T) {
	s := newUtteranceSplitter(testRate, 0.015, 300*time.Millisecond, 100*time.Millisecond)

	var chunks [][]byte
	chunks = append(chunks, chunkOf(64*time.Millisecond, 8000)) // a door slam
	for i := 0; i < 10; i++ {
		chunks = append(chunks, chunkOf(32*time.Millisecond, 10))
	}

	if utts := feedAllChunks(s, chunks...); len(utts) != 0 {
		t.Fatalf("short blip emitted: %d utterances", len(utts))
	}
}

func TestSplitter_TwoUtterancesSplitOnSilence(t *testing.T) {
	s := newUtteranceSplitter(testRate, 0.015, 100*time.Millisecond, 200*time.Millisecond)

	say := func() [][]byte {
		var chunks [][]byte
		for i := 0; i < 10; i++ {
			chunks = append(chunks, chunkOf(32*time.Millisecond, 8000))
		}
		for i := 0; i < 10; i++ {
			chunks = append(chunks, chunkOf(32*time.Millisecond, 10))
		}
		return chunks
	}

	utts := feedAllChunks(s, append(say(), say()...)...)
	if len(utts) != 2 {
		t.Fatalf("utterances = %d", len(utts))
	}
}

func TestSplitter_FlushReturnsInProgressSpeech(t *testing.T) {
	s := newUtteranceSplitter(testRate, 0.015, 100*time.Millisecond, time.Second)

	for i := 0; i < 10; i++ {
		s.feed(chunkOf(32*time.Millisecond, 8000))
	}
	if got := s.flush(); got == nil {
		t.Fatal("flush dropped in-progress speech")
	}
	if got := s.flush(); got != nil {
		t.Fatal("second flush should be empty")
	}
}
