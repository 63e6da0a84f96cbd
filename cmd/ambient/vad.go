package main

import (
	"encoding/binary"
	"math"
	"time"
)

// utteranceSplitter is an energy-gate voice activity detector over 16-bit
// little-endian mono PCM. It opens on the first chunk whose RMS clears the
// threshold and closes after a run of silence, emitting the buffered audio as
// one utterance. Utterances shorter than the minimum are discarded as noise.
type utteranceSplitter struct {
	threshold   float64
	minSamples  int
	hangSamples int

	buf       []byte
	inSpeech  bool
	silentRun int
}

func newUtteranceSplitter(sampleRate int, threshold float64, minUtterance, hangover time.Duration) *utteranceSplitter {
	if threshold <= 0 {
		threshold = 0.015
	}
	if minUtterance <= 0 {
		minUtterance = 300 * time.Millisecond
	}
	if hangover <= 0 {
		hangover = 700 * time.Millisecond
	}
	return &utteranceSplitter{
		threshold:   threshold,
		minSamples:  int(minUtterance.Seconds() * float64(sampleRate)),
		hangSamples: int(hangover.Seconds() * float64(sampleRate)),
	}
}

// feed consumes one capture chunk and returns any utterance completed by it.
func (u *utteranceSplitter) feed(chunk []byte) [][]byte {
	if len(chunk) < 2 {
		return nil
	}

	if rms(chunk) >= u.threshold {
		u.inSpeech = true
		u.silentRun = 0
		u.buf = append(u.buf, chunk...)
		return nil
	}

	if !u.inSpeech {
		return nil
	}

	// Keep trailing silence so the utterance does not end mid-decay.
	u.buf = append(u.buf, chunk...)
	u.silentRun += len(chunk) / 2
	if u.silentRun < u.hangSamples {
		return nil
	}

	utt := u.buf
	u.buf = nil
	u.inSpeech = false
	u.silentRun = 0
	if len(utt)/2 < u.minSamples {
		return nil
	}
	return [][]byte{utt}
}

// flush returns the in-progress utterance, if any, on shutdown.
func (u *utteranceSplitter) flush() []byte {
	utt := u.buf
	u.buf = nil
	u.inSpeech = false
	u.silentRun = 0
	if len(utt)/2 < u.minSamples {
		return nil
	}
	return utt
}

// rms computes the root-mean-square level of a PCM chunk, normalized to [0,1].
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
