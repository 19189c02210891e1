package audio

import (
	"bytes"
	"testing"
	"time"
)

func TestFormat_FrameSize(t *testing.T) {
	if got := TelephonyFormat.FrameSize(20 * time.Millisecond); got != 160 {
		t.Errorf("Expected 160 bytes per 20ms of mulaw/8000, got %d", got)
	}

	pcm := Format{Encoding: EncodingPCM16, SampleRate: 16000, Channels: 1}
	if got := pcm.FrameSize(10 * time.Millisecond); got != 320 {
		t.Errorf("Expected 320 bytes per 10ms of pcm16/16000, got %d", got)
	}

	if got := TelephonyFormat.Duration(8000); got != time.Second {
		t.Errorf("Expected 1s for 8000 bytes, got %v", got)
	}
}

func TestFramer_Repacketizes(t *testing.T) {
	f := NewFramer(TelephonyFormat, DefaultFrameDuration)

	input := make([]byte, 1000)
	for i := range input {
		input[i] = byte(i)
	}

	var frames []Frame
	// Uneven chunk sizes, as a synthesis service would deliver them.
	for _, chunk := range [][]byte{input[:7], input[7:400], input[400:1000]} {
		frames = append(frames, f.Push(chunk)...)
	}

	if len(frames) != 6 {
		t.Fatalf("Expected 6 full frames, got %d", len(frames))
	}
	for i, fr := range frames {
		if len(fr.Payload) != 160 {
			t.Errorf("Frame %d: expected 160 bytes, got %d", i, len(fr.Payload))
		}
		if fr.Format != TelephonyFormat {
			t.Errorf("Frame %d: expected telephony format, got %s", i, fr.Format)
		}
	}

	tail, ok := f.Flush()
	if !ok {
		t.Fatal("Expected a trailing partial frame")
	}
	if len(tail.Payload) != 40 {
		t.Errorf("Expected 40 trailing bytes, got %d", len(tail.Payload))
	}

	var joined []byte
	for _, fr := range frames {
		joined = append(joined, fr.Payload...)
	}
	joined = append(joined, tail.Payload...)
	if !bytes.Equal(joined, input) {
		t.Error("Expected framed audio to reproduce the input byte stream")
	}

	if _, ok := f.Flush(); ok {
		t.Error("Expected no frame from an empty framer")
	}
}

func TestFramer_LargeChunk(t *testing.T) {
	f := NewFramer(TelephonyFormat, DefaultFrameDuration)

	// Larger than the framer's internal buffer.
	frames := f.Push(make([]byte, 160*200))
	if len(frames) != 200 {
		t.Errorf("Expected 200 frames, got %d", len(frames))
	}
}
