package eventstream

import (
	"encoding/binary"
	"hash/crc32"
	"testing"
)

// encodeFrame builds a wire frame the way the upstream would, for round-trip
// testing the Decoder against known-good bytes.
func encodeFrame(t *testing.T, headers []byte, payload []byte) []byte {
	t.Helper()
	totalLen := uint32(preludeWithCRCLen + len(headers) + len(payload) + 4)
	headersLen := uint32(len(headers))

	buf := make([]byte, 0, totalLen)
	prelude := make([]byte, 8)
	binary.BigEndian.PutUint32(prelude[0:4], totalLen)
	binary.BigEndian.PutUint32(prelude[4:8], headersLen)
	buf = append(buf, prelude...)

	preludeCRC := crc32.ChecksumIEEE(prelude)
	crcBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBytes, preludeCRC)
	buf = append(buf, crcBytes...)

	buf = append(buf, headers...)
	buf = append(buf, payload...)

	messageCRC := crc32.ChecksumIEEE(buf)
	msgCRCBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(msgCRCBytes, messageCRC)
	buf = append(buf, msgCRCBytes...)

	return buf
}

func encodeStringHeader(name, value string) []byte {
	b := []byte{byte(len(name))}
	b = append(b, name...)
	b = append(b, byte(headerTypeString))
	lenBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBytes, uint16(len(value)))
	b = append(b, lenBytes...)
	b = append(b, value...)
	return b
}

func TestDecodeRoundTrip(t *testing.T) {
	headers := encodeStringHeader(":event-type", "assistantResponseEvent")
	payload := []byte(`{"content":"hello"}`)
	wire := encodeFrame(t, headers, payload)

	d := New(0)
	d.Feed(wire)

	frame, ok, err := d.Decode()
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if !ok {
		t.Fatalf("expected a complete frame")
	}
	if string(frame.Payload) != string(payload) {
		t.Fatalf("payload = %q", frame.Payload)
	}
	if frame.Headers[":event-type"] != "assistantResponseEvent" {
		t.Fatalf("headers = %+v", frame.Headers)
	}

	ev := DecodeEvent(frame)
	if ev.Kind != "AssistantResponse" || ev.AssistantResponse.Content != "hello" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestDecodeIncrementalFeed(t *testing.T) {
	headers := encodeStringHeader(":event-type", "done")
	wire := encodeFrame(t, headers, nil)

	d := New(0)
	d.Feed(wire[:5])
	if _, ok, err := d.Decode(); ok || err != nil {
		t.Fatalf("expected incomplete, got ok=%v err=%v", ok, err)
	}

	d.Feed(wire[5:])
	frame, ok, err := d.Decode()
	if err != nil || !ok {
		t.Fatalf("Decode after full feed: ok=%v err=%v", ok, err)
	}
	if frame == nil {
		t.Fatalf("expected frame")
	}
}

func TestDecodeTwoFramesInOneBuffer(t *testing.T) {
	h1 := encodeStringHeader(":event-type", "assistantResponseEvent")
	f1 := encodeFrame(t, h1, []byte(`{"content":"a"}`))
	h2 := encodeStringHeader(":event-type", "assistantResponseEvent")
	f2 := encodeFrame(t, h2, []byte(`{"content":"b"}`))

	d := New(0)
	d.Feed(append(append([]byte{}, f1...), f2...))

	frame1, ok, err := d.Decode()
	if err != nil || !ok {
		t.Fatalf("first frame: ok=%v err=%v", ok, err)
	}
	frame2, ok, err := d.Decode()
	if err != nil || !ok {
		t.Fatalf("second frame: ok=%v err=%v", ok, err)
	}
	if string(frame1.Payload) == string(frame2.Payload) {
		t.Fatalf("frames should differ")
	}

	if _, ok, err := d.Decode(); ok || err != nil {
		t.Fatalf("expected buffer exhausted, got ok=%v err=%v", ok, err)
	}
}

func TestDecodeTwoFramesSplitAtEveryBoundary(t *testing.T) {
	f1 := encodeFrame(t, encodeStringHeader(":event-type", "assistantResponseEvent"), []byte(`{"content":"a"}`))
	f2 := encodeFrame(t, encodeStringHeader(":event-type", "done"), nil)
	wire := append(append([]byte{}, f1...), f2...)

	for split := 0; split <= len(wire); split++ {
		d := New(0)
		d.Feed(wire[:split])

		var frames []*Frame
		for {
			frame, ok, err := d.Decode()
			if err != nil {
				t.Fatalf("split %d: decode error before second feed: %v", split, err)
			}
			if !ok {
				break
			}
			frames = append(frames, frame)
		}
		d.Feed(wire[split:])
		for {
			frame, ok, err := d.Decode()
			if err != nil {
				t.Fatalf("split %d: decode error: %v", split, err)
			}
			if !ok {
				break
			}
			frames = append(frames, frame)
		}

		if len(frames) != 2 {
			t.Fatalf("split %d: recovered %d frames, want 2", split, len(frames))
		}
		if string(frames[0].Payload) != `{"content":"a"}` {
			t.Fatalf("split %d: first payload = %q", split, frames[0].Payload)
		}
		if frames[1].Headers[":event-type"] != "done" {
			t.Fatalf("split %d: second frame headers = %+v", split, frames[1].Headers)
		}
	}
}

func TestDecodeByteAtATimeMatchesBulkFeed(t *testing.T) {
	wire := encodeFrame(t, encodeStringHeader(":event-type", "assistantResponseEvent"), []byte(`{"content":"chunked"}`))

	bulk := New(0)
	bulk.Feed(wire)
	want, ok, err := bulk.Decode()
	if err != nil || !ok {
		t.Fatalf("bulk decode: ok=%v err=%v", ok, err)
	}

	trickle := New(0)
	var got *Frame
	for _, b := range wire {
		trickle.Feed([]byte{b})
		frame, ok, err := trickle.Decode()
		if err != nil {
			t.Fatalf("trickle decode: %v", err)
		}
		if ok {
			got = frame
		}
	}
	if got == nil {
		t.Fatal("byte-at-a-time feed never produced a frame")
	}
	if string(got.Payload) != string(want.Payload) {
		t.Fatalf("payload mismatch: %q vs %q", got.Payload, want.Payload)
	}
}

func TestDecodeCrcMismatch(t *testing.T) {
	headers := encodeStringHeader(":event-type", "done")
	wire := encodeFrame(t, headers, nil)
	wire[len(wire)-1] ^= 0xFF // corrupt message_crc

	d := New(0)
	d.Feed(wire)
	_, _, err := d.Decode()
	derr, ok := err.(*DecodeError)
	if !ok || derr.Kind != "CrcMismatch" {
		t.Fatalf("expected CrcMismatch, got %v", err)
	}
}

func TestDecodeOverflow(t *testing.T) {
	d := New(16)
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], 1<<20)
	d.Feed(buf)
	_, _, err := d.Decode()
	derr, ok := err.(*DecodeError)
	if !ok || derr.Kind != "Overflow" {
		t.Fatalf("expected Overflow, got %v", err)
	}
	if len(d.buf) != len(buf) {
		t.Fatalf("overflow consumed %d buffered bytes", len(buf)-len(d.buf))
	}
}

func TestDecodeNeverPanicsOnGarbage(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0x00},
		{0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0, 0, 0, 0, 0},
		make([]byte, 7),
	}
	for _, in := range inputs {
		d := New(0)
		d.Feed(in)
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Decode panicked on %v: %v", in, r)
				}
			}()
			d.Decode()
		}()
	}
}

func TestDecodeUnknownEventPreserved(t *testing.T) {
	headers := encodeStringHeader(":event-type", "somethingNew")
	wire := encodeFrame(t, headers, []byte(`{"x":1}`))

	d := New(0)
	d.Feed(wire)
	frame, ok, err := d.Decode()
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	ev := DecodeEvent(frame)
	if ev.Kind != "Unknown" || ev.Unknown.Name != "somethingNew" {
		t.Fatalf("event = %+v", ev)
	}
}
