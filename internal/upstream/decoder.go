package upstream

import (
	"encoding/json"
	"strings"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
)

// FrameDecoder turns the raw bytes of a streamed event-source body into
// complete frame payloads. The upstream service is not consistent about
// framing: some apps emit "data: {...}\n\n" blocks, others delimit frames
// with a single newline, and network chunk boundaries fall anywhere. The
// decoder buffers across Feed calls and only releases a payload once it is
// parseable, so a frame split across two reads is never truncated.
type FrameDecoder struct {
	buf string
}

// Feed appends a chunk to the internal buffer and returns every frame payload
// that is complete so far. Malformed trailing data is held for the next call.
func (d *FrameDecoder) Feed(chunk []byte) []string {
	d.buf += string(chunk)
	return d.drain(false)
}

// Finish flushes the buffer at end of stream. Payloads that still do not
// parse are dropped silently; by this point no more bytes are coming.
func (d *FrameDecoder) Finish() []string {
	frames := d.drain(true)
	d.buf = ""
	return frames
}

func (d *FrameDecoder) drain(eof bool) []string {
	var frames []string
	for d.buf != "" {
		line, rest, terminated := strings.Cut(d.buf, "\n")
		if !terminated && !eof {
			// Trailing block without its newline yet; wait for more bytes.
			break
		}
		candidate := strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if candidate == "" || isKeepAlive(candidate) {
			d.buf = rest
			continue
		}
		if !strings.HasPrefix(candidate, dataPrefix) {
			// Not a data line and not a recognized keep-alive: noise.
			d.buf = rest
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(candidate, dataPrefix))
		if payload == "" || payload == doneSentinel {
			// Protocol-level termination marker, not an application event.
			d.buf = rest
			continue
		}
		if !json.Valid([]byte(payload)) {
			if !eof {
				// Provisionally incomplete. A parse failure is never fatal:
				// keep the buffer from this block on and retry once more
				// data accumulates.
				return frames
			}
			d.buf = rest
			continue
		}
		frames = append(frames, payload)
		d.buf = rest
	}
	return frames
}

// isKeepAlive reports whether a line is one of the heartbeat markers the
// upstream emits to hold the connection open.
func isKeepAlive(line string) bool {
	return strings.HasPrefix(line, ":") || line == "event: ping"
}
