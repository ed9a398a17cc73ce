// Package sse decodes text/event-stream bodies into frames.
package sse

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// Frame is one blank-line delimited block of an event stream.
type Frame struct {
	// Event is the event: field, empty when absent.
	Event string
	// Data holds the data: lines joined with "\n".
	Data    string
	HasData bool
	// ID is the id: field. HasID distinguishes an explicit empty id.
	ID    string
	HasID bool
	// Retry is the server-advertised reconnect delay.
	Retry    time.Duration
	HasRetry bool
}

func (f Frame) empty() bool {
	return !f.HasData && !f.HasID && !f.HasRetry && f.Event == ""
}

const bom = "\ufeff"

// Decoder reads frames from a stream body.
type Decoder struct {
	r *bufio.Reader
	// skipLF is set after a CR so a following LF is not read as a second
	// line end.
	skipLF  bool
	started bool
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next complete frame. Blocks that carry no fields, such as
// keep-alive comments, are skipped. A block cut off by the end of the stream
// is discarded and io.EOF returned.
func (d *Decoder) Next() (Frame, error) {
	var (
		frame Frame
		data  []string
	)
	for {
		line, err := d.readLine()
		if err != nil {
			return Frame{}, err
		}
		if !d.started {
			d.started = true
			line = strings.TrimPrefix(line, bom)
		}

		if line == "" {
			if frame.empty() {
				frame, data = Frame{}, nil
				continue
			}
			frame.Data = strings.Join(data, "\n")
			return frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if ok {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "data":
			data = append(data, value)
			frame.HasData = true
		case "event":
			frame.Event = value
		case "id":
			if strings.ContainsRune(value, 0) {
				continue
			}
			frame.ID, frame.HasID = value, true
		case "retry":
			ms, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				continue
			}
			frame.Retry, frame.HasRetry = time.Duration(ms)*time.Millisecond, true
		}
	}
}

// readLine returns the next line without its terminator. CRLF, LF and a lone
// CR all end a line. A CR is resolved without waiting for the byte after it.
func (d *Decoder) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return "", err
		}
		if d.skipLF {
			d.skipLF = false
			if b == '\n' {
				continue
			}
		}
		switch b {
		case '\n':
			return sb.String(), nil
		case '\r':
			d.skipLF = true
			return sb.String(), nil
		}
		sb.WriteByte(b)
	}
}
