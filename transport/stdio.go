package transport

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/vinayprograms/taskqueue/logging"
)

// maxLineSize bounds one newline-delimited message.
const maxLineSize = 1024 * 1024

// StdioTransport carries newline-delimited JSON-RPC over a reader/writer
// pair, normally the stdin and stdout of `taskqueued -stdio`.
type StdioTransport struct {
	in     io.Reader
	out    *bufio.Writer
	logger *logging.Logger

	recv chan *InboundMessage
	send chan *OutboundMessage

	done      chan struct{}
	closeOnce sync.Once
}

func NewStdioTransport(r io.Reader, w io.Writer, cfg Config) *StdioTransport {
	cfg = cfg.withDefaults()
	return &StdioTransport{
		in:     r,
		out:    bufio.NewWriter(w),
		logger: logging.Nop(),
		recv:   make(chan *InboundMessage, cfg.RecvBufferSize),
		send:   make(chan *OutboundMessage, cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
}

// SetLogger sets the logger for read and write failures.
func (t *StdioTransport) SetLogger(l *logging.Logger) {
	if l != nil {
		t.logger = l
	}
}

// Recv closes at end of input.
func (t *StdioTransport) Recv() <-chan *InboundMessage {
	return t.recv
}

func (t *StdioTransport) Send(msg *OutboundMessage) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.send <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Run blocks until ctx is done or Close is called. Replies queued before
// that point are written before it returns; the reader is not waited for
// since a read blocked on stdin cannot be interrupted.
func (t *StdioTransport) Run(ctx context.Context) error {
	go t.readLines(ctx)

	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		t.writeLines()
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
		t.Close()
	case <-t.done:
	}
	<-flushed
	return err
}

func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *StdioTransport) readLines(ctx context.Context) {
	defer close(t.recv)

	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer.
		msg, err := ParseInbound(append([]byte(nil), line...))
		if err != nil {
			_ = t.Send(parseErrorResponse(line, err))
			continue
		}
		select {
		case t.recv <- msg:
		case <-ctx.Done():
			return
		case <-t.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("read_failed", map[string]interface{}{"error": err.Error()})
	}
}

// writeLines buffers output while more replies are queued and flushes when
// the queue runs dry.
func (t *StdioTransport) writeLines() {
	for {
		select {
		case msg := <-t.send:
			t.write(msg)
			if len(t.send) == 0 {
				t.flush()
			}
		case <-t.done:
			for {
				select {
				case msg := <-t.send:
					t.write(msg)
				default:
					t.flush()
					return
				}
			}
		}
	}
}

func (t *StdioTransport) write(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		t.logger.Warn("encode_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	data = append(data, '\n')
	if _, err := t.out.Write(data); err != nil {
		t.logger.Warn("write_failed", map[string]interface{}{"error": err.Error()})
	}
}

func (t *StdioTransport) flush() {
	if err := t.out.Flush(); err != nil {
		t.logger.Warn("write_failed", map[string]interface{}{"error": err.Error()})
	}
}
