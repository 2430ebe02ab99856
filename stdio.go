package codeassist

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// StdIO is a line-delimited JSON transport over an io.Reader/io.Writer pair,
// typically stdin and stdout. It serves the single client on the other end of
// the pipe: each inbound line is one JSON-RPC message, handled synchronously
// so calls keep their arrival order, and each outbound message is one
// newline-terminated line. Create instances with NewStdIO.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	handler MessageHandler

	writeMessages chan stdIOMessage
	done          chan struct{}
	readClosed    chan struct{}
	writeClosed   chan struct{}

	mu      sync.Mutex
	running bool
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// StdIOOption configures a StdIO created by NewStdIO.
type StdIOOption func(*StdIO)

// WithStdIOLogger sets the logger. Defaults to slog.Default().
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// NewStdIO creates a transport reading messages from reader and writing
// messages to writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		reader:        reader,
		writer:        writer,
		logger:        slog.Default(),
		writeMessages: make(chan stdIOMessage),
		done:          make(chan struct{}),
		readClosed:    make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("component", "stdio")

	return s
}

// Name implements ServerTransport.
func (s *StdIO) Name() string {
	return "stdio"
}

// SetMessageHandler installs the handler invoked for every decoded inbound
// message. It must be called before Start.
func (s *StdIO) SetMessageHandler(handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Start spawns the read and write loops. It does not block; the loops run
// until the input reaches EOF or Shutdown is called.
func (s *StdIO) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("stdio transport already started")
	}
	if s.handler == nil {
		return errors.New("message handler not set")
	}
	s.running = true

	go s.processWriteMessages()
	go s.readLoop(ctx)

	return nil
}

// Shutdown stops both loops and waits for them to finish, bounded by ctx.
func (s *StdIO) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	for _, closed := range []chan struct{}{s.readClosed, s.writeClosed} {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closed:
		}
	}
	return nil
}

// SendMessage pushes a server-initiated message to the client on the other
// end of the pipe.
func (s *StdIO) SendMessage(ctx context.Context, msg JSONRPCMessage) error {
	return s.write(ctx, msg)
}

// Running reports whether the transport has been started and not yet shut
// down.
func (s *StdIO) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ClientCount reports zero; the pipe peer is not a tracked client set.
func (s *StdIO) ClientCount() int {
	return 0
}

func (s *StdIO) readLoop(ctx context.Context) {
	defer close(s.readClosed)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size
	// errors on large payloads.
	reader := bufio.NewReader(s.reader)
	for {
		type lineWithErr struct {
			line string
			err  error
		}

		lines := make(chan lineWithErr, 1)

		// The read runs on its own goroutine so this loop can observe the
		// done channel even while the reader blocks.
		go func() {
			line, err := reader.ReadString('\n')
			if err != nil {
				lines <- lineWithErr{err: err}
				return
			}
			lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
		}()

		var lwe lineWithErr
		select {
		case <-s.done:
			return
		case lwe = <-lines:
		}

		if lwe.err != nil {
			if errors.Is(lwe.err, io.EOF) {
				return
			}
			s.logger.Error("failed to read message", "err", lwe.err)
			return
		}

		if lwe.line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
			s.logger.Error("failed to unmarshal message", "err", err)
			continue
		}

		// Synchronous handling preserves request order on the single pipe.
		resp := s.handler(ctx, msg)
		if resp == nil {
			continue
		}
		if err := s.write(ctx, *resp); err != nil {
			s.logger.Error("failed to write response", slog.String("err", err.Error()))
		}
	}
}

func (s *StdIO) write(ctx context.Context, msg JSONRPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	data = append(data, '\n')

	ioMsg := stdIOMessage{
		msg:  data,
		errs: make(chan error, 1),
	}

	// Queue the message so a single goroutine performs all writes.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

func (s *StdIO) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		// Process the write queue until the transport is closed.
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
