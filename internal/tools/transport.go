package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
)

// StdioTransport reads line-delimited tool requests from an io.Reader and
// writes responses to an io.Writer.
//
// Framing rules:
//   - Each request arrives as a single newline-terminated JSON line on stdin.
//   - Each response is written as a single newline-terminated JSON line to
//     stdout.
//   - ALL diagnostic output (logging, errors) MUST go to stderr only. Any
//     stray bytes on stdout will corrupt the framing.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger *log.Logger
}

// NewStdioTransport constructs a StdioTransport that reads from in and
// writes to out. All log messages are sent to stderr so that the stdout
// stream stays clean for response framing.
//
// Usage with real stdio:
//
//	t := tools.NewStdioTransport(srv, os.Stdin, os.Stdout)
//	t.Serve(ctx)
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{
		server: srv,
		in:     in,
		out:    out,
		// Explicitly target stderr so that log output never touches stdout.
		logger: log.New(os.Stderr, "reverie: ", log.LstdFlags),
	}
}

// Serve processes requests until stdin is closed or ctx is cancelled. Each
// request is handled synchronously in the order it arrives.
func (t *StdioTransport) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)

	// Increase the scanner buffer to handle large payloads (up to 4 MB).
	const maxBuf = 4 * 1024 * 1024
	buf := make([]byte, maxBuf)
	scanner.Buffer(buf, maxBuf)

	for {
		select {
		case <-ctx.Done():
			t.logger.Println("context cancelled, shutting down")
			return ctx.Err()
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				t.logger.Printf("stdin scanner error: %v", err)
				return fmt.Errorf("stdin scanner: %w", err)
			}
			t.logger.Println("stdin closed, shutting down")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := t.handleLine(ctx, line)
		if err := t.writeResponse(resp); err != nil {
			t.logger.Printf("write error: %v", err)
			return fmt.Errorf("write response: %w", err)
		}

		// Check context again after processing in case a signal arrived
		// during the (potentially slow) handler call.
		select {
		case <-ctx.Done():
			t.logger.Println("context cancelled after handler, shutting down")
			return ctx.Err()
		default:
		}
	}
}

// handleLine decodes one request line and dispatches it. A malformed line
// still yields a valid response frame so the caller never stalls.
func (t *StdioTransport) handleLine(ctx context.Context, line []byte) []byte {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		t.logger.Printf("malformed request: %v", err)
		return t.encodeResponse(Response{
			ID: requestID(line),
			Result: &ErrorResult{
				Type:         TypeError,
				Kind:         "validation",
				Error:        fmt.Sprintf("malformed request: %v", err),
				AllowedTools: ToolNames,
			},
		})
	}
	return t.encodeResponse(t.server.Dispatch(ctx, req))
}

// writeResponse writes a single response line to stdout. A trailing newline
// is appended so the caller can frame responses by line.
func (t *StdioTransport) writeResponse(resp []byte) error {
	_, err := fmt.Fprintf(t.out, "%s\n", resp)
	return err
}

func (t *StdioTransport) encodeResponse(resp Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		// Last resort: return a hard-coded error so the framing does not
		// stall.
		t.logger.Printf("response marshal error: %v", err)
		return []byte(`{"result":{"type":"error","kind":"internal","error":"response encoding failed"}}`)
	}
	return data
}

// requestID recovers the request id from raw bytes that failed full decoding
// so the caller can correlate the error response.
func requestID(raw []byte) string {
	var partial struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &partial)
	return partial.ID
}
