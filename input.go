package bridge

import (
	"bytes"
	"io"
	"iter"
)

// BodyReader is the wsgi.input stream: a blocking byte reader over the
// request-body stream fed by the receive loop. All methods block the calling
// goroutine and are intended for the worker running the WSGI application;
// they are not safe for concurrent use.
//
// At end of body, reads report io.EOF. After a peer disconnect the buffered
// remainder is returned first, then every subsequent read fails with an
// error satisfying errors.Is(err, ErrDisconnected).
type BodyReader struct {
	stream *AsyncToSyncStream[[]byte]
	buf    []byte
	err    error // latched terminal error; io.EOF or disconnect
}

// NewBodyReader wraps a request-body stream as a wsgi.input reader.
func NewBodyReader(stream *AsyncToSyncStream[[]byte]) *BodyReader {
	return &BodyReader{stream: stream}
}

// fill blocks for the next chunk when the internal buffer is empty. It
// returns the latched terminal error once the stream is exhausted.
func (r *BodyReader) fill() error {
	if len(r.buf) > 0 {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	for {
		chunk, err := r.stream.Get(0)
		if err != nil {
			r.err = err
			return err
		}
		if len(chunk) > 0 {
			r.buf = chunk
			return nil
		}
	}
}

// Read implements io.Reader.
func (r *BodyReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := r.fill(); err != nil {
		return 0, err
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// ReadAll reads the remaining body. A disconnect error is returned together
// with the bytes read before it.
func (r *BodyReader) ReadAll() ([]byte, error) {
	var all []byte
	for {
		if err := r.fill(); err != nil {
			if err == io.EOF {
				return all, nil
			}
			return all, err
		}
		all = append(all, r.buf...)
		r.buf = nil
	}
}

// ReadLine reads bytes up to and including the first '\n' or end of body.
// A non-negative limit caps the returned length; the remainder stays
// buffered for the next read.
func (r *BodyReader) ReadLine(limit int) ([]byte, error) {
	if limit == 0 {
		return nil, nil
	}
	var line []byte
	for {
		if err := r.fill(); err != nil {
			if err == io.EOF && len(line) > 0 {
				return line, nil
			}
			return line, err
		}
		idx := bytes.IndexByte(r.buf, '\n')
		take := len(r.buf)
		if idx >= 0 {
			take = idx + 1
		}
		if limit > 0 && len(line)+take > limit {
			take = limit - len(line)
			idx = -1 // truncated before the newline
		}
		line = append(line, r.buf[:take]...)
		r.buf = r.buf[take:]
		if idx >= 0 || (limit > 0 && len(line) == limit) {
			return line, nil
		}
	}
}

// ReadLines reads all remaining lines. hint is advisory: when positive,
// reading stops after the accumulated size reaches it.
func (r *BodyReader) ReadLines(hint int) ([][]byte, error) {
	var lines [][]byte
	total := 0
	for {
		line, err := r.ReadLine(-1)
		if len(line) > 0 {
			lines = append(lines, line)
			total += len(line)
		}
		if err != nil {
			if err == io.EOF {
				return lines, nil
			}
			return lines, err
		}
		if len(line) == 0 {
			return lines, nil
		}
		if hint > 0 && total >= hint {
			return lines, nil
		}
	}
}

// Lines iterates the body line by line. A disconnect surfaces as the final
// yielded error; plain end of body just ends the sequence.
func (r *BodyReader) Lines() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			line, err := r.ReadLine(-1)
			if err != nil {
				if err != io.EOF {
					yield(nil, err)
				} else if len(line) > 0 {
					yield(line, nil)
				}
				return
			}
			if len(line) == 0 {
				return
			}
			if !yield(line, nil) {
				return
			}
		}
	}
}
