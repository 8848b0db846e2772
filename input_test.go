package bridge

import (
	"context"
	"errors"
	"io"
	"testing"
)

// feedInput pushes chunks into a fresh request-body stream and closes it
// with err (nil means clean EOF).
func feedInput(t *testing.T, chunks []string, err error) *BodyReader {
	t.Helper()
	stream := NewAsyncToSyncStream[[]byte](len(chunks)+1, nil)
	ctx := context.Background()
	for _, c := range chunks {
		if perr := stream.APut(ctx, []byte(c)); perr != nil {
			t.Fatalf("APut: %v", perr)
		}
	}
	stream.AClose(err)
	return NewBodyReader(stream)
}

func TestBodyReader_ReadAll(t *testing.T) {
	r := feedInput(t, []string{"hello ", "world"}, nil)
	got, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Errorf("got %q", got)
	}
	// EOF is sticky and quiet.
	if got, err := r.ReadAll(); err != nil || len(got) != 0 {
		t.Errorf("expected empty read at EOF, got %q, %v", got, err)
	}
}

func TestBodyReader_Read(t *testing.T) {
	r := feedInput(t, []string{"abcdef"}, nil)
	buf := make([]byte, 4)
	n, err := r.Read(buf)
	if err != nil || n != 4 || string(buf[:n]) != "abcd" {
		t.Fatalf("first read: %q, %d, %v", buf[:n], n, err)
	}
	n, err = r.Read(buf)
	if err != nil || string(buf[:n]) != "ef" {
		t.Fatalf("second read: %q, %v", buf[:n], err)
	}
	if _, err := r.Read(buf); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestBodyReader_ReadLine(t *testing.T) {
	r := feedInput(t, []string{"one\ntwo\nth", "ree"}, nil)

	line, err := r.ReadLine(-1)
	if err != nil || string(line) != "one\n" {
		t.Fatalf("line 1: %q, %v", line, err)
	}
	line, err = r.ReadLine(-1)
	if err != nil || string(line) != "two\n" {
		t.Fatalf("line 2: %q, %v", line, err)
	}
	// Final line has no newline; it is returned at EOF.
	line, err = r.ReadLine(-1)
	if err != nil || string(line) != "three" {
		t.Fatalf("line 3: %q, %v", line, err)
	}
	if _, err := r.ReadLine(-1); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestBodyReader_ReadLineLimit(t *testing.T) {
	r := feedInput(t, []string{"abcdefgh\nrest"}, nil)
	line, err := r.ReadLine(4)
	if err != nil || string(line) != "abcd" {
		t.Fatalf("limited line: %q, %v", line, err)
	}
	line, err = r.ReadLine(-1)
	if err != nil || string(line) != "efgh\n" {
		t.Fatalf("remainder: %q, %v", line, err)
	}
}

func TestBodyReader_ReadLines(t *testing.T) {
	r := feedInput(t, []string{"a\nb\nc\n"}, nil)
	lines, err := r.ReadLines(-1)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if string(lines[1]) != "b\n" {
		t.Errorf("line 2: %q", lines[1])
	}
}

func TestBodyReader_Lines(t *testing.T) {
	r := feedInput(t, []string{"x\ny\n"}, nil)
	var got []string
	for line, err := range r.Lines() {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(line))
	}
	if len(got) != 2 || got[0] != "x\n" || got[1] != "y\n" {
		t.Errorf("lines: %v", got)
	}
}

func TestBodyReader_DisconnectAfterRemainder(t *testing.T) {
	r := feedInput(t, []string{"buffered"}, ErrDisconnected)

	// The buffered remainder is delivered before the disconnect surfaces.
	buf := make([]byte, 16)
	n, err := r.Read(buf)
	if err != nil || string(buf[:n]) != "buffered" {
		t.Fatalf("remainder: %q, %v", buf[:n], err)
	}
	if _, err := r.Read(buf); !errors.Is(err, ErrDisconnected) {
		t.Errorf("expected ErrDisconnected, got %v", err)
	}
	// The error is latched, not re-armed.
	if _, err := r.Read(buf); !errors.Is(err, ErrDisconnected) {
		t.Errorf("expected latched ErrDisconnected, got %v", err)
	}
}

func TestBodyReader_SkipsEmptyChunks(t *testing.T) {
	r := feedInput(t, []string{"", "data", ""}, nil)
	got, err := r.ReadAll()
	if err != nil || string(got) != "data" {
		t.Errorf("got %q, %v", got, err)
	}
}
