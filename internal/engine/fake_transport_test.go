package engine

import "time"

// fakeTransport replays a fixed byte stream and discards writes, enough to
// drive a real monitor.Monitor through canned command/response exchanges.
type fakeTransport struct {
	data []byte
	pos  int
}

func newFakeTransport(s string) *fakeTransport {
	return &fakeTransport{data: []byte(s)}
}

func (f *fakeTransport) Write(p []byte) error { return nil }

func (f *fakeTransport) Read(n int, timeout time.Duration) ([]byte, error) {
	if f.pos >= len(f.data) {
		return nil, nil
	}
	end := f.pos + n
	if end > len(f.data) {
		end = len(f.data)
	}
	chunk := f.data[f.pos:end]
	f.pos = end
	return chunk, nil
}

func (f *fakeTransport) Close() error { return nil }
