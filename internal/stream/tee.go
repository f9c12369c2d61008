package stream

import (
	"io"
)

// TeeReadCloser mirrors everything read from an upstream response body into a
// pipe. Closing it, or reaching the end of the body, ends the pipe so the
// mirror reader sees the same EOF or error as the client side.
type TeeReadCloser struct {
	reader io.Reader
	body   io.ReadCloser
	pw     *io.PipeWriter
}

// TeeBody splits an io.ReadCloser into two:
//   - client: the response is relayed from this (data also copied to the pipe)
//   - mirror: the chunk publisher reads the same bytes from this
//
// Reads from client block until mirror has consumed the copied bytes, so the
// mirror must be drained concurrently.
func TeeBody(body io.ReadCloser) (client *TeeReadCloser, mirror *io.PipeReader) {
	pr, pw := io.Pipe()

	return &TeeReadCloser{
		reader: io.TeeReader(body, pw),
		body:   body,
		pw:     pw,
	}, pr
}

func (t *TeeReadCloser) Read(p []byte) (int, error) {
	n, err := t.reader.Read(p)
	if err != nil {
		t.pw.CloseWithError(err)
	}
	return n, err
}

func (t *TeeReadCloser) Close() error {
	t.pw.Close()
	return t.body.Close()
}
