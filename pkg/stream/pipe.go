package stream

import "os"

// Pipe returns a connected frame channel over an OS pipe: values written to
// the Writer come back out of the Reader. Used by tests and the interactive
// console; because it is backed by real descriptors it works with the
// kernel pollers too.
func Pipe() (*Reader, *Writer, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	return NewReader(pr), NewWriter(pw), nil
}
