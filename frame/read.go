package frame

import "io"

// ReadExact blocks until exactly n bytes have been read from r or the stream
// is confirmed closed. A short read is never reported as success.
func ReadExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := readFull(r, buf, "read"); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r io.Reader, buf []byte, op string) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return ClosedError(op, err)
	}
	return nil
}
