package sandbox

// limitedWriter keeps at most max bytes and records whether the stream was
// cut. Writes past the cap are swallowed so the producing process can finish.
type limitedWriter struct {
	buf       []byte
	max       int64
	truncated bool
}

func newLimitedWriter(max int64) *limitedWriter {
	return &limitedWriter{max: max}
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.max - int64(len(w.buf))
	if remaining <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		w.buf = append(w.buf, p[:remaining]...)
		w.truncated = true
		return len(p), nil
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *limitedWriter) Bytes() []byte { return w.buf }
