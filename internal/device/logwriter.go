package device

import (
	"io"
	"time"

	"github.com/ncruces/go-strftime"
)

// strftimeWriter prefixes every write with a C-style timestamp, so the
// device server's log file reads the way the reference daemon's
// fprintf-to-log-file output did rather than Go's default log prefix.
type strftimeWriter struct {
	w io.Writer
}

// NewLogWriter wraps w so each log.Logger line written to it gets a
// "%Y-%m-%d %H:%M:%S" prefix. Pass it to log.New with flags 0, since
// the standard library's own timestamp is redundant once this prefix
// is in place.
func NewLogWriter(w io.Writer) io.Writer {
	return &strftimeWriter{w: w}
}

func (s *strftimeWriter) Write(p []byte) (int, error) {
	prefix := strftime.Format("%Y-%m-%d %H:%M:%S ", time.Now())
	if _, err := s.w.Write([]byte(prefix)); err != nil {
		return 0, err
	}
	n, err := s.w.Write(p)
	return n, err
}
