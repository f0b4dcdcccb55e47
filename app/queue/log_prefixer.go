package queue

import (
	"bufio"
	"bytes"
	"io"
)

// LogPrefixer implements io.Writer adding a job label to each output line,
// keeps interleaved output of parallel jobs attributable.
type LogPrefixer struct {
	writer io.Writer
	prefix []byte
}

// NewLogPrefixer initializes log prefixer, each line gets "{label} " in front.
func NewLogPrefixer(writer io.Writer, label string) *LogPrefixer {
	return &LogPrefixer{writer: writer, prefix: []byte("{" + label + "} ")}
}

func (p *LogPrefixer) Write(data []byte) (int, error) {
	reader := bufio.NewReader(bytes.NewReader(data))

	var line []byte
	var err error
	var bytesWritten int

	for {
		line, err = reader.ReadBytes('\n')

		// line can hold data even when io.EOF is returned, exit immediately
		// only on unexpected errors
		if err != nil && err != io.EOF {
			return bytesWritten, err
		}

		if len(line) > 0 {
			if _, writeErr := p.writer.Write(p.prefix); writeErr != nil {
				return bytesWritten, writeErr
			}

			n, writeErr := p.writer.Write(line)
			bytesWritten += n
			if writeErr != nil {
				return bytesWritten, writeErr
			}
		}

		if err == io.EOF {
			break
		}
	}

	return bytesWritten, nil
}
