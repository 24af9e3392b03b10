// README: Minimal server-sent events wire decoder.
package stream

import (
	"bufio"
	"bytes"
	"io"
)

// readEvents scans one SSE stream and invokes emit with each event's data
// payload. Comment lines (":" prefix) and the event/id/retry fields are
// skipped: the notification gateway only ever sets data. Returns when the
// stream ends or errors.
func readEvents(r io.Reader, emit func(data []byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)

	var data []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			// Blank line terminates one event.
			if len(data) > 0 {
				emit(data)
				data = nil
			}
			continue
		}
		if line[0] == ':' {
			continue // heartbeat comment
		}
		field, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		if string(field) != "data" {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if len(data) > 0 {
			data = append(data, '\n')
		}
		data = append(data, value...)
	}
	return scanner.Err()
}
