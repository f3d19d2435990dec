package inference

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/neurongate/gateway/internal/models"
)

// UsageTee relays a Server-Sent-Events stream byte-for-byte while scanning
// `data: ` lines for usage accounting. Usage typically arrives only in a
// terminal chunk, so the last observed usage object wins; the caller reads
// it once, after the stream is fully drained.
type UsageTee struct {
	r       io.Reader
	pending bytes.Buffer
	usage   *models.Usage
}

func NewUsageTee(r io.Reader) *UsageTee {
	return &UsageTee{r: r}
}

// Read passes bytes through unmodified.
func (t *UsageTee) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.scan(p[:n])
	}
	if err == io.EOF {
		// Flush a final line that lacked a trailing newline.
		if t.pending.Len() > 0 {
			t.consumeLine(t.pending.Bytes())
			t.pending.Reset()
		}
	}
	return n, err
}

// Usage returns the last usage object seen in the stream, or nil if none
// arrived. Only meaningful once the stream has been drained.
func (t *UsageTee) Usage() *models.Usage {
	return t.usage
}

func (t *UsageTee) scan(b []byte) {
	t.pending.Write(b)
	for {
		raw := t.pending.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return
		}
		line := make([]byte, idx)
		copy(line, raw[:idx])
		t.pending.Next(idx + 1)
		t.consumeLine(line)
	}
}

func (t *UsageTee) consumeLine(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, []byte("data: ")) {
		return
	}
	data := bytes.TrimSpace(line[len("data: "):])
	if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
		return
	}
	var chunk models.ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		// Malformed chunks are the node's problem; accounting falls back
		// to the reservation if usage never shows up.
		return
	}
	if chunk.Usage != nil {
		t.usage = chunk.Usage
	}
}
