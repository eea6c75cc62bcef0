package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"bulksend/internal/engine"
)

// Command is one line of the control protocol: a host process writes these
// to the worker's stdin, one JSON object per line.
type Command struct {
	Type     string          `json:"type"`
	Protocol int             `json:"protocol"`
	Payload  json.RawMessage `json:"payload"`
}

// Writer emits protocol replies and job events as JSON lines. Writes are
// serialized so event lines from the job goroutine never interleave with
// command replies.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
}

func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

func (w *Writer) WriteLine(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = fmt.Fprintf(w.out, "%s\n", data)
	return err
}

// WriteEvent serializes a job event with its kind injected as "type".
func (w *Writer) WriteEvent(ev engine.Event) error {
	encoded, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return w.WriteLine(encoded)
}

func (w *Writer) WriteError(msg string) error {
	return w.WriteLine(map[string]any{"type": "error", "error": msg})
}

func (w *Writer) WriteJobError(jobID, msg string) error {
	return w.WriteLine(map[string]any{"type": "error", "job_id": jobID, "error": msg})
}

func encodeEvent(ev engine.Event) (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["type"] = ev.Kind()
	return fields, nil
}
