// Package stratum implements the Stratum V1 server side: message decoding,
// the per-connection session state machine and newline framing.
package stratum

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// bufferPool reuses encode buffers on the response and broadcast paths.
var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	},
}

// EncodeLine marshals v as one newline-terminated frame.
func EncodeLine(v any) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return bytes.Clone(buf.Bytes()), nil
}
