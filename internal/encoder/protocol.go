// Package encoder provides sentence embeddings through a detached worker
// process. The worker pays the model load cost once and serves every
// short-lived invocation that follows over a line-delimited JSON protocol
// on stdin/stdout.
package encoder

// request is one line written to the worker's stdin. Exactly one of Text,
// Texts or Cmd is set.
type request struct {
	Text  string   `json:"text,omitempty"`
	Texts []string `json:"texts,omitempty"`
	Cmd   string   `json:"cmd,omitempty"`
}

// response is one line read from the worker's stdout. The first line after
// startup carries Status "ready"; afterwards each request yields either a
// vector payload or an error, never both.
type response struct {
	Status  string      `json:"status,omitempty"`
	Vector  []float32   `json:"vector,omitempty"`
	Vectors [][]float32 `json:"vectors,omitempty"`
	Error   string      `json:"error,omitempty"`
}

const (
	statusReady = "ready"
	cmdQuit     = "quit"
)
