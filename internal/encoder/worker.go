package encoder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/chenxiaofie/memory-mcp/internal/procutil"
)

// maxLineSize bounds a single protocol line. Batches of capped messages
// stay well under this.
const maxLineSize = 4 << 20

const parentPollInterval = 3 * time.Second

// NewWorkerEmbedder picks the embedder the worker will host. An empty
// modelPath selects the deterministic hash embedder, which needs no files
// on disk.
func NewWorkerEmbedder(modelPath, tokenizerPath string) (Embedder, error) {
	if modelPath == "" {
		return NewHashEmbedder(), nil
	}
	return newONNXEmbedder(modelPath, tokenizerPath)
}

// Serve runs the worker loop: one ready line, then one response line per
// request line until EOF or a quit command. Protocol and model errors are
// reported in-band; only transport failures return an error.
func Serve(emb Embedder, r io.Reader, w io.Writer) error {
	out := json.NewEncoder(w)
	if err := out.Encode(response{Status: statusReady}); err != nil {
		return fmt.Errorf("write ready line: %w", err)
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			if err := out.Encode(response{Error: "malformed request: " + err.Error()}); err != nil {
				return err
			}
			continue
		}

		if req.Cmd == cmdQuit {
			return nil
		}

		resp := handle(emb, req)
		if err := out.Encode(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return sc.Err()
}

func handle(emb Embedder, req request) response {
	switch {
	case req.Texts != nil:
		vecs, err := emb.EmbedBatch(req.Texts)
		if err != nil {
			return response{Error: err.Error()}
		}
		if vecs == nil {
			vecs = [][]float32{}
		}
		return response{Vectors: vecs}
	case req.Text != "":
		vec, err := emb.Embed(req.Text)
		if err != nil {
			return response{Error: err.Error()}
		}
		return response{Vector: vec}
	default:
		return response{Error: "empty request"}
	}
}

// RunWorker is the entry point for the worker subcommand. It loads the
// embedder (exiting non-zero before the ready line if that fails), serves
// stdin/stdout, and exits on its own when the parent process dies so no
// orphan keeps the model resident forever.
func RunWorker(modelPath, tokenizerPath string, parentPID int, logger *slog.Logger) error {
	emb, err := NewWorkerEmbedder(modelPath, tokenizerPath)
	if err != nil {
		return fmt.Errorf("load embedder: %w", err)
	}
	defer emb.Close()

	if parentPID > 0 {
		go watchParent(parentPID, logger)
	}

	logger.Info("encoder worker serving", "parent_pid", parentPID, "model", modelPath)
	return Serve(emb, os.Stdin, os.Stdout)
}

func watchParent(parentPID int, logger *slog.Logger) {
	for {
		time.Sleep(parentPollInterval)
		if !procutil.Alive(parentPID) {
			logger.Info("parent gone, encoder worker exiting", "parent_pid", parentPID)
			os.Exit(0)
		}
	}
}
