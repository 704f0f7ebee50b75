//go:build !onnx

package encoder

import "errors"

func newONNXEmbedder(modelPath, tokenizerPath string) (Embedder, error) {
	return nil, errors.New("onnx support not compiled in (build with -tags onnx)")
}
