//go:build onnx

package encoder

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var ortInit sync.Once

// ONNXEmbedder runs a MiniLM-class sentence transformer exported to ONNX.
// Built only with the onnx tag so the default binary has no native
// runtime dependency.
type ONNXEmbedder struct {
	session *ort.DynamicAdvancedSession
	vocab   map[string]int64
	maxLen  int
}

func newONNXEmbedder(modelPath, tokenizerPath string) (Embedder, error) {
	var initErr error
	ortInit.Do(func() {
		if lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("init onnxruntime: %w", initErr)
	}

	vocab, err := loadVocab(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load vocab: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"}, nil)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", modelPath, err)
	}

	return &ONNXEmbedder{session: session, vocab: vocab, maxLen: 256}, nil
}

func loadVocab(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var id int64
	for sc.Scan() {
		vocab[strings.TrimSpace(sc.Text())] = id
		id++
	}
	return vocab, sc.Err()
}

// tokenize is a greedy WordPiece over the loaded vocab, bracketed by the
// usual [CLS]/[SEP] specials.
func (o *ONNXEmbedder) tokenize(text string) []int64 {
	ids := []int64{o.vocab["[CLS]"]}
	unk := o.vocab["[UNK]"]

	for _, word := range strings.Fields(strings.ToLower(text)) {
		if len(ids) >= o.maxLen-1 {
			break
		}
		start := 0
		for start < len(word) {
			end := len(word)
			var match int64 = -1
			for end > start {
				piece := word[start:end]
				if start > 0 {
					piece = "##" + piece
				}
				if id, ok := o.vocab[piece]; ok {
					match = id
					break
				}
				end--
			}
			if match < 0 {
				ids = append(ids, unk)
				break
			}
			ids = append(ids, match)
			start = end
		}
	}
	return append(ids, o.vocab["[SEP]"])
}

func (o *ONNXEmbedder) Embed(text string) ([]float32, error) {
	vecs, err := o.EmbedBatch([]string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (o *ONNXEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	seqs := make([][]int64, len(texts))
	maxLen := 0
	for i, t := range texts {
		seqs[i] = o.tokenize(t)
		if len(seqs[i]) > maxLen {
			maxLen = len(seqs[i])
		}
	}

	n := len(texts)
	inputIDs := make([]int64, n*maxLen)
	attention := make([]int64, n*maxLen)
	tokenTypes := make([]int64, n*maxLen)
	for i, seq := range seqs {
		for j, id := range seq {
			inputIDs[i*maxLen+j] = id
			attention[i*maxLen+j] = 1
		}
	}

	shape := ort.NewShape(int64(n), int64(maxLen))
	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, err
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, attention)
	if err != nil {
		return nil, err
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor(shape, tokenTypes)
	if err != nil {
		return nil, err
	}
	defer typeTensor.Destroy()

	outShape := ort.NewShape(int64(n), int64(maxLen), Dimensions)
	outTensor, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, err
	}
	defer outTensor.Destroy()

	err = o.session.Run(
		[]ort.Value{idsTensor, maskTensor, typeTensor},
		[]ort.Value{outTensor})
	if err != nil {
		return nil, fmt.Errorf("run model: %w", err)
	}

	hidden := outTensor.GetData()
	out := make([][]float32, n)
	for i := range texts {
		out[i] = meanPool(hidden[i*maxLen*Dimensions:(i+1)*maxLen*Dimensions], attention[i*maxLen:(i+1)*maxLen])
	}
	return out, nil
}

// meanPool averages token vectors under the attention mask and L2
// normalizes, matching the sentence-transformers pooling head.
func meanPool(hidden []float32, mask []int64) []float32 {
	vec := make([]float64, Dimensions)
	var count float64
	for j, m := range mask {
		if m == 0 {
			continue
		}
		count++
		for d := 0; d < Dimensions; d++ {
			vec[d] += float64(hidden[j*Dimensions+d])
		}
	}
	if count == 0 {
		count = 1
	}

	var norm float64
	for d := range vec {
		vec[d] /= count
		norm += vec[d] * vec[d]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		norm = 1
	}

	out := make([]float32, Dimensions)
	for d, v := range vec {
		out[d] = float32(v / norm)
	}
	return out
}

func (o *ONNXEmbedder) Close() error {
	if o.session != nil {
		o.session.Destroy()
		o.session = nil
	}
	return nil
}
