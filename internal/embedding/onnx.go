//go:build cgo

package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/shiori/pkg/utils"
)

// ONNXConfig locates a local sentence-embedding model.
type ONNXConfig struct {
	ModelPath  string
	Dimensions int
	MaxTokens  int
}

var onnxInputNames = []string{"input_ids", "attention_mask", "token_type_ids"}

// ONNXEmbedder runs a local BERT-style model through ONNX Runtime. It needs CGO and the
// onnxruntime shared library. The session owns one set of tensors, so runs are serialised.
type ONNXEmbedder struct {
	mu         sync.Mutex
	session    *ort.AdvancedSession
	inputs     [3]*ort.Tensor[int64]
	output     *ort.Tensor[float32]
	tokenizer  HashTokenizer
	dimensions int
}

func NewONNXEmbedder(cfg ONNXConfig) (*ONNXEmbedder, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("onnx embedder requires model_path")
	}
	if cfg.Dimensions <= 0 {
		return nil, errors.New("onnx embedder requires positive dimensions")
	}
	width := int64(cfg.MaxTokens)
	if width <= 0 {
		width = 256
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnx runtime: %w", err)
		}
	}

	e := &ONNXEmbedder{dimensions: cfg.Dimensions}
	var err error
	for i, name := range onnxInputNames {
		if e.inputs[i], err = ort.NewEmptyTensor[int64](ort.NewShape(1, width)); err != nil {
			e.destroy()
			return nil, fmt.Errorf("allocate %s tensor: %w", name, err)
		}
	}
	if e.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.Dimensions))); err != nil {
		e.destroy()
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}
	e.session, err = ort.NewAdvancedSession(cfg.ModelPath, onnxInputNames, []string{"output"},
		[]ort.ArbitraryTensor{e.inputs[0], e.inputs[1], e.inputs[2]},
		[]ort.ArbitraryTensor{e.output}, nil)
	if err != nil {
		e.destroy()
		return nil, fmt.Errorf("open onnx model %s: %w", cfg.ModelPath, err)
	}
	return e, nil
}

func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, fmt.Errorf("%w: onnx session closed", ErrEmbedding)
	}
	e.tokenizer.Encode(text, e.inputs[0].GetData(), e.inputs[1].GetData(), e.inputs[2].GetData())
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: onnx inference: %v", ErrEmbedding, err)
	}
	vec := make([]float32, e.dimensions)
	copy(vec, e.output.GetData())
	utils.NormalizeL2(vec)
	return vec, nil
}

// EmbedBatch runs one inference per text; the model is exported with batch size 1.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (e *ONNXEmbedder) Dimensions() int { return e.dimensions }

func (e *ONNXEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroy()
}

func (e *ONNXEmbedder) destroy() error {
	var errs []error
	if e.session != nil {
		errs = append(errs, e.session.Destroy())
		e.session = nil
	}
	for i, t := range e.inputs {
		if t != nil {
			errs = append(errs, t.Destroy())
			e.inputs[i] = nil
		}
	}
	if e.output != nil {
		errs = append(errs, e.output.Destroy())
		e.output = nil
	}
	return errors.Join(errs...)
}
