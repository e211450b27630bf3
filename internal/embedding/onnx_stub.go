//go:build !cgo

package embedding

import (
	"context"
	"errors"
)

// ONNXConfig locates a local sentence-embedding model.
type ONNXConfig struct {
	ModelPath  string
	Dimensions int
	MaxTokens  int
}

// ErrONNXUnavailable is returned by every ONNX call in binaries built without CGO.
var ErrONNXUnavailable = errors.New("onnx provider needs a cgo build (CGO_ENABLED=1) with onnxruntime installed")

type ONNXEmbedder struct{}

func NewONNXEmbedder(ONNXConfig) (*ONNXEmbedder, error) { return nil, ErrONNXUnavailable }

func (*ONNXEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrONNXUnavailable
}

func (*ONNXEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, ErrONNXUnavailable
}

func (*ONNXEmbedder) Dimensions() int { return 0 }

func (*ONNXEmbedder) Close() error { return nil }
