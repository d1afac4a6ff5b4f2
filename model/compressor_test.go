package model

import (
	"math"
	"testing"

	"pgregory.net/rand"

	"github.com/openvolume/kplanes/tensor"
)

// TestCompressorShape verifies channel doubling and spatial halving
func TestCompressorShape(t *testing.T) {
	const c = 4
	cc := NewConvCompressor(c, rand.New(1))
	if cc.OutChannels != 8*c {
		t.Errorf("Expected %d output channels, got %d", 8*c, cc.OutChannels)
	}

	in := tensor.New(c, 16, 24)
	for i := range in.Data {
		in.Data[i] = float32(i%11) * 0.1
	}
	out := cc.Forward(in)
	if out.Shape[0] != 8*c || out.Shape[1] != 2 || out.Shape[2] != 3 {
		t.Errorf("Expected shape [%d, 2, 3], got %v", 8*c, out.Shape)
	}
}

// TestCompressorOddExtent verifies strided layers cover odd extents
func TestCompressorOddExtent(t *testing.T) {
	cc := NewConvCompressor(2, rand.New(2))
	out := cc.Forward(tensor.New(2, 17, 9))
	// ceil division at every stride-2 stage: 17 -> 9 -> 5 -> 3
	if out.Shape[1] != 3 || out.Shape[2] != 2 {
		t.Errorf("Expected spatial extent [3, 2], got %v", out.Shape)
	}
}

// TestClassifierProbabilities verifies rows are softmax-normalized
func TestClassifierProbabilities(t *testing.T) {
	clf := NewLinearClassifier(16, rand.New(3))
	features := tensor.New(5, 16)
	for i := range features.Data {
		features.Data[i] = float32(i%7) - 3
	}
	probs := clf.Forward(features)
	if probs.Shape[0] != 5 || probs.Shape[1] != 2 {
		t.Fatalf("Expected [5, 2] probabilities, got %v", probs.Shape)
	}
	for r := 0; r < 5; r++ {
		sum := float64(probs.Data[r*2] + probs.Data[r*2+1])
		if math.Abs(sum-1) > 1e-5 {
			t.Errorf("Row %d sums to %v, want 1", r, sum)
		}
		if probs.Data[r*2] < 0 || probs.Data[r*2+1] < 0 {
			t.Errorf("Row %d has negative probability", r)
		}
	}
}

// TestCrossEntropy verifies confident predictions score near zero and
// wrong ones do not
func TestCrossEntropy(t *testing.T) {
	clf := NewLinearClassifier(16, rand.New(4))
	confident := tensor.FromSlice([]float32{0.999, 0.001, 0.998, 0.002}, 2, 2)
	if got := clf.CrossEntropy(confident, 0); got > 0.01 {
		t.Errorf("Expected near-zero loss for confident correct prediction, got %v", got)
	}
	if got := clf.CrossEntropy(confident, 1); got < 1 {
		t.Errorf("Expected large loss for confident wrong prediction, got %v", got)
	}
	if got := clf.CrossEntropy(tensor.New(0, 2), 0); got != 0 {
		t.Errorf("Expected zero loss for an empty batch, got %v", got)
	}
}
