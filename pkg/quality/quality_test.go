package quality

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"svrengine/internal/geometry"
	"svrengine/internal/model"
	"svrengine/pkg/sliceset"
)

// TestNCCIdentical verifies perfectly correlated planes score one
func TestNCCIdentical(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5, 6}
	ncc := NCC(a, a, model.PaddingThreshold)
	if math.Abs(ncc-1) > 1e-12 {
		t.Errorf("expected NCC 1, got %f", ncc)
	}
}

// TestNCCAnticorrelated verifies inverted planes score minus one
func TestNCCAnticorrelated(t *testing.T) {
	a := []float64{1, 2, 3, 4}
	b := []float64{4, 3, 2, 1}
	ncc := NCC(a, b, model.PaddingThreshold)
	if math.Abs(ncc+1) > 1e-12 {
		t.Errorf("expected NCC -1, got %f", ncc)
	}
}

// TestNCCSkipsPadding verifies padded pairs do not enter the statistic
func TestNCCSkipsPadding(t *testing.T) {
	a := []float64{1, 2, 3, -1, 9}
	b := []float64{1, 2, 3, 9, -1}
	ncc := NCC(a, b, model.PaddingThreshold)
	if math.Abs(ncc-1) > 1e-12 {
		t.Errorf("expected NCC 1 over the valid prefix, got %f", ncc)
	}
}

// TestNCCEmpty verifies the sentinel for insufficient overlap
func TestNCCEmpty(t *testing.T) {
	a := []float64{-1, -1}
	if ncc := NCC(a, a, model.PaddingThreshold); ncc != -1 {
		t.Errorf("expected -1 for empty overlap, got %f", ncc)
	}
}

// evalStore builds a store with one perfect and one outlier slice for the
// report tests
func evalStore() *sliceset.Store {
	attr := geometry.DefaultAttributes(4, 4, 1, 1, 1, 1)
	mk := func(weight float64, inside bool) *model.Slice {
		s := model.NewSlice(attr, 3)
		for p := range s.Data {
			s.Data[p] = 10 + float64(p)
			s.Simulated[p] = 10 + float64(p)
			s.SimulatedWeight[p] = 1
		}
		s.SliceWeight = weight
		s.Inside = inside
		return s
	}
	st := sliceset.NewStore()
	st.Slices = []*model.Slice{mk(1, true), mk(0.1, true), mk(1, false)}
	st.Coeffs = make([]*model.SliceCoeffs, 3)
	return st
}

// TestEvaluateDispositions verifies the included/excluded/outside split
func TestEvaluateDispositions(t *testing.T) {
	m := Evaluate(evalStore(), 2.5)
	if m.Included != 1 || m.Excluded != 1 || m.Outside != 1 {
		t.Errorf("dispositions %d/%d/%d, expected 1/1/1", m.Included, m.Excluded, m.Outside)
	}
	if m.AverageVolumeWeight != 2.5 {
		t.Errorf("average volume weight %f", m.AverageVolumeWeight)
	}
	if math.Abs(m.MeanNCC-1) > 1e-9 {
		t.Errorf("expected perfect NCC, got %f", m.MeanNCC)
	}
	if m.NRMSE != 0 {
		t.Errorf("expected zero NRMSE, got %f", m.NRMSE)
	}
	if math.Abs(m.ExcludedRatio-0.5) > 1e-12 {
		t.Errorf("excluded ratio %f, expected 0.5", m.ExcludedRatio)
	}
}

// TestEvaluateReadOnly verifies the evaluation never mutates slice data
func TestEvaluateReadOnly(t *testing.T) {
	st := evalStore()
	before := append([]float64(nil), st.Slices[0].Data...)
	Evaluate(st, 0)
	for p := range before {
		if st.Slices[0].Data[p] != before[p] {
			t.Fatalf("pixel %d mutated by evaluation", p)
		}
	}
}

// TestWriteSliceCSV verifies the report layout and row count
func TestWriteSliceCSV(t *testing.T) {
	dir, err := os.MkdirTemp("", "svrengine-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "slices.csv")
	if err := WriteSliceCSV(path, evalStore()); err != nil {
		t.Fatalf("WriteSliceCSV failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read report: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "stack_index,stack_name,included,excluded,outside,weight,scale,Tx,Ty,Tz,Rx,Ry,Rz") {
		t.Errorf("unexpected header: %s", lines[0])
	}
}
