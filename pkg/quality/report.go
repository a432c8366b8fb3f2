package quality

import (
	"encoding/csv"
	"fmt"
	"os"

	"svrengine/internal/geometry"
	"svrengine/pkg/sliceset"
)

// WriteSliceCSV dumps the per-slice state in the fixed report layout:
// stack index and name, disposition counters, weight, scale and the six
// rigid pose parameters. Slices with a free-form pose report zeros for
// the rigid columns.
func WriteSliceCSV(path string, store *sliceset.Store) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("slice report: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{"stack_index", "stack_name", "included", "excluded", "outside",
		"weight", "scale", "Tx", "Ty", "Tz", "Rx", "Ry", "Rz"}
	if err := w.Write(header); err != nil {
		return err
	}

	for i := 0; i < store.Len(); i++ {
		s := store.Slices[i]

		included, excluded, outside := 0, 0, 0
		switch {
		case !s.Inside:
			outside = 1
		case s.ForceExcluded || s.RegGate < 0 || s.SliceWeight < 0.5:
			excluded = 1
		default:
			included = 1
		}

		var p [6]float64
		if rigid, ok := s.Pose.(*geometry.RigidTransform); ok {
			p = rigid.Params()
		}

		record := []string{
			fmt.Sprintf("%d", s.StackIndex),
			store.StackName(s.StackIndex),
			fmt.Sprintf("%d", included),
			fmt.Sprintf("%d", excluded),
			fmt.Sprintf("%d", outside),
			fmt.Sprintf("%f", s.SliceWeight),
			fmt.Sprintf("%f", s.Scale),
			fmt.Sprintf("%f", p[0]),
			fmt.Sprintf("%f", p[1]),
			fmt.Sprintf("%f", p[2]),
			fmt.Sprintf("%f", p[3]),
			fmt.Sprintf("%f", p[4]),
			fmt.Sprintf("%f", p[5]),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

// PrintIterationReport logs the slice dispositions and quality metrics of
// an iteration the way operators expect to read them.
func PrintIterationReport(iter int, m Metrics) {
	fmt.Printf("Iteration %d: included %d, excluded %d, outside %d\n",
		iter, m.Included, m.Excluded, m.Outside)
	fmt.Printf("  mean slice NCC %.4f, NRMSE %.4f, average volume weight %.4f, excluded ratio %.3f\n",
		m.MeanNCC, m.NRMSE, m.AverageVolumeWeight, m.ExcludedRatio)
}
