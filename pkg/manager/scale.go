package manager

import (
	"fmt"
	"strconv"

	"github.com/gaffer-run/gaffer/pkg/job"
)

// parseScaleOp parses a scale operator string like "+2", "=3", "-1"
// into its operator and operand (spec section 4.4, `scale(name,
// op_str)`).
func parseScaleOp(s string) (job.ScaleOp, int, error) {
	if len(s) < 2 {
		return "", 0, fmt.Errorf("malformed scale operator %q", s)
	}
	op := job.ScaleOp(s[:1])
	switch op {
	case job.ScaleSet, job.ScaleAdd, job.ScaleSub:
	default:
		return "", 0, fmt.Errorf("unrecognized scale operator %q", s)
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed scale amount in %q: %w", s, err)
	}
	if n < 0 {
		return "", 0, fmt.Errorf("negative scale amount in %q", s)
	}
	return op, n, nil
}
