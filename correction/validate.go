package correction

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-windage/internal/maskops"
)

// ErrEmptyMask is returned when a response mask contains no valid token;
// every statistic below is undefined for an empty sample.
var ErrEmptyMask = errors.New("response mask has no valid tokens")

func checkSameShape(aName string, a *mat.Dense, bName string, b *mat.Dense) error {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return fmt.Errorf("%s shape (%d,%d) does not match %s shape (%d,%d)", aName, ar, ac, bName, br, bc)
	}
	return nil
}

func checkMask(mask *mat.Dense) error {
	if maskops.Count(mask) == 0 {
		return ErrEmptyMask
	}
	return nil
}
