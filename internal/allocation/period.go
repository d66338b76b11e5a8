package allocation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
)

// Period is a funding quarter.
type Period struct {
	Year    int
	Quarter int
}

// PeriodFor returns the quarter containing t, in UTC.
func PeriodFor(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Quarter: (int(t.Month())-1)/3 + 1}
}

// ParsePeriod parses a "YYYY-Qn" key.
func ParsePeriod(s string) (Period, error) {
	year, q, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(s)), "-Q")
	if !ok || len(year) != 4 || len(q) != 1 {
		return Period{}, fmt.Errorf("%w: period must look like 2026-Q1, got %q", apperrors.ErrInvalidInput, s)
	}
	y, err := strconv.Atoi(year)
	if err != nil {
		return Period{}, fmt.Errorf("%w: bad period year %q", apperrors.ErrInvalidInput, year)
	}
	n, err := strconv.Atoi(q)
	if err != nil || n < 1 || n > 4 {
		return Period{}, fmt.Errorf("%w: bad period quarter %q", apperrors.ErrInvalidInput, q)
	}
	return Period{Year: y, Quarter: n}, nil
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-Q%d", p.Year, p.Quarter)
}

func isNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrNotFound)
}
