package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"
)

var ErrBudgetTooSmall = errors.New("unit budget leaves no room for content")

// Plan splits content into transport units carrying at most contentBudget
// characters each. Part indexes are 1-based and every unit carries the final
// total. Concatenating the fragment contents in part order yields content.
func Plan(contentBudget int, h Header, content string) ([]string, error) {
	if contentBudget < 1 {
		return nil, fmt.Errorf("%w: content budget %d", ErrBudgetTooSmall, contentBudget)
	}

	chunks := splitRunes(content, contentBudget)
	total := len(chunks)

	units := make([]string, 0, total)
	for i, chunk := range chunks {
		fh := h
		fh.PartIndex = i + 1
		fh.TotalParts = total

		unit, _, err := Encode(fh, chunk)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}

	return units, nil
}

// PartCount returns how many units Plan produces for content
func PartCount(contentBudget int, content string) int {
	n := utf8.RuneCountInString(content)
	if n == 0 || contentBudget < 1 {
		return 1
	}
	return (n + contentBudget - 1) / contentBudget
}

// splitRunes cuts s into contiguous pieces of at most size characters.
// Empty input yields a single empty piece.
func splitRunes(s string, size int) []string {
	if s == "" {
		return []string{""}
	}

	chunks := make([]string, 0, PartCount(size, s))
	start, count := 0, 0
	for i := range s {
		if count == size {
			chunks = append(chunks, s[start:i])
			start, count = i, 0
		}
		count++
	}
	chunks = append(chunks, s[start:])

	return chunks
}

// Planner derives the per-unit content budget from a fixed unit budget
type Planner struct {
	UnitBudget int
}

// NewPlanner returns a planner for units of unitBudget characters
func NewPlanner(unitBudget int) *Planner {
	if unitBudget <= 0 {
		unitBudget = DefaultUnitBudget
	}
	return &Planner{UnitBudget: unitBudget}
}

// ContentBudget returns how many content characters fit in one unit next to
// the worst-case header for h: the p field is always reserved since
// multi-part messages need it, sized for the total the content will need.
func (p *Planner) ContentBudget(h Header, contentLen int) (int, error) {
	if err := h.Validate(); err != nil {
		return 0, err
	}

	digits := 1
	for {
		worst := h
		worst.PartIndex = maxForDigits(digits)
		worst.TotalParts = worst.PartIndex

		_, headerLen, err := Encode(worst, "x")
		if err != nil {
			return 0, err
		}

		budget := p.UnitBudget - headerLen
		if budget < 1 {
			return 0, fmt.Errorf("%w: header needs %d of %d characters", ErrBudgetTooSmall, headerLen, p.UnitBudget)
		}

		total := 1
		if contentLen > 0 {
			total = (contentLen + budget - 1) / budget
		}
		if len(strconv.Itoa(total)) <= digits {
			return budget, nil
		}
		digits++
	}
}

// Plan splits content using the content budget derived for h
func (p *Planner) Plan(h Header, content string) ([]string, error) {
	budget, err := p.ContentBudget(h, utf8.RuneCountInString(content))
	if err != nil {
		return nil, err
	}
	return Plan(budget, h, content)
}

func maxForDigits(digits int) int {
	n := 9
	for i := 1; i < digits; i++ {
		n = n*10 + 9
	}
	return n
}
