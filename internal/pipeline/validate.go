package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ValidateRow checks one manifest row and returns its parsed serial number.
// A rejected row is excluded from further processing for its request; it
// never fails the request as a whole. The function is pure.
func ValidateRow(row Row) (int, error) {
	serialText := strings.TrimSpace(row.Serial)
	if serialText == "" {
		return 0, errors.New("serial number is missing")
	}
	if strings.TrimSpace(row.ProductName) == "" {
		return 0, errors.New("product name is missing")
	}
	if len(row.URLs) == 0 {
		return 0, errors.New("input image urls are missing")
	}

	serial, err := strconv.Atoi(serialText)
	if err != nil || serial < 0 {
		return 0, fmt.Errorf("serial number %q is not a non-negative integer", row.Serial)
	}

	for _, raw := range row.URLs {
		u := strings.TrimSpace(raw)
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return 0, fmt.Errorf("url %q must start with http:// or https://", raw)
		}
	}
	return serial, nil
}
