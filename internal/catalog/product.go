package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Product struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Price       float64   `json:"price"`
	Currency    string    `json:"currency"`
	Images      []string  `json:"images,omitempty"`
	Stock       int       `json:"stock"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type CreateRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Price       float64  `json:"price"`
	Currency    string   `json:"currency"`
	Images      []string `json:"images"`
	Stock       int      `json:"stock"`
}

// UpdateRequest is a partial update. Nil fields are left unchanged.
type UpdateRequest struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Category    *string   `json:"category,omitempty"`
	Price       *float64  `json:"price,omitempty"`
	Currency    *string   `json:"currency,omitempty"`
	Images      *[]string `json:"images,omitempty"`
	Stock       *int      `json:"stock,omitempty"`
}

func (u UpdateRequest) empty() bool {
	return u.Name == nil && u.Description == nil && u.Category == nil &&
		u.Price == nil && u.Currency == nil && u.Images == nil && u.Stock == nil
}

// ListQuery filters and pages List. Cursor is the NextCursor of a previous
// page.
type ListQuery struct {
	Category string
	Cursor   string
	Limit    int
}

type Page struct {
	Items      []Product `json:"items"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

const (
	DefaultLimit = 20
	MaxLimit     = 100

	maxNameLen      = 200
	maxImages       = 20
	defaultCurrency = "USD"
)

var (
	ErrNotFound = errors.New("catalog: product not found")
	// ErrInvalid wraps every validation failure. The wrapped message is safe
	// to show to clients.
	ErrInvalid = errors.New("catalog: invalid product")
)

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }
func (e *validationError) Unwrap() error { return ErrInvalid }

func invalid(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

func normalizeCurrency(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return defaultCurrency
	}
	return c
}

func validate(p Product) error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return invalid("name is required")
	case len(p.Name) > maxNameLen:
		return invalid("name must be at most %d characters", maxNameLen)
	case p.Price < 0:
		return invalid("price must not be negative")
	case len(p.Currency) != 3:
		return invalid("currency must be a 3 letter code")
	case p.Stock < 0:
		return invalid("stock must not be negative")
	case len(p.Images) > maxImages:
		return invalid("at most %d images", maxImages)
	}
	for _, img := range p.Images {
		if !strings.HasPrefix(img, "https://") && !strings.HasPrefix(img, "/") {
			return invalid("image %q must be an https or site-relative url", img)
		}
	}
	return nil
}

// ValidationMessage returns the client-safe text of a validation error.
func ValidationMessage(err error) (string, bool) {
	var v *validationError
	if errors.As(err, &v) {
		return v.msg, true
	}
	return "", false
}
