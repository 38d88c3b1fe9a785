package refresh

import (
	"context"
	"errors"
	"fmt"
)

// DataType is a CRM object kind that can be refreshed into the local cache.
type DataType string

const (
	Company            DataType = "company"
	Contact            DataType = "contact"
	Deal               DataType = "deal"
	Email              DataType = "email"
	ConversationThread DataType = "conversation_thread"
)

// ErrUnsupportedType is returned for data types outside the DataType enum.
var ErrUnsupportedType = errors.New("unsupported data type")

// DataTypes returns every supported data type.
func DataTypes() []DataType {
	return []DataType{Company, Contact, Deal, Email, ConversationThread}
}

// ParseDataType validates s against the supported data types.
func ParseDataType(s string) (DataType, error) {
	switch dt := DataType(s); dt {
	case Company, Contact, Deal, Email, ConversationThread:
		return dt, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, s)
	}
}

// Page is one page of remote results. NextAfter is empty on the last page.
type Page struct {
	Results   []map[string]any
	NextAfter string
}

// Source fetches pages of CRM objects.
type Source interface {
	FetchPage(ctx context.Context, dataType DataType, limit int, after string) (Page, error)
}
