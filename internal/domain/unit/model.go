package unit

import (
	"time"

	"github.com/google/uuid"
)

// Unit is a hospital unit or ward. Reference data: names are unique and
// nothing here is sensitive, so rows are stored in the clear.
type Unit struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   uuid.UUID `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
