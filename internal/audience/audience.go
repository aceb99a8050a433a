// Package audience stores named recipient segments. An audience is a list of
// filter conditions evaluated by the user directory; its size is a snapshot
// taken when the audience is created or refreshed.
package audience

import (
	"strings"
	"time"

	"github.com/zoptal/mailflow/internal/filter"
	"github.com/zoptal/mailflow/internal/mailerr"
)

// Audience is a named segment of the directory
type Audience struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Filters     []filter.Condition `json:"filters"`
	Size        int                `json:"size"`
	SizedAt     time.Time          `json:"sized_at"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Validate checks the audience name and filter shapes.
func (a *Audience) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return mailerr.Validation("audience name is required")
	}
	if err := filter.Validate(a.Filters); err != nil {
		return mailerr.Validation("%v", err)
	}
	return nil
}
