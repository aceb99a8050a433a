package message

import "time"

// Counts aggregates message outcomes
type Counts struct {
	TotalSent    int `json:"total_sent"`
	Delivered    int `json:"delivered"`
	Opened       int `json:"opened"`
	Clicked      int `json:"clicked"`
	Bounced      int `json:"bounced"`
	Unsubscribed int `json:"unsubscribed"`
	Failed       int `json:"failed"`
}

// Rates are percentages derived from Counts
type Rates struct {
	DeliveryRate    float64 `json:"delivery_rate"`
	OpenRate        float64 `json:"open_rate"`
	ClickRate       float64 `json:"click_rate"`
	BounceRate      float64 `json:"bounce_rate"`
	UnsubscribeRate float64 `json:"unsubscribe_rate"`
}

// Statistics is the read model returned for a date range
type Statistics struct {
	Counts
	Rates
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// DateRange bounds statistics by message creation time. Zero bounds are open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls in the range.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Add counts one message. Drafts are not counted.
func (c *Counts) Add(m *Message) {
	switch {
	case m.Status == StatusDraft:
		return
	case m.Status == StatusFailed:
		c.Failed++
		return
	}
	c.TotalSent++
	if m.DeliveredAt != nil {
		c.Delivered++
	}
	if m.OpenedAt != nil {
		c.Opened++
	}
	if m.ClickedAt != nil {
		c.Clicked++
	}
	if m.BouncedAt != nil {
		c.Bounced++
	}
	if m.UnsubscribedAt != nil {
		c.Unsubscribed++
	}
}

// Rates derives percentages: delivery, bounce and unsubscribe relative to
// TotalSent, open and click relative to Delivered. Every rate is in [0, 100].
func (c Counts) Rates() Rates {
	return Rates{
		DeliveryRate:    percent(c.Delivered, c.TotalSent),
		OpenRate:        percent(c.Opened, c.Delivered),
		ClickRate:       percent(c.Clicked, c.Delivered),
		BounceRate:      percent(c.Bounced, c.TotalSent),
		UnsubscribeRate: percent(c.Unsubscribed, c.TotalSent),
	}
}

// NewStatistics builds statistics from counts.
func NewStatistics(c Counts, r DateRange) *Statistics {
	s := &Statistics{Counts: c, Rates: c.Rates()}
	if !r.From.IsZero() {
		from := r.From
		s.From = &from
	}
	if !r.To.IsZero() {
		to := r.To
		s.To = &to
	}
	return s
}

func percent(n, total int) float64 {
	if total <= 0 || n <= 0 {
		return 0
	}
	p := float64(n) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}
