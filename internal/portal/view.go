package portal

import (
	"fmt"
	"io"
	"strings"

	"github.com/agentworkforce/feedbackportal/internal/feedback"
)

const (
	DefaultPageSize = 10
	EmptyListText   = "No feedback submitted yet. Use the form above to submit your first feedback."
	dateLayout      = "Jan 2, 2006"
)

// Filter narrows a list. Zero fields match everything; Query matches title or
// description case-insensitively.
type Filter struct {
	Status   feedback.Status
	Category feedback.Category
	Priority feedback.Priority
	Query    string
}

func (f Filter) Match(item feedback.Item) bool {
	if f.Status != "" && item.Status != f.Status {
		return false
	}
	if f.Category != "" && (item.Category == nil || *item.Category != f.Category) {
		return false
	}
	if f.Priority != "" && (item.Priority == nil || *item.Priority != f.Priority) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		return strings.Contains(strings.ToLower(item.Title), q) || strings.Contains(strings.ToLower(item.Description), q)
	}
	return true
}

// Apply keeps the order of items.
func (f Filter) Apply(items []feedback.Item) []feedback.Item {
	out := make([]feedback.Item, 0, len(items))
	for _, item := range items {
		if f.Match(item) {
			out = append(out, item)
		}
	}
	return out
}

type Page struct {
	Items      []feedback.Item
	Page       int
	PageSize   int
	Total      int
	TotalPages int
}

// Paginate returns the 1-based page of items. Out of range pages are clamped.
func Paginate(items []feedback.Item, page, size int) Page {
	if size <= 0 {
		size = DefaultPageSize
	}
	total := len(items)
	totalPages := (total + size - 1) / size
	if totalPages == 0 {
		totalPages = 1
	}
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}
	start := (page - 1) * size
	end := start + size
	if end > total {
		end = total
	}
	return Page{
		Items:      append([]feedback.Item(nil), items[start:end]...),
		Page:       page,
		PageSize:   size,
		Total:      total,
		TotalPages: totalPages,
	}
}

type BadgeTone string

const (
	ToneSuccess BadgeTone = "success"
	ToneWarning BadgeTone = "warning"
	ToneDanger  BadgeTone = "danger"
	ToneInfo    BadgeTone = "info"
	ToneMuted   BadgeTone = "muted"
)

type Badge struct {
	Label string
	Tone  BadgeTone
}

func StatusBadge(status feedback.Status) Badge {
	switch status {
	case feedback.StatusProcessed:
		return Badge{Label: string(status), Tone: ToneSuccess}
	case feedback.StatusError:
		return Badge{Label: string(status), Tone: ToneDanger}
	default:
		return Badge{Label: string(feedback.StatusPending), Tone: ToneWarning}
	}
}

// PriorityBadge returns false for unclassified items.
func PriorityBadge(priority *feedback.Priority) (Badge, bool) {
	if priority == nil {
		return Badge{}, false
	}
	if *priority == feedback.PriorityHigh {
		return Badge{Label: string(*priority), Tone: ToneDanger}, true
	}
	return Badge{Label: string(*priority), Tone: ToneMuted}, true
}

func CategoryBadge(category *feedback.Category) (Badge, bool) {
	if category == nil {
		return Badge{}, false
	}
	if *category == feedback.CategoryBug {
		return Badge{Label: string(*category), Tone: ToneDanger}, true
	}
	return Badge{Label: string(*category), Tone: ToneInfo}, true
}

func Badges(item feedback.Item) []Badge {
	badges := []Badge{StatusBadge(item.Status)}
	if b, ok := PriorityBadge(item.Priority); ok {
		badges = append(badges, b)
	}
	if b, ok := CategoryBadge(item.Category); ok {
		badges = append(badges, b)
	}
	return badges
}

func FormatDate(item feedback.Item) string {
	return item.CreatedAt.Local().Format(dateLayout)
}

// Render writes a plain text listing: title and badges, description, date.
func Render(w io.Writer, items []feedback.Item) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, EmptyListText)
		return err
	}
	for i, item := range items {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		labels := make([]string, 0, 3)
		for _, badge := range Badges(item) {
			labels = append(labels, "["+badge.Label+"]")
		}
		if _, err := fmt.Fprintf(w, "%s %s\n  %s\n  %s\n", item.Title, strings.Join(labels, " "), item.Description, FormatDate(item)); err != nil {
			return err
		}
	}
	return nil
}
