package models

// ListOption is one selectable row of an interactive list. ID is what comes
// back when the user picks it.
type ListOption struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// InteractiveList is a single-select message.
type InteractiveList struct {
	Title      string       `json:"title,omitempty"`
	Body       string       `json:"body"`
	ButtonText string       `json:"button_text"`
	Options    []ListOption `json:"options"`
}

// Option returns the option with the given id, or nil.
func (l *InteractiveList) Option(id string) *ListOption {
	for i := range l.Options {
		if l.Options[i].ID == id {
			return &l.Options[i]
		}
	}
	return nil
}
