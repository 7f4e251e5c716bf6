package telegraph

// Button is a reply option. Pressing it delivers Value as the text of an
// inbound message from the pressing user.
type Button struct {
	Label string
	Value string
}

// Keyboard is a grid of buttons attached to an outbound message.
type Keyboard struct {
	Rows [][]Button
}

// NewKeyboard builds a keyboard from rows of buttons.
func NewKeyboard(rows ...[]Button) *Keyboard {
	return &Keyboard{Rows: rows}
}

// Row is a convenience for building one keyboard row.
func Row(buttons ...Button) []Button {
	return buttons
}

// Choices builds a keyboard with one button per option, label and value
// equal, laid out perRow to a row.
func Choices(perRow int, options ...string) *Keyboard {
	if perRow <= 0 {
		perRow = len(options)
	}
	kb := &Keyboard{}
	var row []Button
	for _, o := range options {
		row = append(row, Button{Label: o, Value: o})
		if len(row) == perRow {
			kb.Rows = append(kb.Rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		kb.Rows = append(kb.Rows, row)
	}
	return kb
}

// Buttons returns all buttons in row order.
func (k *Keyboard) Buttons() []Button {
	if k == nil {
		return nil
	}
	var out []Button
	for _, r := range k.Rows {
		out = append(out, r...)
	}
	return out
}
