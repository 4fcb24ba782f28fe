package chat

// buffer holds the received reply and how much of it has been revealed.
// The cursor counts runes and never passes the end of the text.
type buffer struct {
	text   []rune
	cursor int
}

func (b *buffer) append(s string) {
	b.text = append(b.text, []rune(s)...)
}

// advance moves the cursor up to step runes and reports whether anything
// is still hidden.
func (b *buffer) advance(step int) bool {
	if step < 1 {
		step = 1
	}
	b.cursor = min(b.cursor+step, len(b.text))
	return b.cursor < len(b.text)
}

func (b *buffer) revealAll() {
	b.cursor = len(b.text)
}

func (b *buffer) hidden() bool {
	return b.cursor < len(b.text)
}

func (b *buffer) content() string { return string(b.text) }

func (b *buffer) visible() string { return string(b.text[:b.cursor]) }

func (b *buffer) reset() {
	b.text = nil
	b.cursor = 0
}
