// Package slack is the messaging boundary: Block Kit payload types, a
// webhook and Web API client with transport retry, and a run status
// notifier.
package slack

// Message is a Block Kit payload.
type Message struct {
	Blocks []Block `json:"blocks"`
}

// Empty reports whether there is nothing to send.
func (m Message) Empty() bool { return len(m.Blocks) == 0 }

// Block is a top-level layout block.
type Block struct {
	Type     string    `json:"type"`
	Text     *Text     `json:"text,omitempty"`
	Elements []Element `json:"elements,omitempty"`
}

// Text is a plain_text or mrkdwn text object.
type Text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Element is a rich_text element: a section, list, or inline leaf
// (text, user, link).
type Element struct {
	Type     string    `json:"type"`
	Style    string    `json:"style,omitempty"`
	Indent   *int      `json:"indent,omitempty"`
	Border   *int      `json:"border,omitempty"`
	Elements []Element `json:"elements,omitempty"`
	Text     string    `json:"text,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
	URL      string    `json:"url,omitempty"`
}

// Header returns a header block.
func Header(text string) Block {
	return Block{Type: "header", Text: &Text{Type: "plain_text", Text: text}}
}

// PlainSection returns a section block with plain text.
func PlainSection(text string) Block {
	return Block{Type: "section", Text: &Text{Type: "plain_text", Text: text}}
}

// MarkdownSection returns a section block with mrkdwn text.
func MarkdownSection(text string) Block {
	return Block{Type: "section", Text: &Text{Type: "mrkdwn", Text: text}}
}

// Divider returns a divider block.
func Divider() Block { return Block{Type: "divider"} }

// RichText wraps elements in a rich_text block.
func RichText(elements ...Element) Block {
	return Block{Type: "rich_text", Elements: elements}
}

// Section groups inline elements.
func Section(elements ...Element) Element {
	return Element{Type: "rich_text_section", Elements: elements}
}

func list(style string, indent int, items []Element) Element {
	border := 0
	return Element{Type: "rich_text_list", Style: style, Indent: &indent, Border: &border, Elements: items}
}

// BulletList returns a bulleted rich_text_list.
func BulletList(indent int, items ...Element) Element { return list("bullet", indent, items) }

// OrderedList returns a numbered rich_text_list.
func OrderedList(indent int, items ...Element) Element { return list("ordered", indent, items) }

// TextElement is an inline text run.
func TextElement(s string) Element { return Element{Type: "text", Text: s} }

// UserElement is an inline user mention.
func UserElement(id string) Element { return Element{Type: "user", UserID: id} }

// LinkElement is an inline hyperlink.
func LinkElement(url, text string) Element { return Element{Type: "link", URL: url, Text: text} }
