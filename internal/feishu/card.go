// ABOUTME: Typed builders for Feishu schema 2.0 interactive cards
// ABOUTME: Headers, columns, forms, selects, buttons, and text elements

package feishu

// Card is a schema 2.0 interactive card.
type Card struct {
	Schema string     `json:"schema"`
	Config CardConfig `json:"config"`
	Header CardHeader `json:"header"`
	Body   CardBody   `json:"body"`
}

// CardConfig holds card-level display options.
type CardConfig struct {
	WideScreenMode bool `json:"wide_screen_mode"`
}

// CardHeader is the colored title bar. Template names a Feishu color
// (blue/green/red/orange/grey).
type CardHeader struct {
	Title    TextObject `json:"title"`
	Template string     `json:"template"`
}

// CardBody holds the vertical element stack.
type CardBody struct {
	Direction string `json:"direction"`
	Elements  []any  `json:"elements"`
}

// NewCard builds a wide-screen card with the given header and elements.
func NewCard(title, template string, elements ...any) Card {
	return Card{
		Schema: "2.0",
		Config: CardConfig{WideScreenMode: true},
		Header: CardHeader{Title: PlainText(title), Template: template},
		Body:   CardBody{Direction: "vertical", Elements: elements},
	}
}

// TextObject is a tagged text value.
type TextObject struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// PlainText builds a plain_text object.
func PlainText(content string) TextObject {
	return TextObject{Tag: "plain_text", Content: content}
}

// LarkMd builds a lark_md (markdown) text object.
func LarkMd(content string) TextObject {
	return TextObject{Tag: "lark_md", Content: content}
}

// Div is a text block element.
type Div struct {
	Tag  string     `json:"tag"`
	Text TextObject `json:"text"`
}

// TextDiv builds a plain text block.
func TextDiv(content string) Div {
	return Div{Tag: "div", Text: PlainText(content)}
}

// MarkdownDiv builds a markdown text block.
func MarkdownDiv(content string) Div {
	return Div{Tag: "div", Text: LarkMd(content)}
}

// Hr is a divider.
type Hr struct {
	Tag string `json:"tag"`
}

// Divider builds a horizontal rule.
func Divider() Hr {
	return Hr{Tag: "hr"}
}

// ColumnSet lays out columns side by side.
type ColumnSet struct {
	Tag               string   `json:"tag"`
	FlexMode          string   `json:"flex_mode,omitempty"`
	HorizontalSpacing string   `json:"horizontal_spacing,omitempty"`
	BackgroundStyle   string   `json:"background_style,omitempty"`
	Columns           []Column `json:"columns"`
}

// Column is one cell of a ColumnSet.
type Column struct {
	Tag           string `json:"tag"`
	Width         string `json:"width"`
	Weight        int    `json:"weight,omitempty"`
	VerticalAlign string `json:"vertical_align,omitempty"`
	Elements      []any  `json:"elements"`
}

// Columns builds a column set.
func Columns(cols ...Column) ColumnSet {
	return ColumnSet{Tag: "column_set", Columns: cols}
}

// ButtonColumns builds the two-column action row used on approval cards.
func ButtonColumns(cols ...Column) ColumnSet {
	return ColumnSet{
		Tag:               "column_set",
		FlexMode:          "none",
		HorizontalSpacing: "8px",
		BackgroundStyle:   "default",
		Columns:           cols,
	}
}

// WeightedColumn builds a weighted-width column.
func WeightedColumn(weight int, verticalAlign string, elements ...any) Column {
	return Column{
		Tag:           "column",
		Width:         "weighted",
		Weight:        weight,
		VerticalAlign: verticalAlign,
		Elements:      elements,
	}
}

// Behavior attaches a callback value to an interactive element.
type Behavior struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Callback builds a callback behavior carrying value back on click.
func Callback(value any) []Behavior {
	return []Behavior{{Type: "callback", Value: value}}
}

// Button is a clickable card element. FormActionType "submit" makes it submit
// the enclosing form.
type Button struct {
	Tag            string     `json:"tag"`
	Name           string     `json:"name,omitempty"`
	Text           TextObject `json:"text"`
	Type           string     `json:"type"`
	Width          string     `json:"width,omitempty"`
	FormActionType string     `json:"form_action_type,omitempty"`
	Behaviors      []Behavior `json:"behaviors,omitempty"`
}

// SelectOption is one entry of a static select.
type SelectOption struct {
	Text  TextObject `json:"text"`
	Value string     `json:"value"`
}

// Options builds select options whose display text equals the value.
func Options(values ...string) []SelectOption {
	opts := make([]SelectOption, len(values))
	for i, v := range values {
		opts[i] = SelectOption{Text: PlainText(v), Value: v}
	}
	return opts
}

// SelectStatic is a dropdown with fixed options.
type SelectStatic struct {
	Tag           string         `json:"tag"`
	Name          string         `json:"name"`
	Placeholder   TextObject     `json:"placeholder"`
	Width         string         `json:"width,omitempty"`
	Options       []SelectOption `json:"options"`
	InitialOption string         `json:"initial_option,omitempty"`
}

// Input is a text input field.
type Input struct {
	Tag          string     `json:"tag"`
	Name         string     `json:"name"`
	InputType    string     `json:"input_type,omitempty"`
	Placeholder  TextObject `json:"placeholder"`
	Width        string     `json:"width,omitempty"`
	DefaultValue string     `json:"default_value"`
}

// Form groups interactive elements for a single submit.
type Form struct {
	Tag      string `json:"tag"`
	Name     string `json:"name"`
	Elements []any  `json:"elements"`
}

// NewForm builds a named form.
func NewForm(name string, elements ...any) Form {
	return Form{Tag: "form", Name: name, Elements: elements}
}
