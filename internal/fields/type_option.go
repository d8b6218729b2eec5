package fields

// TypeOption is the configuration of one field type. The concrete type is selected by
// the field's type tag.
type TypeOption interface {
	typeOption()
}

// SelectColor names the palette entry of a select option.
type SelectColor string

const (
	ColorPurple    SelectColor = "Purple"
	ColorPink      SelectColor = "Pink"
	ColorLightPink SelectColor = "LightPink"
	ColorOrange    SelectColor = "Orange"
	ColorYellow    SelectColor = "Yellow"
	ColorLime      SelectColor = "Lime"
	ColorGreen     SelectColor = "Green"
	ColorAqua      SelectColor = "Aqua"
	ColorBlue      SelectColor = "Blue"
)

// SelectOption is one choice of a select field or checklist.
type SelectOption struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Color SelectColor `json:"color"`
}

// SelectTypeOption configures single and multi select fields.
type SelectTypeOption struct {
	Options      []SelectOption `json:"options"`
	DisableColor bool           `json:"disable_color"`
}

// ChecklistTypeOption configures checklist fields. Checklists keep their options in
// the cell.
type ChecklistTypeOption struct{}

// RelationTypeOption points a relation field at another database.
type RelationTypeOption struct {
	DatabaseID string
}

// Calculation aggregates the target values of a rollup.
type Calculation int

const (
	CalculationShowOriginal Calculation = iota
	CalculationCount
	CalculationSum
	CalculationAverage
	CalculationMin
	CalculationMax
)

// RollupTypeOption aggregates a field of the rows referenced by a relation field.
type RollupTypeOption struct {
	RelationFieldID string
	TargetFieldID   string
	Calculation     Calculation
}

// NumberTypeOption configures number fields.
type NumberTypeOption struct {
	Format string
}

// DateTimeTypeOption configures date fields.
type DateTimeTypeOption struct {
	DateFormat string
	TimeFormat string
}

// NoneTypeOption is the option of field types without configuration, and the default
// when a stored option cannot be decoded.
type NoneTypeOption struct{}

func (SelectTypeOption) typeOption()    {}
func (ChecklistTypeOption) typeOption() {}
func (RelationTypeOption) typeOption()  {}
func (RollupTypeOption) typeOption()    {}
func (NumberTypeOption) typeOption()    {}
func (DateTimeTypeOption) typeOption()  {}
func (NoneTypeOption) typeOption()      {}
