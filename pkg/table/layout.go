package table

import "github.com/ecsdbio/ecsdb/pkg/types"

// FieldDef describes one field of a table before layout has been computed:
// its name and the registry type name backing it.
type FieldDef struct {
	Name string
	Type string
}

// FieldLayout is a FieldDef annotated with its computed position inside a
// record.
type FieldLayout struct {
	Name   string
	Type   *types.Type
	Offset int
	Size   int
	Align  int
}

// RecordLayout is the full fixed-size record shape for a table: every
// field's offset plus the total record size and alignment, computed once
// when the table (or a new field) is created and never changed afterward.
type RecordLayout struct {
	Fields    []FieldLayout
	TotalSize int
	Alignment int
}

// ComputeLayout lays fields out sequentially, inserting alignment padding
// before each field and trailing padding so TotalSize is a multiple of the
// record's overall alignment, consulting the type registry for each
// field's size and alignment.
func ComputeLayout(fields []FieldDef, reg *types.Registry) (*RecordLayout, error) {
	out := make([]FieldLayout, 0, len(fields))
	offset := 0
	maxAlign := 1

	for _, f := range fields {
		t, err := reg.Get(f.Type)
		if err != nil {
			return nil, err
		}
		align := t.Align
		if align < 1 {
			align = 1
		}
		if pad := (align - offset%align) % align; pad != 0 {
			offset += pad
		}
		out = append(out, FieldLayout{
			Name:   f.Name,
			Type:   t,
			Offset: offset,
			Size:   t.Size,
			Align:  align,
		})
		offset += t.Size
		if align > maxAlign {
			maxAlign = align
		}
	}

	if pad := (maxAlign - offset%maxAlign) % maxAlign; pad != 0 {
		offset += pad
	}

	return &RecordLayout{
		Fields:    out,
		TotalSize: offset,
		Alignment: maxAlign,
	}, nil
}

// FieldByName returns the layout of the named field, or ok=false if absent.
func (l *RecordLayout) FieldByName(name string) (FieldLayout, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldLayout{}, false
}

// WithField returns a new RecordLayout with an additional field appended
// and re-aligned. Used by AddField: existing field offsets for fields that
// precede the new one in declaration order are unchanged, since layout is
// strictly sequential and append-only and never reorders or renumbers
// existing fields.
func (l *RecordLayout) WithField(f FieldDef, reg *types.Registry) (*RecordLayout, error) {
	defs := make([]FieldDef, 0, len(l.Fields)+1)
	for _, existing := range l.Fields {
		defs = append(defs, FieldDef{Name: existing.Name, Type: existing.Type.Name})
	}
	defs = append(defs, f)
	return ComputeLayout(defs, reg)
}

// WithoutField returns a new RecordLayout with the named field removed and
// the remainder re-laid-out in their original relative order.
func (l *RecordLayout) WithoutField(name string, reg *types.Registry) (*RecordLayout, error) {
	defs := make([]FieldDef, 0, len(l.Fields))
	for _, existing := range l.Fields {
		if existing.Name == name {
			continue
		}
		defs = append(defs, FieldDef{Name: existing.Name, Type: existing.Type.Name})
	}
	return ComputeLayout(defs, reg)
}
