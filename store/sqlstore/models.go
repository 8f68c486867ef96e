package sqlstore

// record is one entity. Body holds the whole attribute map as JSON, managed
// attributes included; Version mirrors the version attribute so updates can
// be conditioned on it in SQL.
type record struct {
	Kind    string `gorm:"primaryKey;size:64"`
	ID      string `gorm:"primaryKey;size:64"`
	Version int64  `gorm:"not null"`
	Body    string `gorm:"type:text;not null"`
}

func (record) TableName() string { return "records" }

// constraint is a claimed unique value. The primary key is the hashed
// entity type, field and value, so a second claim fails on insert.
type constraint struct {
	PK         string `gorm:"primaryKey;size:64"`
	EntityType string `gorm:"size:64"`
	FieldName  string `gorm:"size:64"`
	FieldValue string
	EntityRef  string `gorm:"size:160"`
}

func (constraint) TableName() string { return "unique_constraints" }

// link ties an owned record to its owner.
type link struct {
	ParentRef  string `gorm:"primaryKey;size:160"`
	ChildRef   string `gorm:"primaryKey;size:160"`
	ChildTable string `gorm:"size:64"`
	ChildID    string `gorm:"size:64"`
}

func (link) TableName() string { return "relationships" }
