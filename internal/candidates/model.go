package candidates

import "time"

// Candidate is the root record. Email holds the normalized address and is unique.
type Candidate struct {
	ID           uint64       `gorm:"column:id;primaryKey;autoIncrement"`
	FirstName    string       `gorm:"column:first_name;size:50;not null"`
	LastName     string       `gorm:"column:last_name;size:50;not null"`
	Email        string       `gorm:"column:email;size:254;not null;uniqueIndex:idx_candidates_email"`
	Phone        string       `gorm:"column:phone;size:32;not null"`
	Address      *string      `gorm:"column:address;size:200"`
	LinkedInURL  *string      `gorm:"column:linkedin_url;size:2048"`
	PortfolioURL *string      `gorm:"column:portfolio_url;size:2048"`
	CreatedAt    time.Time    `gorm:"column:created_at;not null;index:idx_candidates_created"`
	Education    []Education  `gorm:"foreignKey:CandidateID;constraint:OnDelete:CASCADE"`
	Experience   []Experience `gorm:"foreignKey:CandidateID;constraint:OnDelete:CASCADE"`
	Attachments  []Attachment `gorm:"foreignKey:CandidateID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (Candidate) TableName() string {
	return "candidates"
}

// Education is an owned education entry; Ordinal keeps submission order.
type Education struct {
	ID           uint64     `gorm:"column:id;primaryKey;autoIncrement"`
	CandidateID  uint64     `gorm:"column:candidate_id;not null;index:idx_education_candidate,priority:1"`
	Ordinal      int        `gorm:"column:ordinal;not null;index:idx_education_candidate,priority:2"`
	Institution  string     `gorm:"column:institution;size:120;not null"`
	Degree       string     `gorm:"column:degree;size:120;not null"`
	FieldOfStudy *string    `gorm:"column:field_of_study;size:120"`
	StartDate    time.Time  `gorm:"column:start_date;not null"`
	EndDate      *time.Time `gorm:"column:end_date"`
	Ongoing      bool       `gorm:"column:ongoing;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Education) TableName() string {
	return "candidate_education"
}

// Experience is an owned work history entry; Ordinal keeps submission order.
type Experience struct {
	ID          uint64     `gorm:"column:id;primaryKey;autoIncrement"`
	CandidateID uint64     `gorm:"column:candidate_id;not null;index:idx_experience_candidate,priority:1"`
	Ordinal     int        `gorm:"column:ordinal;not null;index:idx_experience_candidate,priority:2"`
	Company     string     `gorm:"column:company;size:120;not null"`
	Position    string     `gorm:"column:position;size:120;not null"`
	Description *string    `gorm:"column:description;size:2000"`
	StartDate   time.Time  `gorm:"column:start_date;not null"`
	EndDate     *time.Time `gorm:"column:end_date"`
	Ongoing     bool       `gorm:"column:ongoing;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Experience) TableName() string {
	return "candidate_experience"
}

// Attachment references one committed blob by its generated locator.
type Attachment struct {
	ID           uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	CandidateID  uint64    `gorm:"column:candidate_id;not null;index:idx_attachments_candidate"`
	OriginalName string    `gorm:"column:original_name;size:255;not null"`
	MediaType    string    `gorm:"column:media_type;size:128;not null"`
	SizeBytes    int64     `gorm:"column:size_bytes;not null"`
	Locator      string    `gorm:"column:locator;size:64;not null;uniqueIndex:idx_attachments_locator"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Attachment) TableName() string {
	return "candidate_attachments"
}

// Models lists every persisted type in migration order.
func Models() []any {
	return []any{&Candidate{}, &Education{}, &Experience{}, &Attachment{}}
}
